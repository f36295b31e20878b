package store

import "strings"

// Timestamps are stored as unix milliseconds in both dialects so that range
// comparisons behave identically.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	display_name       TEXT NOT NULL DEFAULT '',
	timezone           TEXT NOT NULL DEFAULT 'UTC',
	plan               TEXT NOT NULL DEFAULT 'free',
	plan_expires_at    BIGINT,
	primary_channel    TEXT NOT NULL DEFAULT '',
	primary_identity   TEXT NOT NULL DEFAULT '',
	secondary_channel  TEXT NOT NULL DEFAULT '',
	secondary_identity TEXT NOT NULL DEFAULT '',
	created_at         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_primary ON users (primary_channel, primary_identity);
CREATE INDEX IF NOT EXISTS idx_users_secondary ON users (secondary_channel, secondary_identity);

CREATE TABLE IF NOT EXISTS personas (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	system_prompt TEXT NOT NULL,
	active        {{BOOL}} NOT NULL DEFAULT {{FALSE}},
	created_at    BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_personas_user ON personas (user_id, active);

CREATE TABLE IF NOT EXISTS messages (
	id         {{SERIAL}},
	user_id    TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	persona_id TEXT NOT NULL,
	direction  TEXT NOT NULL,
	channel    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages (user_id, persona_id, created_at);

CREATE TABLE IF NOT EXISTS memories (
	id         {{SERIAL}},
	user_id    TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	persona_id TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_thread ON memories (user_id, persona_id, created_at);

CREATE TABLE IF NOT EXISTS pulses (
	id            {{SERIAL}},
	user_id       TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	persona_id    TEXT NOT NULL REFERENCES personas (id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	hour          INTEGER NOT NULL CHECK (hour >= 0 AND hour <= 23),
	instruction   TEXT NOT NULL,
	enabled       {{BOOL}} NOT NULL DEFAULT {{TRUE}},
	last_fired_at BIGINT,
	UNIQUE (persona_id, kind)
);

CREATE TABLE IF NOT EXISTS rhythms (
	id            {{SERIAL}},
	user_id       TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	persona_id    TEXT NOT NULL REFERENCES personas (id) ON DELETE CASCADE,
	name          TEXT NOT NULL,
	cron          TEXT NOT NULL,
	timezone      TEXT NOT NULL DEFAULT 'UTC',
	instruction   TEXT NOT NULL,
	enabled       {{BOOL}} NOT NULL DEFAULT {{TRUE}},
	last_fired_at BIGINT,
	next_fire_at  BIGINT,
	last_result   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rhythms_due ON rhythms (enabled, next_fire_at);

CREATE TABLE IF NOT EXISTS caller_credentials (
	caller_id  TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS scheduler_leases (
	name       TEXT PRIMARY KEY,
	holder     TEXT NOT NULL,
	expires_at BIGINT NOT NULL
);
`

func renderSchema(d dialect) []string {
	r := strings.NewReplacer(
		"{{SERIAL}}", d.serial,
		"{{BOOL}}", d.boolType,
		"{{TRUE}}", d.trueLit,
		"{{FALSE}}", d.falseLit,
	)
	var stmts []string
	for _, stmt := range strings.Split(r.Replace(schemaTemplate), ";") {
		if s := strings.TrimSpace(stmt); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
