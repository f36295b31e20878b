package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/warband/pkg/scheduler"
	"github.com/harun/warband/pkg/store"
)

const testSecret = "admin-secret-xyz"

type fakeRunner struct {
	tickErr error
	fired   []string
}

func (f *fakeRunner) Tick(context.Context) (scheduler.TickReport, error) {
	if f.tickErr != nil {
		return scheduler.TickReport{}, f.tickErr
	}
	return scheduler.TickReport{DuePulses: 2, Succeeded: 2}, nil
}

func (f *fakeRunner) TestFire(_ context.Context, kind scheduler.TaskKind, id int64) (scheduler.Outcome, error) {
	if id == 404 {
		return scheduler.Outcome{}, fmt.Errorf("get pulse: %w", store.ErrNotFound)
	}
	f.fired = append(f.fired, fmt.Sprintf("%s/%d", kind, id))
	return scheduler.Outcome{Kind: kind, ID: id, Status: scheduler.StatusSuccess, Content: "done"}, nil
}

// taskErrors maps persona ids to the error task creation returns.
var taskErrors = map[string]error{
	"ghost": fmt.Errorf("persona ghost: %w", store.ErrNotFound),
	"bad":   fmt.Errorf("%w: unknown pulse kind", scheduler.ErrInvalidTask),
	"full":  fmt.Errorf("%w: free plan allows 0", scheduler.ErrRhythmLimit),
	"dup":   fmt.Errorf("persona already has a morning pulse: %w", store.ErrConflict),
	"boom":  errors.New("disk full"),
}

func (f *fakeRunner) CreatePulse(_ context.Context, p *store.Pulse) error {
	if err := taskErrors[p.PersonaID]; err != nil {
		return err
	}
	p.ID, p.UserID, p.Enabled = 11, "u1", true
	return nil
}

func (f *fakeRunner) CreateRhythm(_ context.Context, r *store.Rhythm) error {
	if err := taskErrors[r.PersonaID]; err != nil {
		return err
	}
	next := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	r.ID, r.UserID, r.Enabled, r.NextFireAt = 12, "u1", true, &next
	return nil
}

type fakeIssuer struct{}

func (fakeIssuer) Issue(_ context.Context, userID string, slot store.Slot) (string, time.Time, error) {
	if userID == "ghost" {
		return "", time.Time{}, fmt.Errorf("lookup user: %w", store.ErrNotFound)
	}
	return "ABCD2345", time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC), nil
}

type fakeHealth struct{ err error }

func (f fakeHealth) Ping(context.Context) error { return f.err }

func newTestAdmin(runner *fakeRunner, health error) *AdminServer {
	return NewAdminServer(AdminOptions{
		Listen:    "127.0.0.1:0",
		Secret:    testSecret,
		Scheduler: runner,
		Linker:    fakeIssuer{},
		Health:    fakeHealth{err: health},
		Logger:    zerolog.Nop(),
	})
}

func do(t *testing.T, s *AdminServer, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if auth {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdminHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := do(t, newTestAdmin(&fakeRunner{}, nil), http.MethodGet, "/healthz", "", false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode(t, rec)["status"])
	})

	t.Run("store down", func(t *testing.T) {
		rec := do(t, newTestAdmin(&fakeRunner{}, errors.New("db gone")), http.MethodGet, "/healthz", "", false)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "db gone", decode(t, rec)["error"])
	})
}

func TestAdminMetrics(t *testing.T) {
	rec := do(t, newTestAdmin(&fakeRunner{}, nil), http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warband_")
}

func TestAdminAuth(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/scheduler/tick", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/scheduler/tick", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	wrong := httptest.NewRecorder()
	s.Handler().ServeHTTP(wrong, req)
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)

	open := NewAdminServer(AdminOptions{Scheduler: &fakeRunner{}, Logger: zerolog.Nop()})
	rec = do(t, open, http.MethodPost, "/v1/scheduler/tick", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminTick(t *testing.T) {
	rec := do(t, newTestAdmin(&fakeRunner{}, nil), http.MethodPost, "/v1/scheduler/tick", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var report scheduler.TickReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.DuePulses)
	assert.Equal(t, 2, report.Succeeded)

	failing := newTestAdmin(&fakeRunner{tickErr: errors.New("lease query failed")}, nil)
	rec = do(t, failing, http.MethodPost, "/v1/scheduler/tick", "", true)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAdminFire(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestAdmin(runner, nil)

	tests := []struct {
		name string
		path string
		code int
	}{
		{"pulse", "/v1/tasks/pulse/7/fire", http.StatusOK},
		{"rhythm", "/v1/tasks/rhythm/3/fire", http.StatusOK},
		{"unknown kind", "/v1/tasks/cron/3/fire", http.StatusBadRequest},
		{"bad id", "/v1/tasks/pulse/abc/fire", http.StatusBadRequest},
		{"zero id", "/v1/tasks/pulse/0/fire", http.StatusBadRequest},
		{"missing", "/v1/tasks/pulse/404/fire", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.path, "", true)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"pulse/7", "rhythm/3"}, runner.fired)

	rec := do(t, s, http.MethodPost, "/v1/tasks/pulse/7/fire", "", true)
	var out scheduler.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, scheduler.StatusSuccess, out.Status)
	assert.Equal(t, "done", out.Content)
}

func TestAdminCreatePulse(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)
	body := `{"kind":"morning","hour":8,"instruction":"Say good morning."}`

	rec := do(t, s, http.MethodPost, "/v1/personas/p1/pulses", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, float64(11), got["id"])
	assert.Equal(t, "p1", got["persona_id"])
	assert.Equal(t, "morning", got["kind"])
	assert.Equal(t, float64(8), got["hour"])

	tests := []struct {
		persona string
		body    string
		status  int
	}{
		{"p1", `not json`, http.StatusBadRequest},
		{"ghost", body, http.StatusNotFound},
		{"bad", body, http.StatusBadRequest},
		{"dup", body, http.StatusConflict},
		{"boom", body, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.persona+"/"+http.StatusText(tt.status), func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/personas/"+tt.persona+"/pulses", tt.body, true)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}

	assert.Equal(t, http.StatusUnauthorized, do(t, s, http.MethodPost, "/v1/personas/p1/pulses", body, false).Code)
}

func TestAdminCreateRhythm(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)
	body := `{"name":"standup","cron":"0 10 * * 1-5","timezone":"Europe/Berlin","instruction":"Ask about the plan."}`

	rec := do(t, s, http.MethodPost, "/v1/personas/p1/rhythms", body, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got := decode(t, rec)
	assert.Equal(t, float64(12), got["id"])
	assert.Equal(t, "0 10 * * 1-5", got["cron"])
	assert.Equal(t, "Europe/Berlin", got["timezone"])
	assert.NotEmpty(t, got["next_fire_at"])

	rec = do(t, s, http.MethodPost, "/v1/personas/full/rhythms", body, true)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "rhythm limit reached")

	rec = do(t, s, http.MethodPost, "/v1/personas/ghost/rhythms", body, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminIssueCode(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/users/u1/link-codes", "", true)
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ABCD2345", body["code"])
	assert.Equal(t, "primary", body["slot"])

	rec = do(t, s, http.MethodPost, "/v1/users/u1/link-codes?slot=secondary", "", true)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "secondary", decode(t, rec)["slot"])

	rec = do(t, s, http.MethodPost, "/v1/users/u1/link-codes?slot=tertiary", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/users/ghost/link-codes", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminClassify(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)

	rec := do(t, s, http.MethodPost, "/v1/classify", `{"text":"hi"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["tier"])

	rec = do(t, s, http.MethodPost, "/v1/classify", `not json`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminServerLifecycle(t *testing.T) {
	s := newTestAdmin(&fakeRunner{}, nil)
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Start())
	addr := s.Addr()
	require.NotEmpty(t, addr)
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Shutdown(ctx))
}
