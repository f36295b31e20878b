package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	serial:   "BIGSERIAL PRIMARY KEY",
	boolType: "BOOLEAN",
	trueLit:  "TRUE",
	falseLit: "FALSE",
	numbered: true,
	isUnique: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// OpenPostgres connects a pgx pool and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (Store, error) {
	if url == "" {
		return nil, errors.New("postgres url is required")
	}

	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &pgStore{sqlStore: sqlStore{db: stdlib.OpenDBFromPool(pool), d: postgresDialect}, pool: pool}, nil
}

// pgStore owns the pool behind the database/sql handle.
type pgStore struct {
	sqlStore
	pool *pgxpool.Pool
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) Close() error {
	err := s.sqlStore.Close()
	s.pool.Close()
	return err
}
