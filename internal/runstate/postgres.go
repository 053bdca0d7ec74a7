package runstate

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps run state in a run_state(key, value) table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, pings and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to run state database", "component", "runstate")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (Range, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM run_state WHERE key = ANY($1)`,
		[]string{KeyStart, KeyEnd, KeySource},
	)
	if err != nil {
		return Range{}, false, fmt.Errorf("query run state: %w", err)
	}
	values := make(map[string]string, 3)
	var k, v string
	if _, err := pgx.ForEachRow(rows, []any{&k, &v}, func() error {
		values[k] = v
		return nil
	}); err != nil {
		return Range{}, false, fmt.Errorf("scan run state: %w", err)
	}
	return decode(values)
}

func (s *PostgresStore) Save(ctx context.Context, rng Range) error {
	batch := &pgx.Batch{}
	for k, v := range encode(rng) {
		batch.Queue(`
			INSERT INTO run_state (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, k, v)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin run state tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit run state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM run_state WHERE key = ANY($1)`,
		[]string{KeyStart, KeyEnd, KeySource},
	); err != nil {
		return fmt.Errorf("clear run state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
