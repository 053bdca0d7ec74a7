// Package duckdb implements engine.Engine on an embedded DuckDB database.
// Lakehouse databases map to DuckDB schemas.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
)

type Engine struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// Open opens (or creates) the database file at path. An empty path is in-memory.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	return &Engine{db: db, logger: slog.With("component", "duckdb")}, nil
}

func (e *Engine) Dialect() engine.Dialect { return engine.DialectDuckDB }

func (e *Engine) Close() error { return e.db.Close() }

func (e *Engine) TableExists(ctx context.Context, database, table string) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?`,
		database, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup table %s.%s: %w", database, table, err)
	}
	return n > 0, nil
}

// conn pins a connection with database as the default schema.
func (e *Engine) conn(ctx context.Context, database string) (*sql.Conn, error) {
	c, err := e.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire duckdb conn: %w", err)
	}
	if database != "" {
		if _, err := c.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, database)); err != nil {
			c.Close()
			return nil, fmt.Errorf("create schema %s: %w", database, err)
		}
		if _, err := c.ExecContext(ctx, fmt.Sprintf(`SET search_path = '%s'`, database)); err != nil {
			c.Close()
			return nil, fmt.Errorf("set search_path %s: %w", database, err)
		}
	}
	return c, nil
}

func (e *Engine) Execute(ctx context.Context, database, query string) error {
	c, err := e.conn(ctx, database)
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute on %s: %w", database, err)
	}
	return nil
}

func (e *Engine) Query(ctx context.Context, database, query string) ([]engine.Row, error) {
	c, err := e.conn(ctx, database)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	rs, err := c.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query on %s: %w", database, err)
	}
	defer rs.Close()

	cols, err := rs.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var out []engine.Row
	for rs.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rs.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(engine.Row, len(cols))
		for i, c := range cols {
			row[c] = normalize(vals[i])
		}
		out = append(out, row)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// RegisterPartition (re)creates a view over every parquet file of the table.
// DuckDB discovers new partitions on read, so one view covers all of them.
func (e *Engine) RegisterPartition(ctx context.Context, reg engine.PartitionRegistration) error {
	root := strings.TrimSuffix(reg.TableURI, "/")
	stmt := fmt.Sprintf(
		`CREATE OR REPLACE VIEW "%s"."%s" AS SELECT * FROM read_parquet('%s/*/*.parquet', hive_partitioning = true, union_by_name = true)`,
		reg.Database, reg.Table, root,
	)
	if err := e.Execute(ctx, reg.Database, stmt); err != nil {
		return fmt.Errorf("register %s.%s: %w", reg.Database, reg.Table, err)
	}
	e.logger.Debug("registered view", "table", reg.Table, "partition", reg.Partition)
	return nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case uint32:
		return int64(x)
	case []byte:
		return string(x)
	}
	return v
}
