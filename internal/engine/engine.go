// Package engine abstracts the SQL query engine that owns the lakehouse catalog.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrTableNotFound is returned when a catalog lookup finds no such table.
var ErrTableNotFound = errors.New("table not found")

// Dialect names the SQL flavour of an engine.
type Dialect string

const (
	DialectAthena Dialect = "athena"
	DialectDuckDB Dialect = "duckdb"
)

// Series renders a table expression yielding one row per integer in
// [start, end] under column "number".
func (d Dialect) Series(start, end int64) string {
	switch d {
	case DialectDuckDB:
		return fmt.Sprintf("(SELECT generate_series AS number FROM generate_series(%d, %d))", start, end)
	default:
		return fmt.Sprintf("(SELECT * FROM (SELECT sequence(%d, %d) AS num) CROSS JOIN UNNEST(num) AS t(number))", start, end)
	}
}

// SupportsCompaction reports whether OPTIMIZE and VACUUM are available.
func (d Dialect) SupportsCompaction() bool {
	return d == DialectAthena
}

// Row is one result row keyed by column name.
type Row map[string]any

// Column describes one column of an external table.
type Column struct {
	Name string
	Type string // hive type: bigint, string, boolean, timestamp, array<string>
}

// PartitionRegistration makes one date partition of a raw table queryable.
type PartitionRegistration struct {
	Database     string
	Table        string
	TableURI     string // root location of the table
	Columns      []Column
	PartitionKey string
	Partition    string
}

// Engine runs lakehouse SQL.
type Engine interface {
	TableExists(ctx context.Context, database, table string) (bool, error)
	// Execute runs a statement and waits for it to reach a terminal state.
	Execute(ctx context.Context, database, sql string) error
	Query(ctx context.Context, database, sql string) ([]Row, error)
	RegisterPartition(ctx context.Context, reg PartitionRegistration) error
	Dialect() Dialect
	Close() error
}

// Scalar returns the column value of the first row as a string.
// ok is false when there are no rows or the value is NULL.
func Scalar(rows []Row, column string) (string, bool) {
	if len(rows) == 0 {
		return "", false
	}
	v, present := rows[0][column]
	if !present || v == nil {
		return "", false
	}
	return FormatValue(v), true
}

// FormatValue renders a result value the way it is substituted into SQL.
func FormatValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format("2006-01-02 15:04:05.000")
	default:
		return fmt.Sprint(x)
	}
}

// Int64 converts a result value to an integer.
func Int64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case nil:
		return 0, errors.New("null value")
	default:
		return strconv.ParseInt(fmt.Sprint(x), 10, 64)
	}
}
