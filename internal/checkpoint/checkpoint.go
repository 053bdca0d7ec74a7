// Package checkpoint derives per-table high-water marks from the lakehouse.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// Value is the lower bound a load resumes from.
type Value struct {
	Column string
	Kind   tables.SeedKind
	Raw    string
	// Inclusive is set when Raw already points at the first row to load.
	Inclusive bool
	// Seeded is set when the table was absent or empty.
	Seeded bool
}

// Seed returns the seed value of spec.
func Seed(spec tables.Spec) Value {
	return Value{
		Column: spec.CheckpointColumn,
		Kind:   spec.SeedKind,
		Raw:    spec.Seed,
		Seeded: true,
	}
}

// FilterValue is the literal substituted for filter_value in templates.
func (v Value) FilterValue() string {
	return v.Raw
}

// Predicate renders the lower-bound condition on the checkpoint column.
func (v Value) Predicate() string {
	op := ">"
	if v.Inclusive {
		op = ">="
	}
	lit := v.Raw
	if v.Kind == tables.SeedTimestamp {
		lit = "TIMESTAMP '" + v.Raw + "'"
	}
	return fmt.Sprintf("%s %s %s", v.Column, op, lit)
}

func (v Value) String() string {
	return v.Raw
}

// Int64 parses a numeric checkpoint.
func (v Value) Int64() (int64, error) {
	n, err := strconv.ParseInt(v.Raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %q: %w", v.Raw, err)
	}
	return n, nil
}

// Query renders the MAX lookup for spec, scoped to chunk when given.
func Query(database string, spec tables.Spec, chunk *shard.Chunk) string {
	fq := database + "." + spec.Name
	q := fmt.Sprintf("SELECT MAX(%s) AS last_row_inserted FROM %s", spec.CheckpointColumn, fq)
	switch {
	case chunk != nil:
		q += " WHERE address_partition IN " + chunk.SQL()
	case spec.LatestPartitionOnly:
		q += fmt.Sprintf(" WHERE date_partition IN (SELECT MAX(date_partition) AS last_partition FROM %s)", fq)
	}
	return q
}

// Reader reads checkpoints through the query engine.
type Reader struct {
	eng    engine.Engine
	logger *slog.Logger
}

func NewReader(eng engine.Engine) *Reader {
	return &Reader{eng: eng, logger: slog.With("component", "checkpoint")}
}

// Read returns the table's checkpoint, or its seed when the table is
// missing or MAX is NULL. PlusOne specs advance a found value by one.
func (r *Reader) Read(ctx context.Context, database string, spec tables.Spec, chunk *shard.Chunk) (Value, error) {
	exists, err := r.eng.TableExists(ctx, database, spec.Name)
	if err != nil {
		return Value{}, fmt.Errorf("check table %s.%s: %w", database, spec.Name, err)
	}
	if !exists {
		r.logger.Info("table does not exist, using seed", "table", spec.Name, "seed", spec.Seed)
		return Seed(spec), nil
	}

	rows, err := r.eng.Query(ctx, database, Query(database, spec, chunk))
	if err != nil {
		return Value{}, fmt.Errorf("read checkpoint %s.%s: %w", database, spec.Name, err)
	}
	raw, ok := engine.Scalar(rows, "last_row_inserted")
	if !ok {
		return Seed(spec), nil
	}

	v := Value{Column: spec.CheckpointColumn, Kind: spec.SeedKind, Raw: raw}
	if spec.PlusOne {
		n, err := v.Int64()
		if err != nil {
			return Value{}, err
		}
		v.Raw = strconv.FormatInt(n+1, 10)
		v.Inclusive = true
	}
	return v, nil
}
