// Package maintenance compacts single-writer Iceberg tables.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
)

type Config struct {
	Weekday     time.Weekday
	FailOnError bool
}

// Compactor runs OPTIMIZE and VACUUM on the configured weekday.
type Compactor struct {
	eng     engine.Engine
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewCompactor(eng engine.Engine, cfg Config) *Compactor {
	return &Compactor{
		eng:     eng,
		cfg:     cfg,
		logger:  slog.With("component", "maintenance"),
		metrics: metrics.Get(),
	}
}

// Due reports whether compaction runs on now's weekday.
func (c *Compactor) Due(now time.Time) bool {
	return now.Weekday() == c.cfg.Weekday
}

// OptimizeSQL bin-packs the table, restricted to chunk's partitions when given.
func OptimizeSQL(database, table string, chunk *shard.Chunk) string {
	q := fmt.Sprintf("OPTIMIZE %s.%s REWRITE DATA USING BIN_PACK", database, table)
	if chunk != nil && len(chunk.Prefixes) > 0 {
		q += " WHERE address_partition IN " + chunk.SQL()
	}
	return q
}

func VacuumSQL(database, table string) string {
	return fmt.Sprintf("VACUUM %s.%s", database, table)
}

// Compact runs OPTIMIZE then VACUUM. Failures are logged and swallowed
// unless FailOnError is set.
func (c *Compactor) Compact(ctx context.Context, database, table string, chunk *shard.Chunk) error {
	log := c.logger.With("table", table)
	if chunk != nil {
		log = log.With("chunk", chunk.String())
	}
	if !c.eng.Dialect().SupportsCompaction() {
		log.Debug("engine has no compaction, skipping", "dialect", string(c.eng.Dialect()))
		return nil
	}

	err := c.run(ctx, database, table, chunk)
	if err == nil {
		log.Info("table compacted")
		return nil
	}
	c.metrics.IncMaintenanceFailures(metrics.Labels{Table: table})
	if c.cfg.FailOnError {
		return err
	}
	log.Warn("compaction failed", "error", err)
	return nil
}

func (c *Compactor) run(ctx context.Context, database, table string, chunk *shard.Chunk) error {
	if err := c.eng.Execute(ctx, database, OptimizeSQL(database, table, chunk)); err != nil {
		return fmt.Errorf("optimize %s.%s: %w", database, table, err)
	}
	if err := c.eng.Execute(ctx, database, VacuumSQL(database, table)); err != nil {
		return fmt.Errorf("vacuum %s.%s: %w", database, table, err)
	}
	return nil
}
