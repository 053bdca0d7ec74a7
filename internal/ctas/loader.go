package ctas

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/checkpoint"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
)

// Strategy is the variant a load ran.
type Strategy string

const (
	Full        Strategy = "full"
	Incremental Strategy = "incremental"
)

// Target identifies where a load writes and what it reads from.
type Target struct {
	Layer          string
	Database       string
	Table          string
	SourceDatabase string
	Bucket         string
	DataSource     string
}

func (t Target) String() string { return t.Database + "." + t.Table }

// LoadError wraps an engine failure with the statement that caused it.
type LoadError struct {
	Target   Target
	Strategy Strategy
	SQL      string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s load of %s: %v", e.Strategy, e.Target, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader chooses the variant by target existence and executes it.
type Loader struct {
	eng     engine.Engine
	metrics *metrics.Metrics
}

func NewLoader(eng engine.Engine) *Loader {
	return &Loader{eng: eng, metrics: metrics.Get()}
}

// Plan renders the statement Load would run without executing it.
func (l *Loader) Plan(ctx context.Context, tmpl Template, filter checkpoint.Value, target Target, chunk *shard.Chunk) (Strategy, string, error) {
	exists, err := l.eng.TableExists(ctx, target.Database, target.Table)
	if err != nil {
		return "", "", fmt.Errorf("check target %s: %w", target, err)
	}

	strategy, body := Full, tmpl.Full
	if exists {
		if tmpl.Incremental == "" {
			return "", "", fmt.Errorf("%s: %w", tmpl.Name, ErrNoIncrementalVariant)
		}
		strategy, body = Incremental, tmpl.Incremental
	}

	p := Params{
		FilterValue:    filter.FilterValue(),
		SourceDatabase: target.SourceDatabase,
		TargetDatabase: target.Database,
		TableName:      target.Table,
		BucketName:     target.Bucket,
		Layer:          target.Layer,
		DataSource:     target.DataSource,
	}
	if chunk != nil {
		p.Chunk = chunk.SQL()
	}
	return strategy, Render(body, p), nil
}

// Load runs FULL when the target is absent and INCREMENTAL otherwise, and
// waits for the engine to finish.
func (l *Loader) Load(ctx context.Context, tmpl Template, filter checkpoint.Value, target Target, chunk *shard.Chunk) (Strategy, error) {
	strategy, sql, err := l.Plan(ctx, tmpl, filter, target, chunk)
	if err != nil {
		return "", err
	}

	log := logging.RunLogger(ctx, target.Layer, target.Table).With("strategy", string(strategy), "filter_value", filter.FilterValue())
	if chunk != nil {
		log = log.With("chunk", chunk.String())
	}
	log.Info("loading table")

	start := time.Now()
	if err := l.eng.Execute(ctx, target.Database, sql); err != nil {
		log.Error("load failed", "error", err)
		return strategy, &LoadError{Target: target, Strategy: strategy, SQL: sql, Err: err}
	}

	labels := metrics.Labels{Layer: target.Layer, Table: target.Table, Strategy: string(strategy)}
	l.metrics.IncLoads(labels)
	l.metrics.ObserveLoadDuration(labels, time.Since(start).Seconds())
	log.Info("table loaded", slog.Duration("duration", time.Since(start)))
	return strategy, nil
}
