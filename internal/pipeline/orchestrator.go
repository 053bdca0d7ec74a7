package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/notify"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/runstate"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// SkipMessage is sent when a scheduled run finds no new blocks.
const SkipMessage = "There are no blocks to fetch. The run will be skipped."

// RawLayer extracts a block range into the raw layer.
type RawLayer interface {
	Run(ctx context.Context, rng runstate.Range) error
}

// StepError names the step a scheduled run failed in.
type StepError struct {
	Step  string
	Layer tables.Layer
	Err   error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Orchestrator runs the layers in dependency order for one resolved range.
type Orchestrator struct {
	resolver *runstate.Resolver
	raw      RawLayer
	layers   *Layers
	notifier notify.Notifier
	now      func() time.Time
	log      *slog.Logger
}

func NewOrchestrator(resolver *runstate.Resolver, raw RawLayer, layers *Layers, notifier notify.Notifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Orchestrator{
		resolver: resolver,
		raw:      raw,
		layers:   layers,
		notifier: notifier,
		now:      time.Now,
		log:      slog.With("component", "orchestrator"),
	}
}

type step struct {
	name  string
	layer tables.Layer
	table string
}

// steps lists the scheduled run after the raw layer.
func steps() []step {
	var out []step
	for _, layer := range []tables.Layer{tables.LayerStage, tables.LayerAnalytics, tables.LayerFeatures, tables.LayerFeaturesDataQuality} {
		for _, t := range Tables(layer) {
			name := string(layer) + "." + t
			out = append(out, step{name: name, layer: layer, table: t})
		}
	}
	return out
}

// Schedule resolves the range and runs every layer over it. An empty range
// sends an info alert and clears the stored range. Any failure sends an
// alert and leaves the range stored for the next run.
func (o *Orchestrator) Schedule(ctx context.Context) error {
	if logging.RunID(ctx) == "" {
		ctx = logging.WithRunID(ctx, logging.NewRunID())
	}
	started := o.now()
	log := o.log.With("run_id", logging.RunID(ctx))

	rng, err := o.resolver.Resolve(ctx)
	if err != nil {
		return o.fail(ctx, &StepError{Step: "resolve_block_range", Err: err})
	}
	log = log.With("start_block", rng.Start, "end_block", rng.End)

	if rng.Empty() {
		log.Info("no new blocks, skipping run")
		if err := o.resolver.Clear(ctx); err != nil {
			return o.fail(ctx, &StepError{Step: "skip_data_ingestion", Err: err})
		}
		o.alert(ctx, notify.Alert{Kind: notify.KindInfo, Step: "skip_data_ingestion", Error: SkipMessage})
		return nil
	}

	log.Info("scheduled run started")
	if err := o.raw.Run(ctx, rng); err != nil {
		return o.fail(ctx, &StepError{Step: string(tables.LayerRaw), Layer: tables.LayerRaw, Err: err})
	}
	for _, s := range steps() {
		if err := o.layers.RunTable(ctx, s.layer, s.table); err != nil {
			return o.fail(ctx, &StepError{Step: s.name, Layer: s.layer, Err: err})
		}
	}

	if err := o.resolver.Clear(ctx); err != nil {
		return o.fail(ctx, &StepError{Step: "clear_block_range", Err: err})
	}
	log.Info("scheduled run complete", "duration", o.now().Sub(started).String())
	return nil
}

// RunLayer runs a single layer, or one table of it when table is set. The
// raw layer uses rng, or the stored range when rng is nil.
func (o *Orchestrator) RunLayer(ctx context.Context, layer tables.Layer, table string, rng *runstate.Range) error {
	if layer == tables.LayerRaw {
		r, err := o.rangeFor(ctx, rng)
		if err != nil {
			return err
		}
		if r.Empty() {
			o.log.Info("empty block range, nothing to extract", "start_block", r.Start, "end_block", r.End)
			return nil
		}
		return o.raw.Run(ctx, r)
	}
	if table != "" {
		return o.layers.RunTable(ctx, layer, table)
	}
	return o.layers.RunLayer(ctx, layer)
}

func (o *Orchestrator) rangeFor(ctx context.Context, rng *runstate.Range) (runstate.Range, error) {
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return runstate.Range{}, err
		}
		return *rng, nil
	}
	return o.resolver.Current(ctx)
}

// Alert reports a failed step. Data-quality failures use their own kind.
func (o *Orchestrator) Alert(ctx context.Context, stepName string, layer tables.Layer, err error) {
	kind := notify.KindFailure
	if layer == tables.LayerFeaturesDataQuality {
		kind = notify.KindDataQuality
	}
	o.alert(ctx, notify.Alert{Kind: kind, Step: stepName, Error: err.Error()})
}

func (o *Orchestrator) fail(ctx context.Context, err *StepError) error {
	o.log.Error("scheduled run failed", "run_id", logging.RunID(ctx), "step", err.Step, "error", err.Err)
	o.Alert(ctx, err.Step, err.Layer, err.Err)
	return err
}

func (o *Orchestrator) alert(ctx context.Context, a notify.Alert) {
	a.RunID = logging.RunID(ctx)
	a.ExecutionDate = o.now()
	if err := o.notifier.Notify(ctx, a); err != nil {
		o.log.Warn("alert not delivered", "kind", a.Kind, "error", err)
	}
}

// IsDataQuality reports whether err came from a data-quality check.
func IsDataQuality(err error) bool {
	var q *QualityError
	return errors.As(err, &q)
}
