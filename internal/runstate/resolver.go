package runstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/checkpoint"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// DefaultMaxWidth caps how far past the lakehouse tail one run reaches.
const DefaultMaxWidth = 5000

// HeadSource reports the chain's latest block number.
type HeadSource interface {
	Head(ctx context.Context) (int64, error)
}

// TailSource reports the last block already in the lakehouse.
type TailSource interface {
	Tail(ctx context.Context) (int64, error)
}

// Resolver decides the block range of a run.
type Resolver struct {
	store    Store
	head     HeadSource
	tail     TailSource
	maxWidth int64
	logger   *slog.Logger
}

func NewResolver(store Store, head HeadSource, tail TailSource, maxWidth int64) *Resolver {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	return &Resolver{
		store:    store,
		head:     head,
		tail:     tail,
		maxWidth: maxWidth,
		logger:   slog.With("component", "resolver"),
	}
}

// Resolve returns the stored range (manual or in flight) or computes, persists
// and returns a new one. It never invents a range when a lookup fails.
func (r *Resolver) Resolve(ctx context.Context) (Range, error) {
	rng, ok, err := r.store.Load(ctx)
	if err != nil {
		return Range{}, fmt.Errorf("load run state: %w", err)
	}
	if ok {
		r.logger.Info("using stored range", "start_block", rng.Start, "end_block", rng.End, "manual", rng.Manual)
		return rng, nil
	}

	head, headErr := r.head.Head(ctx)
	if headErr != nil {
		headErr = fmt.Errorf("get chain head: %w", headErr)
	}
	tail, tailErr := r.tail.Tail(ctx)
	if tailErr != nil {
		tailErr = fmt.Errorf("get lakehouse tail: %w", tailErr)
	}
	if err := errors.Join(headErr, tailErr); err != nil {
		return Range{}, fmt.Errorf("resolve block range: %w", err)
	}

	rng = Range{Start: tail + 1, End: head}
	if rng.End > rng.Start+r.maxWidth {
		rng.End = rng.Start + r.maxWidth
	}
	// Head at or behind the tail yields a one-point range that routes to the skip branch.
	if rng.End < rng.Start {
		rng.End = rng.Start
	}

	if err := r.store.Save(ctx, rng); err != nil {
		return Range{}, fmt.Errorf("save run state: %w", err)
	}
	r.logger.Info("resolved new range", "start_block", rng.Start, "end_block", rng.End, "chain_head", head, "lakehouse_tail", tail)
	return rng, nil
}

// Current returns the stored range or ErrNoRange.
func (r *Resolver) Current(ctx context.Context) (Range, error) {
	rng, ok, err := r.store.Load(ctx)
	if err != nil {
		return Range{}, fmt.Errorf("load run state: %w", err)
	}
	if !ok {
		return Range{}, ErrNoRange
	}
	return rng, nil
}

// Override stores an operator range that Resolve returns verbatim until cleared.
func (r *Resolver) Override(ctx context.Context, rng Range) error {
	if err := rng.Validate(); err != nil {
		return err
	}
	rng.Manual = true
	if err := r.store.Save(ctx, rng); err != nil {
		return fmt.Errorf("save run state: %w", err)
	}
	return nil
}

// Clear forgets the stored range so the next run recomputes it.
func (r *Resolver) Clear(ctx context.Context) error {
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear run state: %w", err)
	}
	return nil
}

// LakehouseTail reads the highest block number in the raw blocks table.
type LakehouseTail struct {
	reader   *checkpoint.Reader
	database string
	genesis  int64
}

// NewLakehouseTail reports genesis-1 while the raw blocks table is missing or empty.
func NewLakehouseTail(eng engine.Engine, rawDatabase string, genesis int64) *LakehouseTail {
	return &LakehouseTail{
		reader:   checkpoint.NewReader(eng),
		database: rawDatabase,
		genesis:  genesis,
	}
}

func (t *LakehouseTail) Tail(ctx context.Context) (int64, error) {
	spec := tables.Spec{
		Name:                tables.Blocks,
		Layer:               tables.LayerRaw,
		CheckpointColumn:    "number",
		Seed:                strconv.FormatInt(t.genesis-1, 10),
		LatestPartitionOnly: true,
	}
	v, err := t.reader.Read(ctx, t.database, spec, nil)
	if err != nil {
		return 0, err
	}
	return v.Int64()
}
