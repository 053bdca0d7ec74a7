// Package scheduler runs address-partitioned loads chunk by chunk.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// ChunkLoad loads one chunk of a table. A chunk without prefixes stands for
// the whole table.
type ChunkLoad func(ctx context.Context, chunk shard.Chunk) error

// ChunkError is the failure of one chunk after its retries.
type ChunkError struct {
	Table    string
	Chunk    shard.Chunk
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Table, e.Chunk, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// Config tunes the parallel path.
type Config struct {
	Workers  int
	MaxRetry int
	Backoff  time.Duration
}

// Scheduler dispatches chunk loads according to a table's shard policy.
type Scheduler struct {
	workers  int
	maxRetry int
	backoff  time.Duration
	metrics  *metrics.Metrics
}

func New(cfg Config) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.MaxRetry < 1 {
		cfg.MaxRetry = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Scheduler{
		workers:  cfg.Workers,
		maxRetry: cfg.MaxRetry,
		backoff:  cfg.Backoff,
		metrics:  metrics.Get(),
	}
}

// Run loads every chunk of spec. Unsharded specs get a single call with an
// empty chunk.
func (s *Scheduler) Run(ctx context.Context, spec tables.Spec, load ChunkLoad) error {
	if !spec.Shard.Sharded() {
		return load(ctx, shard.Chunk{})
	}
	chunks, err := shard.Split(spec.Shard.Chunks)
	if err != nil {
		return fmt.Errorf("split %s: %w", spec.Name, err)
	}
	switch spec.Shard.Mode {
	case tables.Sequential:
		return s.runSequential(ctx, spec, chunks, load)
	default:
		return s.runParallel(ctx, spec, chunks, load)
	}
}

// RunAfterFirst loads chunk 0 on its own before fanning out the rest, so a
// parallel load of a missing table creates it exactly once.
func (s *Scheduler) RunAfterFirst(ctx context.Context, spec tables.Spec, load ChunkLoad) error {
	if !spec.Shard.Sharded() || spec.Shard.Mode != tables.Parallel {
		return s.Run(ctx, spec, load)
	}
	chunks, err := shard.Split(spec.Shard.Chunks)
	if err != nil {
		return fmt.Errorf("split %s: %w", spec.Name, err)
	}
	log := logging.RunLogger(ctx, string(spec.Layer), spec.Name)
	log.Info("creating table from first chunk")
	if r := s.process(ctx, log, load, task{chunk: chunks[0]}); r.err != nil {
		s.metrics.IncChunkFailures(metrics.Labels{Table: spec.Name})
		return &ChunkError{Table: spec.Name, Chunk: r.task.chunk, Attempts: r.task.attempt + 1, Err: r.err}
	}
	if len(chunks) == 1 {
		return nil
	}
	return s.runParallel(ctx, spec, chunks[1:], load)
}

// runSequential stops at the first failing chunk; chunks before it stay loaded.
func (s *Scheduler) runSequential(ctx context.Context, spec tables.Spec, chunks []shard.Chunk, load ChunkLoad) error {
	log := logging.RunLogger(ctx, string(spec.Layer), spec.Name)
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Info("loading chunk", "chunk", c.Index, "of", len(chunks))
		if err := load(ctx, c); err != nil {
			s.metrics.IncChunkFailures(metrics.Labels{Table: spec.Name})
			return &ChunkError{Table: spec.Name, Chunk: c, Attempts: 1, Err: err}
		}
	}
	return nil
}

type task struct {
	chunk   shard.Chunk
	attempt int
}

type result struct {
	task task
	err  error
}

// runParallel drains every chunk through a bounded worker pool and joins
// the failures.
func (s *Scheduler) runParallel(ctx context.Context, spec tables.Spec, chunks []shard.Chunk, load ChunkLoad) error {
	workers := min(s.workers, len(chunks))
	queue := make(chan task, len(chunks))
	results := make(chan result, len(chunks))
	log := logging.RunLogger(ctx, string(spec.Layer), spec.Name)
	log.Info("starting parallel load", "chunks", len(chunks), "workers", workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for t := range queue {
				results <- s.process(ctx, log.With("worker_id", id), load, t)
			}
		}(i)
	}

	// dispatcher
	go func() {
		defer close(queue)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case queue <- task{chunk: c}:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	// collector
	var errs []error
	done := 0
	for r := range results {
		done++
		if r.err != nil {
			s.metrics.IncChunkFailures(metrics.Labels{Table: spec.Name})
			errs = append(errs, &ChunkError{Table: spec.Name, Chunk: r.task.chunk, Attempts: r.task.attempt + 1, Err: r.err})
		}
	}
	if done < len(chunks) && ctx.Err() != nil {
		errs = append(errs, fmt.Errorf("%d chunk(s) not dispatched: %w", len(chunks)-done, ctx.Err()))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) process(ctx context.Context, log *slog.Logger, load ChunkLoad, t task) result {
	for {
		log.Info("loading chunk", "chunk", t.chunk.Index, "attempt", t.attempt+1)
		err := load(ctx, t.chunk)
		if err == nil {
			return result{task: t}
		}
		if t.attempt >= s.maxRetry-1 {
			return result{task: t, err: err}
		}

		wait := s.backoff * time.Duration(1<<t.attempt)
		log.Warn("chunk load failed, retrying", "chunk", t.chunk.Index, "error", err, "backoff", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return result{task: t, err: ctx.Err()}
		}
		t.attempt++
	}
}
