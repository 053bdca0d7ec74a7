package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

func fastScheduler(workers int) *Scheduler {
	return New(Config{Workers: workers, MaxRetry: 3, Backoff: time.Millisecond})
}

func TestParallelCoversEveryPrefixOnce(t *testing.T) {
	spec := tables.Lookup(tables.LayerAnalytics, "ethereum_wallet_transactions")
	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	err := fastScheduler(4).Run(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range c.Prefixes {
			seen[p]++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 256)
	for p, n := range seen {
		assert.Equal(t, 1, n, p)
	}
}

func TestParallelRetriesThenSucceeds(t *testing.T) {
	spec := tables.Spec{Name: "t", Shard: tables.ShardPolicy{Mode: tables.Parallel, Chunks: 4}}
	var calls atomic.Int32
	err := fastScheduler(2).Run(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		if c.Index == 2 && calls.Add(1) < 3 {
			return errors.New("throttled")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestParallelDrainsAndJoinsFailures(t *testing.T) {
	spec := tables.Spec{Name: "t", Shard: tables.ShardPolicy{Mode: tables.Parallel, Chunks: 10}}
	var loaded atomic.Int32
	boom := errors.New("boom")
	err := fastScheduler(3).Run(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		if c.Index == 1 || c.Index == 7 {
			return boom
		}
		loaded.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, int32(8), loaded.Load())
	assert.ErrorIs(t, err, boom)

	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 2)
}

func TestSequentialStopsAtFirstFailure(t *testing.T) {
	spec := tables.Lookup(tables.LayerFeatures, "ethereum_wallet_features")
	var order []int
	err := fastScheduler(8).Run(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		order = append(order, c.Index)
		if c.Index == 3 {
			return errors.New("query failed")
		}
		return nil
	})
	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Chunk.Index)
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestUnshardedRunsOnce(t *testing.T) {
	calls := 0
	err := fastScheduler(1).Run(context.Background(), tables.Lookup(tables.LayerFeatures, "rugpull_features"), func(_ context.Context, c shard.Chunk) error {
		calls++
		assert.Empty(t, c.Prefixes)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunAfterFirstLoadsChunkZeroAlone(t *testing.T) {
	spec := tables.Lookup(tables.LayerAnalytics, "ethereum_wallet_transactions")
	var (
		mu       sync.Mutex
		order    []int
		inFlight atomic.Int32
	)
	err := fastScheduler(4).RunAfterFirst(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		mu.Lock()
		order = append(order, c.Index)
		mu.Unlock()
		if c.Index == 0 {
			assert.Equal(t, int32(1), n)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, order, 10)
	assert.Equal(t, 0, order[0])
}

func TestRunAfterFirstStopsWhenFirstFails(t *testing.T) {
	spec := tables.Spec{Name: "t", Shard: tables.ShardPolicy{Mode: tables.Parallel, Chunks: 5}}
	var calls atomic.Int32
	err := fastScheduler(2).RunAfterFirst(context.Background(), spec, func(_ context.Context, c shard.Chunk) error {
		calls.Add(1)
		return errors.New("create failed")
	})
	var ce *ChunkError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 0, ce.Chunk.Index)
	assert.Equal(t, int32(3), calls.Load())
}
