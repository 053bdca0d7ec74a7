package runstate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/enginetest"
)

type fixedHead struct {
	n     int64
	err   error
	calls int
}

func (h *fixedHead) Head(context.Context) (int64, error) {
	h.calls++
	return h.n, h.err
}

type fixedTail struct {
	n   int64
	err error
}

func (t fixedTail) Tail(context.Context) (int64, error) { return t.n, t.err }

func newStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "state", "run_state.json"))
	require.NoError(t, err)
	return s
}

func TestResolveCapsAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	head := &fixedHead{n: 5300}
	r := NewResolver(store, head, fixedTail{n: 99}, 5000)

	rng, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 100, End: 5100}, rng)

	// A second call while the range is in flight returns it unchanged.
	head.n = 9000
	again, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, rng, again)
	assert.Equal(t, 1, head.calls)
}

func TestResolveManualOverride(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	head := &fixedHead{n: 1_000_000}
	r := NewResolver(store, head, fixedTail{n: 10}, 0)

	require.NoError(t, r.Override(ctx, Range{Start: 42, End: 50_000}))
	rng, err := r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, Range{Start: 42, End: 50_000, Manual: true}, rng)
	assert.Zero(t, head.calls)

	assert.Error(t, r.Override(ctx, Range{Start: 10, End: 9}))
}

func TestResolveFailsHard(t *testing.T) {
	ctx := context.Background()
	headErr := errors.New("rpc down")
	tailErr := errors.New("athena down")

	r := NewResolver(newStore(t), &fixedHead{err: headErr}, fixedTail{err: tailErr}, 0)
	_, err := r.Resolve(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, headErr)
	assert.ErrorIs(t, err, tailErr)

	store := newStore(t)
	r = NewResolver(store, &fixedHead{n: 100}, fixedTail{err: tailErr}, 0)
	_, err = r.Resolve(ctx)
	assert.ErrorIs(t, err, tailErr)

	_, ok, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "nothing persisted after a failed resolve")
}

func TestResolveHeadBehindTailIsEmpty(t *testing.T) {
	r := NewResolver(newStore(t), &fixedHead{n: 500}, fixedTail{n: 500}, 0)
	rng, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.NoError(t, rng.Validate())
	assert.True(t, rng.Empty())
}

func TestClearAndCurrent(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(newStore(t), &fixedHead{n: 200}, fixedTail{n: 100}, 0)

	_, err := r.Current(ctx)
	assert.ErrorIs(t, err, ErrNoRange)

	_, err = r.Resolve(ctx)
	require.NoError(t, err)
	cur, err := r.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(101), cur.Start)

	require.NoError(t, r.Clear(ctx))
	_, err = r.Current(ctx)
	assert.ErrorIs(t, err, ErrNoRange)
}

func TestRangeEmpty(t *testing.T) {
	assert.True(t, Range{Start: 100, End: 100}.Empty())
	assert.True(t, Range{Start: 100, End: 99}.Empty())
	assert.False(t, Range{Start: 100, End: 101}.Empty())
}

func TestRangeSplit(t *testing.T) {
	parts := Range{Start: 100, End: 5100}.Split(5)
	require.Len(t, parts, 5)
	assert.Equal(t, int64(100), parts[0].Start)
	assert.Equal(t, int64(5100), parts[4].End)
	var total int64
	for i, p := range parts {
		total += p.Blocks()
		if i > 0 {
			assert.Equal(t, parts[i-1].End+1, p.Start)
		}
	}
	assert.Equal(t, int64(5001), total)

	assert.Len(t, Range{Start: 1, End: 2}.Split(5), 2)
}

func TestFileStoreRejectsPartialState(t *testing.T) {
	_, _, err := decode(map[string]string{KeyStart: "1"})
	assert.Error(t, err)
}

func TestLakehouseTail(t *testing.T) {
	ctx := context.Background()

	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, "db_raw_dev", "ethereum_blocks").Return(false, nil).Once()
	tail := NewLakehouseTail(eng, "db_raw_dev", 0)
	n, err := tail.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n)

	eng.On("TableExists", mock.Anything, "db_raw_dev", "ethereum_blocks").Return(true, nil)
	eng.On("Query", mock.Anything, "db_raw_dev", mock.Anything).Return([]engine.Row{{"last_row_inserted": "18000000"}}, nil)
	n, err = tail.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(18000000), n)
}
