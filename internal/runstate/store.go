// Package runstate persists and resolves the block range of the current run.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// Run-state keys.
const (
	KeyStart  = "ethereum_start_block"
	KeyEnd    = "ethereum_end_block"
	KeySource = "ethereum_range_source"
)

const (
	SourceManual   = "manual"
	SourceResolver = "resolver"
)

// ErrNoRange is returned when no range is stored.
var ErrNoRange = errors.New("no block range stored")

// Range is an inclusive span of block numbers.
type Range struct {
	Start  int64
	End    int64
	Manual bool
}

// Empty reports whether the range has no new blocks to process.
func (r Range) Empty() bool {
	return r.End < r.Start+1
}

// Blocks is the number of block numbers in [Start, End].
func (r Range) Blocks() int64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d]", r.Start, r.End)
}

// Validate checks the End >= Start invariant.
func (r Range) Validate() error {
	if r.End < r.Start {
		return fmt.Errorf("invalid range %s: end before start", r)
	}
	return nil
}

// Split divides the range into n contiguous sub-ranges whose sizes differ by
// at most one. Ranges with fewer blocks than n yield one sub-range per block.
func (r Range) Split(n int) []Range {
	total := r.Blocks()
	if n <= 1 || total <= 1 {
		return []Range{r}
	}
	if int64(n) > total {
		n = int(total)
	}
	size, extra := total/int64(n), total%int64(n)
	out := make([]Range, 0, n)
	start := r.Start
	for i := int64(0); i < int64(n); i++ {
		k := size
		if i < extra {
			k++
		}
		out = append(out, Range{Start: start, End: start + k - 1, Manual: r.Manual})
		start += k
	}
	return out
}

// Store is the shared key/value state holding the in-flight range.
type Store interface {
	// Load returns the stored range; ok is false when none is stored.
	Load(ctx context.Context) (rng Range, ok bool, err error)
	Save(ctx context.Context, rng Range) error
	Clear(ctx context.Context) error
	Close() error
}

func encode(r Range) map[string]string {
	src := SourceResolver
	if r.Manual {
		src = SourceManual
	}
	return map[string]string{
		KeyStart:  strconv.FormatInt(r.Start, 10),
		KeyEnd:    strconv.FormatInt(r.End, 10),
		KeySource: src,
	}
}

func decode(kv map[string]string) (Range, bool, error) {
	s, okS := kv[KeyStart]
	e, okE := kv[KeyEnd]
	if !okS && !okE {
		return Range{}, false, nil
	}
	if !okS || !okE {
		return Range{}, false, fmt.Errorf("partial range in run state: start=%q end=%q", s, e)
	}
	start, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Range{}, false, fmt.Errorf("parse %s: %w", KeyStart, err)
	}
	end, err := strconv.ParseInt(e, 10, 64)
	if err != nil {
		return Range{}, false, fmt.Errorf("parse %s: %w", KeyEnd, err)
	}
	return Range{Start: start, End: end, Manual: kv[KeySource] == SourceManual}, true, nil
}
