// Package shard splits the two-hex-character address prefix space into chunks.
package shard

import (
	"fmt"
	"strings"
)

const hexDigits = "0123456789abcdef"

// Prefixes returns the 256 address partitions "00" through "ff" in order.
func Prefixes() []string {
	out := make([]string, 0, 256)
	for _, hi := range hexDigits {
		for _, lo := range hexDigits {
			out = append(out, string(hi)+string(lo))
		}
	}
	return out
}

// Chunk is a contiguous group of address partitions written together.
type Chunk struct {
	Index    int
	Prefixes []string
}

// SQL renders the chunk as a SQL tuple, e.g. ('00', '01').
func (c Chunk) SQL() string {
	quoted := make([]string, len(c.Prefixes))
	for i, p := range c.Prefixes {
		quoted[i] = "'" + p + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func (c Chunk) String() string {
	if len(c.Prefixes) == 0 {
		return fmt.Sprintf("chunk %d (empty)", c.Index)
	}
	return fmt.Sprintf("chunk %d [%s..%s]", c.Index, c.Prefixes[0], c.Prefixes[len(c.Prefixes)-1])
}

// Split divides the prefix space into n chunks. The first 256%n chunks get
// one extra prefix, so sizes differ by at most one.
func Split(n int) ([]Chunk, error) {
	return SplitItems(Prefixes(), n)
}

// SplitItems divides items into n nearly equal contiguous chunks.
func SplitItems(items []string, n int) ([]Chunk, error) {
	if n <= 0 {
		return nil, fmt.Errorf("split into %d chunks: count must be positive", n)
	}
	size, extra := len(items)/n, len(items)%n
	chunks := make([]Chunk, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		k := size
		if i < extra {
			k++
		}
		chunks = append(chunks, Chunk{Index: i, Prefixes: items[pos : pos+k]})
		pos += k
	}
	return chunks, nil
}
