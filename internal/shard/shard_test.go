package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixes(t *testing.T) {
	p := Prefixes()
	require.Len(t, p, 256)
	assert.Equal(t, "00", p[0])
	assert.Equal(t, "0f", p[15])
	assert.Equal(t, "10", p[16])
	assert.Equal(t, "ff", p[255])
}

func TestSplitCoversEveryPrefixOnce(t *testing.T) {
	for _, n := range []int{1, 10, 20, 256} {
		chunks, err := Split(n)
		require.NoError(t, err)
		require.Len(t, chunks, n)

		seen := make(map[string]int)
		for _, c := range chunks {
			for _, p := range c.Prefixes {
				seen[p]++
			}
		}
		assert.Len(t, seen, 256, "n=%d", n)
		for p, count := range seen {
			assert.Equal(t, 1, count, "prefix %s in n=%d", p, n)
		}
	}
}

func TestSplitSizes(t *testing.T) {
	chunks, err := Split(10)
	require.NoError(t, err)
	for i, c := range chunks {
		want := 25
		if i < 6 {
			want = 26
		}
		assert.Len(t, c.Prefixes, want, "chunk %d", i)
	}

	chunks, err = Split(20)
	require.NoError(t, err)
	assert.Len(t, chunks[15].Prefixes, 13)
	assert.Len(t, chunks[16].Prefixes, 12)
}

func TestSplitRejectsNonPositive(t *testing.T) {
	_, err := Split(0)
	assert.Error(t, err)
}

func TestChunkSQL(t *testing.T) {
	c := Chunk{Prefixes: []string{"00", "01", "02"}}
	assert.Equal(t, "('00', '01', '02')", c.SQL())
}
