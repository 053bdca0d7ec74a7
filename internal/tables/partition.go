package tables

import (
	"sort"
	"time"
)

// DatePartition formats the monthly partition value of t (YYYY-MM, UTC).
func DatePartition(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Partition is the set of rows of one table that share a date_partition.
type Partition[T any] struct {
	Value string
	Rows  []T
}

// GroupByPartition splits rows by partition key, ordered by key so output
// paths are produced deterministically.
func GroupByPartition[T any](rows []T, key func(T) string) []Partition[T] {
	groups := make(map[string][]T)
	for _, r := range rows {
		k := key(r)
		groups[k] = append(groups[k], r)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]Partition[T], 0, len(keys))
	for _, k := range keys {
		out = append(out, Partition[T]{Value: k, Rows: groups[k]})
	}
	return out
}
