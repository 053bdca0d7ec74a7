// Package ctas renders and runs the FULL or INCREMENTAL variant of a table's
// load template.
package ctas

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IncrementalMarker separates the FULL variant from the INCREMENTAL one.
const IncrementalMarker = "-- incremental load"

// ErrNoIncrementalVariant is returned when a template lacks the marker and
// the target already exists.
var ErrNoIncrementalVariant = errors.New("template has no incremental variant")

// Template holds the two variants of a load statement.
type Template struct {
	Name        string
	Full        string
	Incremental string
}

// Parse splits src on the incremental marker. Part 0 is FULL and the last
// part is INCREMENTAL.
func Parse(name, src string) Template {
	parts := strings.Split(src, IncrementalMarker)
	t := Template{Name: name, Full: parts[0]}
	if len(parts) > 1 {
		t.Incremental = parts[len(parts)-1]
	}
	return t
}

// ReadFile loads a template from disk.
func ReadFile(path string) (Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Template{}, fmt.Errorf("read template %s: %w", path, err)
	}
	return Parse(strings.TrimSuffix(filepath.Base(path), ".sql"), string(b)), nil
}

// Path returns <dir>/<layer>/<table>.sql.
func Path(dir, layer, table string) string {
	return filepath.Join(dir, layer, table+".sql")
}

// Params are the placeholder values of one render.
type Params struct {
	FilterValue    string
	Chunk          string
	SourceDatabase string
	TargetDatabase string
	TableName      string
	BucketName     string
	Layer          string
	DataSource     string
}

// Render substitutes placeholders into sql. Substitution is positional in a
// fixed order, so earlier values are visible to later replacements.
func Render(sql string, p Params) string {
	pairs := []struct{ key, val string }{
		{"filter_value", p.FilterValue},
		{"chunk", p.Chunk},
		{"source_database", p.SourceDatabase},
		{"target_database", p.TargetDatabase},
		{"table_name", p.TableName},
		{"bucket_name", p.BucketName},
		{"layer", p.Layer},
		{"data_source", p.DataSource},
	}
	for _, kv := range pairs {
		if kv.key == "chunk" && kv.val == "" {
			continue
		}
		sql = strings.ReplaceAll(sql, kv.key, kv.val)
	}
	return strings.TrimSpace(sql)
}
