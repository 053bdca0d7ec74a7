package raw

import (
	"bytes"
	"fmt"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
)

func compression(name string) parquet.WriterOption {
	switch name {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		return parquet.Compression(&parquet.Snappy)
	}
}

// encodeParquet writes rows as one parquet file.
func encodeParquet[T any](rows []T, codec string) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, compression(codec))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// columnsOf derives the external-table columns of T from its parquet schema.
func columnsOf[T any]() []engine.Column {
	schema := parquet.SchemaOf(new(T))
	fields := schema.Fields()
	cols := make([]engine.Column, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, engine.Column{Name: f.Name(), Type: hiveType(f)})
	}
	return cols
}

func hiveType(n parquet.Node) string {
	if lt := n.Type().LogicalType(); lt != nil {
		switch {
		case lt.Timestamp != nil:
			return "timestamp"
		case lt.List != nil:
			// LIST -> repeated group "list" -> "element"
			list := n.Fields()[0]
			return "array<" + hiveType(list.Fields()[0]) + ">"
		case lt.UTF8 != nil:
			return "string"
		}
	}
	if !n.Leaf() {
		return "string"
	}
	switch n.Type().Kind() {
	case parquet.Boolean:
		return "boolean"
	case parquet.Int32:
		return "int"
	case parquet.Int64:
		return "bigint"
	case parquet.Float:
		return "float"
	case parquet.Double:
		return "double"
	default:
		return "string"
	}
}
