package raw

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// readCSV loads an extractor artifact keyed by header. A missing file is an
// error unless optional is set, in which case it reads as empty.
func readCSV(path string, optional bool) ([]tables.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}

	var out []tables.Record
	for {
		fields, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		rec := make(tables.Record, len(header))
		for i, col := range header {
			rec[col] = fields[i]
		}
		out = append(out, rec)
	}
	return out, nil
}
