package raw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/storage"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

var parquetMagic = []byte("PAR1")

// ValidationResult is the outcome of checking one encoded partition before
// it is published.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Passed = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Err folds the failed checks into one error, nil when the result passed.
func (r ValidationResult) Err() error {
	if r.Passed {
		return nil
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

// ValidateOutput checks an encoded partition against its manifest:
// - rows were encoded and the file is a complete parquet object
// - the manifest checksum, size and row count describe data
// - the block range is ordered
func ValidateOutput(rows int, data []byte, manifest *storage.Manifest) ValidationResult {
	result := ValidationResult{Passed: true}

	if rows == 0 {
		result.fail("partition has no rows")
	}
	if len(data) == 0 {
		result.fail("empty parquet data")
	} else if len(data) < 2*len(parquetMagic) || !bytes.HasPrefix(data, parquetMagic) || !bytes.HasSuffix(data, parquetMagic) {
		result.fail("parquet data is truncated or not parquet (%d bytes)", len(data))
	}

	if manifest == nil {
		result.fail("no manifest provided")
		return result
	}
	if !tables.WellFormedChecksum(manifest.Checksum) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("checksum in non-standard format: %.20s", manifest.Checksum))
	}
	if !tables.VerifyChecksum(data, manifest.Checksum) {
		result.fail("checksum mismatch for %s", manifest.File)
	}
	if manifest.RowCount != int64(rows) {
		result.fail("row count mismatch: manifest %d, encoded %d", manifest.RowCount, rows)
	}
	if manifest.ByteSize != int64(len(data)) {
		result.fail("byte size mismatch: manifest %d, encoded %d", manifest.ByteSize, len(data))
	}
	if manifest.StartBlock > manifest.EndBlock {
		result.fail("block range %d-%d is inverted", manifest.StartBlock, manifest.EndBlock)
	}
	return result
}

// verifyStored confirms the object at ref landed with the expected size.
func verifyStored(ctx context.Context, store storage.Store, ref storage.PartitionRef, size int64) error {
	info, err := store.Head(ctx, ref.Path(store.Prefix()))
	if err != nil {
		return err
	}
	if info.Size != size {
		return fmt.Errorf("stored size %d does not match written size %d for %s", info.Size, size, info.Key)
	}
	return nil
}
