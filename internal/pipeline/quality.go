package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// QualityError lists the failed data-quality constraints of a feature table.
type QualityError struct {
	Table       string
	Constraints []string
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("data quality issues found in %s: %s", e.Table, strings.Join(e.Constraints, ", "))
}

// CheckQuality runs the table's data-quality query and fails when any row
// has is_fail set.
func CheckQuality(ctx context.Context, eng engine.Engine, database, queriesDir, table string) error {
	log := logging.RunLogger(ctx, string(tables.LayerFeaturesDataQuality), table)
	src, err := os.ReadFile(qualityQueryPath(queriesDir, table))
	if err != nil {
		return fmt.Errorf("read data quality query of %s: %w", table, err)
	}
	rows, err := eng.Query(ctx, database, string(src))
	if err != nil {
		return fmt.Errorf("run data quality checks of %s: %w", table, err)
	}

	var failed []string
	for _, r := range rows {
		if isTrue(r["is_fail"]) {
			failed = append(failed, engine.FormatValue(r["constraint_name"]))
		}
	}
	if len(failed) > 0 {
		return &QualityError{Table: table, Constraints: failed}
	}
	log.Info("no data quality issues found", "checks", len(rows))
	return nil
}

func isTrue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return strings.EqualFold(x, "true")
	}
	return false
}
