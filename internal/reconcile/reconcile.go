// Package reconcile runs integrity checks over freshly written raw blocks.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
)

const (
	KindBlocks       = "blocks"
	KindTransactions = "transactions"
)

// BlockGap is one block that failed a check. Counts are set for
// transaction gaps only.
type BlockGap struct {
	Number   int64
	Expected int64
	Observed int64
}

// GapError reports blocks that failed an integrity check.
type GapError struct {
	Kind  string
	Start int64
	End   int64
	Gaps  []BlockGap
}

// Blocks returns the flagged block numbers in ascending order.
func (e *GapError) Blocks() []int64 {
	out := make([]int64, len(e.Gaps))
	for i, g := range e.Gaps {
		out[i] = g.Number
	}
	return out
}

func (e *GapError) Error() string {
	const shown = 20
	parts := make([]string, 0, min(len(e.Gaps), shown))
	for i, g := range e.Gaps {
		if i == shown {
			break
		}
		if e.Kind == KindTransactions {
			parts = append(parts, fmt.Sprintf("%d (expected %d, found %d)", g.Number, g.Expected, g.Observed))
		} else {
			parts = append(parts, fmt.Sprintf("%d", g.Number))
		}
	}
	more := ""
	if len(e.Gaps) > shown {
		more = fmt.Sprintf(" and %d more", len(e.Gaps)-shown)
	}
	return fmt.Sprintf("missing %s in blocks [%d, %d]: %s%s", e.Kind, e.Start, e.End, strings.Join(parts, ", "), more)
}

// Checker runs reconciliation queries against the raw database.
type Checker struct {
	eng      engine.Engine
	database string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewChecker(eng engine.Engine, rawDatabase string) *Checker {
	return &Checker{
		eng:      eng,
		database: rawDatabase,
		logger:   slog.With("component", "reconcile"),
		metrics:  metrics.Get(),
	}
}

// MissingBlocksSQL lists every number in [start, end] with no block row.
func MissingBlocksSQL(d engine.Dialect, start, end int64) string {
	return fmt.Sprintf(`WITH numbers AS (
    SELECT number FROM %s
)
SELECT n.number
FROM numbers n
    LEFT JOIN ethereum_blocks e ON n.number = e.number
WHERE e.number IS NULL
ORDER BY n.number`, d.Series(start, end))
}

// MissingTransactionsSQL flags blocks whose distinct traced transactions
// disagree with the block's transaction_count. When a block was written
// more than once, the most recent copy wins. Counting through traces relies
// on every transaction having its top-level call trace.
func MissingTransactionsSQL(start, end int64) string {
	return fmt.Sprintf(`WITH ranked_blocks AS (
    SELECT number,
        transaction_count,
        row_number() OVER (PARTITION BY number ORDER BY timestamp DESC) AS block_rank
    FROM ethereum_blocks
    WHERE number BETWEEN %[1]d AND %[2]d
)
SELECT b.number AS block_number,
    COALESCE(t.num_transactions, 0) AS total_transactions,
    b.transaction_count AS expected_transactions
FROM ranked_blocks AS b
    LEFT JOIN (
        SELECT t.block_number,
            COUNT(DISTINCT t.hash) AS num_transactions
        FROM ethereum_transactions AS t
            INNER JOIN ethereum_traces AS tr
                ON tr.transaction_hash = t.hash
                AND tr.block_number = t.block_number
        WHERE t.block_number BETWEEN %[1]d AND %[2]d
        GROUP BY t.block_number
    ) t ON b.number = t.block_number
WHERE b.block_rank = 1
    AND b.transaction_count > 0
    AND (t.block_number IS NULL OR COALESCE(t.num_transactions, 0) <> b.transaction_count)
ORDER BY b.number ASC`, start, end)
}

// MissingBlocks fails with a *GapError naming exactly the absent blocks.
func (c *Checker) MissingBlocks(ctx context.Context, start, end int64) error {
	c.logger.Info("checking missing blocks", "start_block", start, "end_block", end)
	rows, err := c.eng.Query(ctx, c.database, MissingBlocksSQL(c.eng.Dialect(), start, end))
	if err != nil {
		return fmt.Errorf("check missing blocks: %w", err)
	}
	gaps := make([]BlockGap, 0, len(rows))
	for _, r := range rows {
		n, err := engine.Int64(r["number"])
		if err != nil {
			return fmt.Errorf("parse missing block: %w", err)
		}
		gaps = append(gaps, BlockGap{Number: n})
	}
	return c.report(KindBlocks, start, end, gaps)
}

// MissingTransactions fails with a *GapError carrying expected and
// observed counts per flagged block.
func (c *Checker) MissingTransactions(ctx context.Context, start, end int64) error {
	c.logger.Info("checking missing transactions", "start_block", start, "end_block", end)
	rows, err := c.eng.Query(ctx, c.database, MissingTransactionsSQL(start, end))
	if err != nil {
		return fmt.Errorf("check missing transactions: %w", err)
	}
	gaps := make([]BlockGap, 0, len(rows))
	for _, r := range rows {
		var g BlockGap
		if g.Number, err = engine.Int64(r["block_number"]); err != nil {
			return fmt.Errorf("parse block_number: %w", err)
		}
		if g.Expected, err = engine.Int64(r["expected_transactions"]); err != nil {
			return fmt.Errorf("parse expected_transactions: %w", err)
		}
		if g.Observed, err = engine.Int64(r["total_transactions"]); err != nil {
			return fmt.Errorf("parse total_transactions: %w", err)
		}
		gaps = append(gaps, g)
	}
	return c.report(KindTransactions, start, end, gaps)
}

func (c *Checker) report(kind string, start, end int64, gaps []BlockGap) error {
	if len(gaps) == 0 {
		c.logger.Info("no gaps found", "kind", kind, "start_block", start, "end_block", end)
		return nil
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i].Number < gaps[j].Number })
	c.metrics.AddReconciliationGaps(kind, float64(len(gaps)))
	err := &GapError{Kind: kind, Start: start, End: end, Gaps: gaps}
	c.logger.Error("reconciliation failed", "kind", kind, "gaps", len(gaps))
	return err
}
