// Package raw extracts chain data over a block range and lands it in the
// raw layer as partitioned parquet.
package raw

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/fetcher"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/metrics"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/runstate"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/storage"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tokenmeta"
)

// Fetcher runs extraction operations into the work dir.
type Fetcher interface {
	Prepare() error
	Fetch(ctx context.Context, op fetcher.Operation, endpoints []string, retries int) error
	Cleanup() error
}

// TokenSource returns token metadata refreshed after since.
type TokenSource interface {
	Fetch(ctx context.Context, since string) ([]tables.TokenMetadataRow, error)
}

// Checker validates the raw layer after a load.
type Checker interface {
	MissingBlocks(ctx context.Context, start, end int64) error
	MissingTransactions(ctx context.Context, start, end int64) error
}

type Config struct {
	Database       string
	DataSource     string
	Endpoints      []string
	Retries        int
	WorkDir        string
	ExtractorBin   string
	ChunkThreshold int64
	Chunks         int
	Parquet        tables.ParquetConfig
	Version        string
}

// Pipeline runs the raw layer for one range.
type Pipeline struct {
	cfg       Config
	fetcher   Fetcher
	commands  fetcher.Commands
	extractor *tables.Extractor
	store     storage.Store
	eng       engine.Engine
	checker   Checker
	tokens    TokenSource
	metrics   *metrics.Metrics
}

// New builds a raw pipeline. tokens may be nil to skip token metadata.
func New(cfg Config, f Fetcher, store storage.Store, eng engine.Engine, checker Checker, tokens TokenSource) *Pipeline {
	if cfg.Retries <= 0 {
		cfg.Retries = len(fetcher.Dedupe(cfg.Endpoints))
	}
	if cfg.Parquet.Compression == "" {
		cfg.Parquet = tables.DefaultParquetConfig()
	}
	if cfg.DataSource == "" {
		cfg.DataSource = "ethereum"
	}
	return &Pipeline{
		cfg:       cfg,
		fetcher:   f,
		commands:  fetcher.Commands{Bin: cfg.ExtractorBin, WorkDir: cfg.WorkDir},
		extractor: tables.NewExtractor(time.Now),
		store:     store,
		eng:       eng,
		checker:   checker,
		tokens:    tokens,
		metrics:   metrics.Get(),
	}
}

// Plan splits rng into the sub-ranges Run extracts one after another.
func (p *Pipeline) Plan(rng runstate.Range) []runstate.Range {
	if p.cfg.ChunkThreshold > 0 && p.cfg.Chunks > 1 && rng.Blocks() >= p.cfg.ChunkThreshold {
		return rng.Split(p.cfg.Chunks)
	}
	return []runstate.Range{rng}
}

// Run extracts every sub-range, then checks the whole range and removes
// the work dir. Reconciliation failures are fatal.
func (p *Pipeline) Run(ctx context.Context, rng runstate.Range) error {
	if rng.Empty() {
		return fmt.Errorf("raw layer: %w", runstate.ErrNoRange)
	}
	log := logging.RunLogger(ctx, string(tables.LayerRaw), "")
	subs := p.Plan(rng)
	log.Info("starting raw ingestion", "start_block", rng.Start, "end_block", rng.End, "chunks", len(subs))

	for i, sub := range subs {
		log.Info("extracting chunk", "chunk", i, "start_block", sub.Start, "end_block", sub.End)
		if err := p.ingest(ctx, sub, log); err != nil {
			return fmt.Errorf("ingest blocks %s: %w", sub, err)
		}
	}

	if err := p.checker.MissingBlocks(ctx, rng.Start, rng.End); err != nil {
		return err
	}
	if err := p.checker.MissingTransactions(ctx, rng.Start, rng.End); err != nil {
		return err
	}
	if err := p.fetcher.Cleanup(); err != nil {
		return err
	}
	p.metrics.SetLastBlock(float64(rng.End))
	log.Info("raw ingestion complete", "start_block", rng.Start, "end_block", rng.End)
	return nil
}

func (p *Pipeline) artifact(name string) string {
	return filepath.Join(p.cfg.WorkDir, name)
}

func (p *Pipeline) fetch(ctx context.Context, op fetcher.Operation) error {
	return p.fetcher.Fetch(ctx, op, p.cfg.Endpoints, p.cfg.Retries)
}

// ingest runs extraction in dependency order: transactions need receipts,
// and logs, transfers and traces need the block index.
func (p *Pipeline) ingest(ctx context.Context, rng runstate.Range, log *slog.Logger) error {
	if err := p.fetcher.Cleanup(); err != nil {
		return err
	}
	if err := p.fetcher.Prepare(); err != nil {
		return err
	}
	s, e := rng.Start, rng.End

	if err := p.fetch(ctx, p.commands.BlocksAndTransactions(s, e)); err != nil {
		return err
	}
	blockRecs, err := readCSV(p.artifact(fetcher.BlocksCSV), false)
	if err != nil {
		return err
	}
	blocks, index, err := p.extractor.Blocks(blockRecs)
	if err != nil {
		return err
	}
	if err := writeTable(ctx, p, tables.Blocks, rng, blocks, func(r tables.BlockRow) string { return r.DatePartition }); err != nil {
		return err
	}

	if err := p.fetch(ctx, p.commands.ReceiptsAndLogs(s, e)); err != nil {
		return err
	}
	logRecs, err := readCSV(p.artifact(fetcher.LogsCSV), false)
	if err != nil {
		return err
	}
	logs, err := p.extractor.Logs(logRecs, index)
	if err != nil {
		return err
	}
	if err := writeTable(ctx, p, tables.Logs, rng, logs, func(r tables.LogRow) string { return r.DatePartition }); err != nil {
		return err
	}

	if err := p.fetch(ctx, p.commands.Contracts(s, e)); err != nil {
		return err
	}
	contractRecs, err := readCSV(p.artifact(fetcher.ContractsCSV), true)
	if err != nil {
		return err
	}
	if len(contractRecs) == 0 {
		log.Info("no contracts in range")
	} else if err := writeTable(ctx, p, tables.Contracts, rng, p.extractor.Contracts(contractRecs, index), func(r tables.ContractRow) string { return r.DatePartition }); err != nil {
		return err
	}

	if len(contractRecs) > 0 {
		if err := p.fetch(ctx, p.commands.Tokens(s, e)); err != nil {
			return err
		}
		tokenRecs, err := readCSV(p.artifact(fetcher.TokensCSV), true)
		if err != nil {
			return err
		}
		if len(tokenRecs) == 0 {
			log.Info("no tokens in range")
		} else if err := writeTable(ctx, p, tables.Tokens, rng, p.extractor.Tokens(tokenRecs, index), func(r tables.TokenRow) string { return r.DatePartition }); err != nil {
			return err
		}
	}

	txRecs, err := readCSV(p.artifact(fetcher.TransactionsCSV), false)
	if err != nil {
		return err
	}
	receiptRecs, err := readCSV(p.artifact(fetcher.ReceiptsCSV), true)
	if err != nil {
		return err
	}
	txs, err := p.extractor.Transactions(txRecs, receiptRecs)
	if err != nil {
		return err
	}
	if err := writeTable(ctx, p, tables.Transactions, rng, txs, func(r tables.TransactionRow) string { return r.DatePartition }); err != nil {
		return err
	}

	if err := p.fetch(ctx, p.commands.TokenTransfers(s, e)); err != nil {
		return err
	}
	transferRecs, err := readCSV(p.artifact(fetcher.TokenTransfersCSV), true)
	if err != nil {
		return err
	}
	transfers, err := p.extractor.TokenTransfers(transferRecs, index)
	if err != nil {
		return err
	}
	if err := writeTable(ctx, p, tables.TokenTransfers, rng, transfers, func(r tables.TokenTransferRow) string { return r.DatePartition }); err != nil {
		return err
	}

	if err := p.ingestTokenMetadata(ctx, rng, log); err != nil {
		return err
	}

	if err := p.fetch(ctx, p.commands.Traces(s, e)); err != nil {
		return err
	}
	traceRecs, err := readCSV(p.artifact(fetcher.TracesCSV), false)
	if err != nil {
		return err
	}
	traces, err := p.extractor.Traces(traceRecs, index)
	if err != nil {
		return err
	}
	return writeTable(ctx, p, tables.Traces, rng, traces, func(r tables.TraceRow) string { return r.DatePartition })
}

func (p *Pipeline) ingestTokenMetadata(ctx context.Context, rng runstate.Range, log *slog.Logger) error {
	if p.tokens == nil {
		return nil
	}
	since, err := tokenmeta.Since(ctx, p.eng, p.cfg.Database)
	if err != nil {
		return err
	}
	rows, err := p.tokens.Fetch(ctx, since)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		log.Info("no token metadata to save", "since", since)
		return nil
	}
	// Rows depend on the watermark, not the range: a retried range fetches
	// from a later watermark and must not replace the earlier file.
	return writeBatch(ctx, p, tables.TokensMetadata, rng, sinceBatch(since), rows, func(r tables.TokenMetadataRow) string { return r.DatePartition })
}

// sinceBatch turns a fetch watermark such as "2015-07-30 00:00:00.000" into
// a key segment.
func sinceBatch(since string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, since)
	return "since" + digits
}

// writeTable writes one parquet file and manifest per date partition and
// registers each partition with the engine.
func writeTable[T any](ctx context.Context, p *Pipeline, table string, rng runstate.Range, rows []T, partition func(T) string) error {
	return writeBatch(ctx, p, table, rng, "", rows, partition)
}

// writeBatch is writeTable with files additionally keyed by batch.
func writeBatch[T any](ctx context.Context, p *Pipeline, table string, rng runstate.Range, batch string, rows []T, partition func(T) string) error {
	if len(rows) == 0 {
		return nil
	}
	log := logging.RunLogger(ctx, string(tables.LayerRaw), table)
	columns := columnsOf[T]()

	for _, part := range tables.GroupByPartition(rows, partition) {
		ref := storage.PartitionRef{
			DataSource:    p.cfg.DataSource,
			Table:         table,
			DatePartition: part.Value,
			StartBlock:    rng.Start,
			EndBlock:      rng.End,
			Batch:         batch,
		}
		data, err := encodeParquet(part.Rows, p.cfg.Parquet.Compression)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", table, part.Value, err)
		}
		manifest := &storage.Manifest{
			Table:         table,
			DatePartition: part.Value,
			StartBlock:    rng.Start,
			EndBlock:      rng.End,
			File:          filepath.Base(ref.Path("")),
			Checksum:      tables.ComputeChecksum(data),
			RowCount:      int64(len(part.Rows)),
			ByteSize:      int64(len(data)),
			SchemaVersion: tables.SchemaVersion,
			Producer:      storage.ProducerInfo{Name: "eth-lakehouse", Version: p.cfg.Version, RunID: logging.RunID(ctx)},
			CreatedAt:     time.Now().UTC(),
		}
		result := ValidateOutput(len(part.Rows), data, manifest)
		for _, w := range result.Warnings {
			log.Warn("partition validation warning", "date_partition", part.Value, "warning", w)
		}
		if err := result.Err(); err != nil {
			return fmt.Errorf("validate %s %s: %w", table, part.Value, err)
		}
		if err := p.store.WriteParquet(ctx, ref, data); err != nil {
			return fmt.Errorf("write %s %s: %w", table, part.Value, err)
		}
		if err := verifyStored(ctx, p.store, ref, manifest.ByteSize); err != nil {
			return fmt.Errorf("verify %s %s: %w", table, part.Value, err)
		}
		if err := p.store.WriteManifest(ctx, ref, manifest); err != nil {
			return fmt.Errorf("write manifest %s %s: %w", table, part.Value, err)
		}

		reg := engine.PartitionRegistration{
			Database:     p.cfg.Database,
			Table:        table,
			TableURI:     p.store.URI(ref.TableDir(p.store.Prefix())),
			Columns:      columns,
			PartitionKey: "date_partition",
			Partition:    part.Value,
		}
		if err := p.eng.RegisterPartition(ctx, reg); err != nil {
			return fmt.Errorf("register %s %s: %w", table, part.Value, err)
		}

		p.metrics.AddRowsWritten(metrics.Labels{Layer: string(tables.LayerRaw), Table: table}, float64(len(part.Rows)))
		log.Info("partition written", "date_partition", part.Value, "rows", len(part.Rows), "bytes", len(data), "checksum", manifest.Checksum)
	}
	return nil
}
