package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/chain"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/config"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/docstore"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/athena"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/duckdb"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/fetcher"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/maintenance"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/notify"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/pipeline"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/raw"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/reconcile"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/runstate"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/scheduler"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/storage"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tokenmeta"
)

// app holds the collaborators of one command invocation.
type app struct {
	cfg      config.Config
	eng      engine.Engine
	state    runstate.Store
	store    storage.Store
	docs     docstore.Store
	notifier notify.Notifier
	resolver *runstate.Resolver
	orch     *pipeline.Orchestrator
	closers  []func() error
}

// needs selects which collaborators a command opens.
type needs struct {
	raw      bool
	features bool
}

func needsFor(layer tables.Layer) needs {
	return needs{
		raw:      layer == tables.LayerRaw,
		features: layer == tables.LayerFeatures,
	}
}

func openState(ctx context.Context, cfg config.RunStateConfig) (runstate.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return runstate.NewPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return runstate.NewFileStore(cfg.Path)
	}
}

func openEngine(ctx context.Context, cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Kind {
	case "duckdb":
		return duckdb.Open(cfg.DuckDBPath)
	default:
		return athena.New(ctx, athena.Config{
			Region:         cfg.Region,
			Workgroup:      cfg.Workgroup,
			Catalog:        cfg.Catalog,
			OutputLocation: cfg.OutputLocation,
			PollInterval:   cfg.PollInterval,
		})
	}
}

func newNotifier(cfg config.NotifyConfig) notify.Notifier {
	return notify.NewSlack(notify.Config{
		WebhookURL:            cfg.WebhookURL,
		DataQualityWebhookURL: cfg.DataQualityWebhookURL,
		BaseURL:               cfg.BaseURL,
		Pipeline:              cfg.Pipeline,
	})
}

// newApp wires the engine, run state and the layers selected by n. On error
// everything opened so far is closed.
func newApp(ctx context.Context, cfg config.Config, n needs) (*app, error) {
	a := &app{cfg: cfg, notifier: newNotifier(cfg.Notify)}
	if err := a.wire(ctx, n); err != nil {
		if cerr := a.Close(); cerr != nil {
			slog.Warn("close after failed startup", "component", "main", "error", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, n needs) error {
	cfg := a.cfg
	state, err := openState(ctx, cfg.RunState)
	if err != nil {
		return fmt.Errorf("open run state: %w", err)
	}
	a.state = state
	a.closers = append(a.closers, state.Close)

	eng, err := openEngine(ctx, cfg.Engine)
	if err != nil {
		return fmt.Errorf("open query engine: %w", err)
	}
	a.eng = eng
	a.closers = append(a.closers, eng.Close)

	a.resolver = runstate.NewResolver(
		a.state,
		chain.NewClient(cfg.Chain.PingTimeout, headURLs(cfg.Chain)...),
		runstate.NewLakehouseTail(a.eng, cfg.Lakehouse.RawDatabase, cfg.Chain.GenesisBlock),
		cfg.Perf.MaxRangeWidth,
	)

	var rawLayer pipeline.RawLayer
	if n.raw {
		p, err := a.openRaw(ctx)
		if err != nil {
			return err
		}
		rawLayer = p
	}

	if n.features && cfg.DocStore.URI != "" {
		m, err := docstore.Connect(ctx, cfg.DocStore.URI, cfg.DocStore.Database)
		if err != nil {
			return fmt.Errorf("connect document store: %w", err)
		}
		a.docs = m
		a.closers = append(a.closers, func() error { return m.Close(context.Background()) })
	}

	weekday, err := config.ParseWeekday(cfg.Maintenance.Weekday)
	if err != nil {
		return err
	}
	layers := pipeline.NewLayers(
		pipeline.Config{
			QueriesDir: cfg.Lakehouse.QueriesDir,
			Bucket:     cfg.Lakehouse.Bucket,
			DataSource: cfg.Lakehouse.DataSource,
			Databases: pipeline.Databases{
				Raw:       cfg.Lakehouse.RawDatabase,
				Stage:     cfg.Lakehouse.StageDatabase,
				Analytics: cfg.Lakehouse.AnalyticsDatabase,
			},
			SyncWorkers: cfg.Perf.SyncWorkers,
		},
		a.eng,
		scheduler.New(scheduler.Config{Workers: cfg.Perf.ChunkWorkers, MaxRetry: cfg.Perf.ChunkRetries, Backoff: cfg.Perf.ChunkBackoff}),
		maintenance.NewCompactor(a.eng, maintenance.Config{Weekday: weekday, FailOnError: cfg.Maintenance.FailOnError}),
		a.docs,
	)
	a.orch = pipeline.NewOrchestrator(a.resolver, rawLayer, layers, a.notifier)
	return nil
}

// headURLs puts the dedicated head endpoint first, then the extraction
// endpoints as fallbacks.
func headURLs(cfg config.ChainConfig) []string {
	urls := make([]string, 0, len(cfg.RPCURLs)+1)
	seen := map[string]bool{}
	for _, u := range append([]string{cfg.HeadRPCURL}, cfg.RPCURLs...) {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

func (a *app) openRaw(ctx context.Context) (*raw.Pipeline, error) {
	store, err := storage.New(ctx, storage.Config{
		Backend:  a.cfg.Storage.Backend,
		Bucket:   a.cfg.Storage.Bucket,
		Prefix:   a.cfg.Storage.Prefix,
		LocalDir: a.cfg.Storage.LocalDir,
		Region:   a.cfg.Storage.Region,
		Endpoint: a.cfg.Storage.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("open raw storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	f := fetcher.New(
		chain.NewPinger(a.cfg.Chain.PingTimeout),
		&fetcher.ShellRunner{},
		fetcher.Config{Timeout: a.cfg.Chain.Timeout, WorkDir: a.cfg.Chain.WorkDir},
	)

	var tokens raw.TokenSource
	if a.cfg.TokenMeta.Enabled {
		c := tokenmeta.NewClient(tokenmeta.Config{
			Endpoint:   a.cfg.TokenMeta.Endpoint,
			APIKey:     a.cfg.TokenMeta.APIKey,
			PageSize:   a.cfg.TokenMeta.PageSize,
			Retries:    a.cfg.TokenMeta.Retries,
			RetryDelay: a.cfg.TokenMeta.RetryDelay,
			PageDelay:  a.cfg.TokenMeta.PageDelay,
		})
		if err := c.Validate(); err != nil {
			slog.Warn("token metadata disabled", "component", "main", "error", err)
		} else {
			tokens = c
		}
	}

	return raw.New(
		raw.Config{
			Database:       a.cfg.Lakehouse.RawDatabase,
			DataSource:     a.cfg.Lakehouse.DataSource,
			Endpoints:      a.cfg.Chain.RPCURLs,
			Retries:        a.cfg.Chain.Retries,
			WorkDir:        a.cfg.Chain.WorkDir,
			ExtractorBin:   a.cfg.Chain.ExtractorBin,
			ChunkThreshold: a.cfg.Perf.RawChunkThreshold,
			Chunks:         a.cfg.Perf.RawChunks,
			Version:        Version,
		},
		f, store, a.eng,
		reconcile.NewChecker(a.eng, a.cfg.Lakehouse.RawDatabase),
		tokens,
	), nil
}

// Close releases collaborators in reverse order of opening.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
