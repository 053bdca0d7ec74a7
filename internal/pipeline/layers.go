// Package pipeline runs the stage, analytics and features layers and the
// scheduled end-to-end run.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/checkpoint"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/ctas"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/docstore"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/logging"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/maintenance"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/scheduler"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

// Databases names the lakehouse database of each layer.
type Databases struct {
	Raw       string
	Stage     string
	Analytics string
}

// For returns the database a layer writes to. Features live in analytics.
func (d Databases) For(layer tables.Layer) string {
	switch layer {
	case tables.LayerRaw:
		return d.Raw
	case tables.LayerStage:
		return d.Stage
	default:
		return d.Analytics
	}
}

type Config struct {
	QueriesDir  string
	Bucket      string
	DataSource  string
	Databases   Databases
	SyncWorkers int
}

// Layers loads lakehouse tables from their SQL templates.
type Layers struct {
	cfg       Config
	eng       engine.Engine
	loader    *ctas.Loader
	reader    *checkpoint.Reader
	sched     *scheduler.Scheduler
	compactor *maintenance.Compactor
	sync      *FeatureSync
	now       func() time.Time
}

// NewLayers wires the table loaders. docs may be nil to skip the feature
// store sync.
func NewLayers(cfg Config, eng engine.Engine, sched *scheduler.Scheduler, compactor *maintenance.Compactor, docs docstore.Store) *Layers {
	if cfg.DataSource == "" {
		cfg.DataSource = "ethereum"
	}
	l := &Layers{
		cfg:       cfg,
		eng:       eng,
		loader:    ctas.NewLoader(eng),
		reader:    checkpoint.NewReader(eng),
		sched:     sched,
		compactor: compactor,
		now:       time.Now,
	}
	if docs != nil {
		l.sync = NewFeatureSync(eng, docs, cfg.Databases.Analytics, cfg.QueriesDir, cfg.SyncWorkers)
	}
	return l
}

// Tables lists the tables a layer loads, in order.
func Tables(layer tables.Layer) []string {
	switch layer {
	case tables.LayerStage:
		return tables.StageTables
	case tables.LayerAnalytics:
		return tables.AnalyticsTables
	case tables.LayerFeatures:
		return tables.FeatureTables
	case tables.LayerFeaturesDataQuality:
		return []string{"ethereum_wallet_features"}
	}
	return nil
}

// RunLayer runs every table of the layer in order and stops at the first failure.
func (l *Layers) RunLayer(ctx context.Context, layer tables.Layer) error {
	for _, name := range Tables(layer) {
		if err := l.RunTable(ctx, layer, name); err != nil {
			return err
		}
	}
	return nil
}

// RunTable loads one table. Features tables are also compacted on the
// maintenance day and synced to the feature store.
func (l *Layers) RunTable(ctx context.Context, layer tables.Layer, name string) error {
	spec := tables.Lookup(layer, name)
	switch layer {
	case tables.LayerStage, tables.LayerAnalytics:
		return l.load(ctx, spec)
	case tables.LayerFeatures:
		if err := l.load(ctx, spec); err != nil {
			return err
		}
		if !spec.Shard.Sharded() {
			if err := l.compact(ctx, spec, nil); err != nil {
				return err
			}
		}
		if l.sync == nil {
			logging.RunLogger(ctx, string(layer), name).Warn("no feature store configured, skipping sync")
			return nil
		}
		return l.sync.Sync(ctx, spec)
	case tables.LayerFeaturesDataQuality:
		return CheckQuality(ctx, l.eng, l.cfg.Databases.Analytics, l.cfg.QueriesDir, name)
	}
	return fmt.Errorf("layer %s has no table loads", layer)
}

// templateDir is the queries subdirectory holding a layer's templates.
func templateDir(layer tables.Layer) string {
	if layer == tables.LayerFeatures {
		return "features"
	}
	return string(layer)
}

// Target returns where a table is written and which database its template reads.
func (l *Layers) Target(spec tables.Spec) ctas.Target {
	t := ctas.Target{
		Layer:      string(spec.Layer),
		Database:   l.cfg.Databases.For(spec.Layer),
		Table:      spec.Name,
		Bucket:     l.cfg.Bucket,
		DataSource: l.cfg.DataSource,
	}
	switch spec.Layer {
	case tables.LayerStage:
		t.SourceDatabase = l.cfg.Databases.Raw
	case tables.LayerAnalytics:
		t.SourceDatabase = l.cfg.Databases.Stage
	case tables.LayerFeatures:
		t.Layer = string(tables.LayerAnalytics)
	}
	if spec.SourceLayer != "" {
		t.SourceDatabase = l.cfg.Databases.For(spec.SourceLayer)
	}
	return t
}

func (l *Layers) load(ctx context.Context, spec tables.Spec) error {
	path := ctas.Path(l.cfg.QueriesDir, templateDir(spec.Layer), spec.Name)
	tmpl, err := ctas.ReadFile(path)
	if err != nil {
		return err
	}
	target := l.Target(spec)
	log := logging.RunLogger(ctx, string(spec.Layer), spec.Name)

	// Each chunk resumes from the checkpoint of its own address partitions, so a
	// failed chunk is picked up by the next run and a retried chunk re-reads
	// what its previous attempt committed.
	loadChunk := func(ctx context.Context, c shard.Chunk) error {
		filter, err := l.reader.Read(ctx, target.Database, spec, &c)
		if err != nil {
			return err
		}
		log.Debug("chunk checkpoint read", "chunk", c.Index, "filter_value", filter.FilterValue(), "seeded", filter.Seeded)
		if _, err := l.loader.Load(ctx, tmpl, filter, target, &c); err != nil {
			return err
		}
		return l.compact(ctx, spec, &c)
	}

	switch {
	case spec.Shard.Sharded() && spec.Shard.Mode == tables.Sequential:
		return l.sched.Run(ctx, spec, loadChunk)

	case spec.Shard.Sharded():
		exists, err := l.eng.TableExists(ctx, target.Database, spec.Name)
		if err != nil {
			return fmt.Errorf("check table %s: %w", target, err)
		}
		if !exists {
			return l.sched.RunAfterFirst(ctx, spec, loadChunk)
		}
		return l.sched.Run(ctx, spec, loadChunk)

	default:
		filter, err := l.reader.Read(ctx, target.Database, spec, nil)
		if err != nil {
			return err
		}
		log.Info("checkpoint read", "filter_value", filter.FilterValue(), "seeded", filter.Seeded)
		_, err = l.loader.Load(ctx, tmpl, filter, target, nil)
		return err
	}
}

func (l *Layers) compact(ctx context.Context, spec tables.Spec, chunk *shard.Chunk) error {
	if !spec.Maintenance || l.compactor == nil || !l.compactor.Due(l.now()) {
		return nil
	}
	return l.compactor.Compact(ctx, l.cfg.Databases.For(spec.Layer), spec.Name, chunk)
}

// syncQueryPath is the feature-store export query of a table.
func syncQueryPath(dir, table string) string {
	return filepath.Join(dir, "features_db", table+"_data_to_features_db.sql")
}

// qualityQueryPath is the data-quality query of a feature table.
func qualityQueryPath(dir, table string) string {
	return filepath.Join(dir, "features", "data_quality_"+table+".sql")
}
