package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/docstore"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/duckdb"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/enginetest"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/maintenance"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/scheduler"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

var testDBs = Databases{Raw: "db_raw_test", Stage: "db_stage_test", Analytics: "db_analytics_test"}

type fakeDocs struct {
	mu      sync.Mutex
	marks   map[string]int64
	docs    map[string]map[any]docstore.Document
	batches int
	failOn  string
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{marks: map[string]int64{}, docs: map[string]map[any]docstore.Document{}}
}

func (f *fakeDocs) HighWaterMark(_ context.Context, collection, field string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marks[collection+"."+field], nil
}

func (f *fakeDocs) Upsert(_ context.Context, collection, key string, docs []docstore.Document) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if collection == f.failOn {
		return 0, errors.New("write conflict")
	}
	f.batches++
	if f.docs[collection] == nil {
		f.docs[collection] = map[any]docstore.Document{}
	}
	for _, d := range docs {
		f.docs[collection][d[key]] = d
	}
	return int64(len(docs)), nil
}

func (f *fakeDocs) SetHighWaterMark(_ context.Context, collection, field string, value int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[collection+"."+field] = value
	return nil
}

func (f *fakeDocs) Close(context.Context) error { return nil }

func writeQuery(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newLayers(t *testing.T, eng engine.Engine, dir string, docs docstore.Store) *Layers {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Workers: 1, MaxRetry: 1, Backoff: time.Millisecond})
	compactor := maintenance.NewCompactor(eng, maintenance.Config{Weekday: time.Sunday})
	l := NewLayers(Config{QueriesDir: dir, Bucket: "lake", Databases: testDBs, SyncWorkers: 2}, eng, sched, compactor, docs)
	l.now = func() time.Time { return time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) } // Monday
	return l
}

func TestStageLoadsFullWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "stage/ethereum_logs.sql",
		"CREATE TABLE target_database.table_name AS SELECT * FROM source_database.ethereum_logs WHERE block_number > filter_value\n"+
			"-- incremental load\n"+
			"INSERT INTO target_database.table_name SELECT * FROM source_database.ethereum_logs WHERE block_number > filter_value")

	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, "db_stage_test", "ethereum_logs").Return(false, nil)
	eng.On("Execute", mock.Anything, "db_stage_test",
		"CREATE TABLE db_stage_test.ethereum_logs AS SELECT * FROM db_raw_test.ethereum_logs WHERE block_number > 52029").
		Return(nil).Once()

	require.NoError(t, newLayers(t, eng, dir, nil).RunTable(context.Background(), tables.LayerStage, "ethereum_logs"))
	eng.AssertExpectations(t)
}

func TestTargetDatabases(t *testing.T) {
	l := newLayers(t, &enginetest.Mock{}, t.TempDir(), nil)

	stage := l.Target(tables.Lookup(tables.LayerStage, "ethereum_blocks"))
	assert.Equal(t, "db_stage_test", stage.Database)
	assert.Equal(t, "db_raw_test", stage.SourceDatabase)

	erc20 := l.Target(tables.Lookup(tables.LayerAnalytics, "ethereum_erc20_transactions"))
	assert.Equal(t, "db_stage_test", erc20.SourceDatabase)

	wallet := l.Target(tables.Lookup(tables.LayerAnalytics, "ethereum_wallet_transactions"))
	assert.Equal(t, "db_analytics_test", wallet.SourceDatabase)

	features := l.Target(tables.Lookup(tables.LayerFeatures, "ethereum_wallet_features"))
	assert.Equal(t, "db_analytics_test", features.Database)
	assert.Equal(t, "db_analytics_test", features.SourceDatabase)
	assert.Equal(t, "analytics", features.Layer)
}

func TestParallelTableCreatedByFirstChunk(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "analytics/ethereum_wallet_transactions.sql",
		"CREATE TABLE target_database.table_name AS SELECT * FROM source_database.wallets WHERE address_partition IN chunk\n"+
			"-- incremental load\n"+
			"INSERT INTO target_database.table_name SELECT * FROM source_database.wallets WHERE address_partition IN chunk AND block_number >= filter_value")

	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, "db_analytics_test", "ethereum_wallet_transactions").Return(false, nil).Times(3)
	eng.On("TableExists", mock.Anything, "db_analytics_test", "ethereum_wallet_transactions").Return(true, nil)
	eng.On("Query", mock.Anything, "db_analytics_test", mock.MatchedBy(func(q string) bool {
		return strings.Contains(q, "WHERE address_partition IN (")
	})).Return([]engine.Row{{"last_row_inserted": nil}}, nil)
	var (
		mu    sync.Mutex
		stmts []string
	)
	eng.On("Execute", mock.Anything, "db_analytics_test", mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		stmts = append(stmts, args.String(2))
	})

	require.NoError(t, newLayers(t, eng, dir, nil).RunTable(context.Background(), tables.LayerAnalytics, "ethereum_wallet_transactions"))
	require.Len(t, stmts, 10)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE db_analytics_test.ethereum_wallet_transactions"))
	assert.Contains(t, stmts[0], "('00', '01'")
	for _, s := range stmts[1:] {
		assert.True(t, strings.HasPrefix(s, "INSERT INTO"), s)
		assert.Contains(t, s, "block_number >= 0")
	}
}

const walletTransactionsSQL = "CREATE TABLE target_database.table_name AS SELECT * FROM source_database.wallet_src WHERE address_partition IN chunk\n" +
	"-- incremental load\n" +
	"INSERT INTO target_database.table_name SELECT * FROM source_database.wallet_src WHERE address_partition IN chunk AND block_number >= filter_value"

// failingEngine fails Execute for statements touching the 'ff' partition.
// With commit set the statement runs before the failure is reported.
type failingEngine struct {
	engine.Engine
	mu     sync.Mutex
	fails  int
	commit bool
}

func (f *failingEngine) Execute(ctx context.Context, database, sql string) error {
	f.mu.Lock()
	fail := f.fails > 0 && strings.Contains(sql, "'ff'")
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if !fail {
		return f.Engine.Execute(ctx, database, sql)
	}
	if f.commit {
		if err := f.Engine.Execute(ctx, database, sql); err != nil {
			return err
		}
	}
	return errors.New("connection reset")
}

func walletTransactionsEngine(t *testing.T) *duckdb.Engine {
	t.Helper()
	e, err := duckdb.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	for _, s := range []string{
		"CREATE TABLE wallet_src (wallet VARCHAR, address_partition VARCHAR, block_number BIGINT)",
		"INSERT INTO wallet_src VALUES ('0x00a', '00', 5), ('0x10d', '10', 8), ('0xffb', 'ff', 5), ('0xffc', 'ff', 7)",
	} {
		require.NoError(t, e.Execute(context.Background(), testDBs.Analytics, s))
	}
	return e
}

func countRows(t *testing.T, eng engine.Engine, table string) int64 {
	t.Helper()
	rows, err := eng.Query(context.Background(), testDBs.Analytics, "SELECT COUNT(*) AS n FROM "+table)
	require.NoError(t, err)
	n, err := engine.Int64(rows[0]["n"])
	require.NoError(t, err)
	return n
}

func TestParallelChunkFailureIsPickedUpNextRun(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "analytics/ethereum_wallet_transactions.sql", walletTransactionsSQL)
	db := walletTransactionsEngine(t)
	eng := &failingEngine{Engine: db, fails: 1}
	l := newLayers(t, eng, dir, nil)
	ctx := context.Background()

	var ce *scheduler.ChunkError
	require.ErrorAs(t, l.RunTable(ctx, tables.LayerAnalytics, "ethereum_wallet_transactions"), &ce)
	assert.Equal(t, 9, ce.Chunk.Index)
	assert.Equal(t, int64(2), countRows(t, db, "ethereum_wallet_transactions"))

	// The other chunks advanced past block 5 of the failed chunk; its rows still land.
	require.NoError(t, l.RunTable(ctx, tables.LayerAnalytics, "ethereum_wallet_transactions"))
	assert.Equal(t, int64(4), countRows(t, db, "ethereum_wallet_transactions"))

	require.NoError(t, l.RunTable(ctx, tables.LayerAnalytics, "ethereum_wallet_transactions"))
	assert.Equal(t, int64(4), countRows(t, db, "ethereum_wallet_transactions"))
}

func TestParallelChunkRetryDoesNotDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "analytics/ethereum_wallet_transactions.sql", walletTransactionsSQL)
	db := walletTransactionsEngine(t)
	ctx := context.Background()

	l := newLayers(t, db, dir, nil)
	require.NoError(t, l.RunTable(ctx, tables.LayerAnalytics, "ethereum_wallet_transactions"))
	require.NoError(t, db.Execute(ctx, testDBs.Analytics, "INSERT INTO wallet_src VALUES ('0xffe', 'ff', 9)"))

	// The INSERT commits but reports failure; the retry re-reads the chunk checkpoint.
	eng := &failingEngine{Engine: db, fails: 1, commit: true}
	l = newLayers(t, eng, dir, nil)
	l.sched = scheduler.New(scheduler.Config{Workers: 1, MaxRetry: 2, Backoff: time.Millisecond})
	require.NoError(t, l.RunTable(ctx, tables.LayerAnalytics, "ethereum_wallet_transactions"))
	assert.Equal(t, int64(5), countRows(t, db, "ethereum_wallet_transactions"))
	assert.Zero(t, eng.fails)
}

func TestLoadErrorsPropagate(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "stage/ethereum_blocks.sql", "CREATE TABLE target_database.table_name AS SELECT 1")

	eng := &enginetest.Mock{}
	boom := errors.New("HIVE_BAD_DATA")
	eng.On("TableExists", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	eng.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(boom)

	err := newLayers(t, eng, dir, nil).RunTable(context.Background(), tables.LayerStage, "ethereum_blocks")
	assert.ErrorIs(t, err, boom)
}

func TestMissingTemplate(t *testing.T) {
	err := newLayers(t, &enginetest.Mock{}, t.TempDir(), nil).RunTable(context.Background(), tables.LayerStage, "ethereum_blocks")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

const walletFeaturesSQL = "CREATE TABLE target_database.table_name AS SELECT * FROM source_database.wallet_activity WHERE address_partition IN chunk AND wallet_last_tx > filter_value\n" +
	"-- incremental load\n" +
	"INSERT INTO target_database.table_name SELECT * FROM source_database.wallet_activity WHERE address_partition IN chunk AND wallet_last_tx > filter_value"

const walletFeaturesSyncSQL = `SELECT wallet_address, wallet_last_tx, '[["0xc0", [["calls", 3]]]]' AS contracts_aggregations
FROM db_analytics_test.ethereum_wallet_features WHERE wallet_last_tx > last_inserted_timestamp`

func featuresEngine(t *testing.T) *duckdb.Engine {
	t.Helper()
	e, err := duckdb.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	ctx := context.Background()
	for _, s := range []string{
		"CREATE TABLE wallet_activity (wallet_address VARCHAR, address_partition VARCHAR, wallet_last_tx BIGINT)",
		"INSERT INTO wallet_activity VALUES ('0x00aa', '00', 5), ('0xffbb', 'ff', 9)",
	} {
		require.NoError(t, e.Execute(ctx, testDBs.Analytics, s))
	}
	return e
}

func TestWalletFeaturesSequentialAndSync(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "features/ethereum_wallet_features.sql", walletFeaturesSQL)
	writeQuery(t, dir, "features_db/ethereum_wallet_features_data_to_features_db.sql", walletFeaturesSyncSQL)

	eng := featuresEngine(t)
	docs := newFakeDocs()
	l := newLayers(t, eng, dir, docs)
	ctx := context.Background()

	require.NoError(t, l.RunTable(ctx, tables.LayerFeatures, "ethereum_wallet_features"))

	rows, err := eng.Query(ctx, testDBs.Analytics, "SELECT COUNT(*) AS n FROM ethereum_wallet_features")
	require.NoError(t, err)
	n, _ := engine.Int64(rows[0]["n"])
	assert.Equal(t, int64(2), n)

	assert.Equal(t, int64(9), docs.marks["wallet_features.wallet_last_tx"])
	require.Len(t, docs.docs["wallet_features"], 2)
	doc := docs.docs["wallet_features"]["0xffbb"]
	assert.Equal(t, "0xffbb", doc[DocumentKey])
	assert.NotContains(t, doc, "wallet_address")
	assert.Equal(t, map[string]any{"0xc0": map[string]any{"calls": float64(3)}}, doc["contracts"])

	// A second run finds nothing new and leaves the store alone.
	batches := docs.batches
	require.NoError(t, l.RunTable(ctx, tables.LayerFeatures, "ethereum_wallet_features"))
	rows, err = eng.Query(ctx, testDBs.Analytics, "SELECT COUNT(*) AS n FROM ethereum_wallet_features")
	require.NoError(t, err)
	n, _ = engine.Int64(rows[0]["n"])
	assert.Equal(t, int64(2), n)
	assert.Equal(t, batches, docs.batches)
}

func TestSyncUpsertFailureKeepsMark(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "features/ethereum_wallet_features.sql", walletFeaturesSQL)
	writeQuery(t, dir, "features_db/ethereum_wallet_features_data_to_features_db.sql", walletFeaturesSyncSQL)

	docs := newFakeDocs()
	docs.failOn = "wallet_features"
	err := newLayers(t, featuresEngine(t), dir, docs).RunTable(context.Background(), tables.LayerFeatures, "ethereum_wallet_features")
	require.Error(t, err)
	assert.Zero(t, docs.marks["wallet_features.wallet_last_tx"])
}

func TestSyncEmptyBatchKeepsMark(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "features/ethereum_wallet_features.sql", walletFeaturesSQL)
	writeQuery(t, dir, "features_db/ethereum_wallet_features_data_to_features_db.sql",
		"SELECT wallet_address FROM db_analytics_test.ethereum_wallet_features WHERE wallet_last_tx > 1000 + last_inserted_timestamp")

	docs := newFakeDocs()
	docs.marks["wallet_features.wallet_last_tx"] = 3
	require.NoError(t, newLayers(t, featuresEngine(t), dir, docs).RunTable(context.Background(), tables.LayerFeatures, "ethereum_wallet_features"))

	assert.Equal(t, int64(3), docs.marks["wallet_features.wallet_last_tx"])
	assert.Zero(t, docs.batches)
}

func TestCompactionOnMaintenanceDay(t *testing.T) {
	dir := t.TempDir()
	writeQuery(t, dir, "features/rugpull_features.sql", "CREATE TABLE target_database.table_name AS SELECT 1\n-- incremental load\nINSERT INTO target_database.table_name SELECT filter_value")

	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, "db_analytics_test", "rugpull_features").Return(true, nil)
	eng.On("Query", mock.Anything, "db_analytics_test", "SELECT MAX(last_interaction_timestamp) AS last_row_inserted FROM db_analytics_test.rugpull_features").
		Return([]engine.Row{{"last_row_inserted": int64(1700)}}, nil)
	eng.On("Execute", mock.Anything, "db_analytics_test", "INSERT INTO db_analytics_test.rugpull_features SELECT 1700").Return(nil).Once()
	eng.On("Execute", mock.Anything, "db_analytics_test", "OPTIMIZE db_analytics_test.rugpull_features REWRITE DATA USING BIN_PACK").Return(nil).Once()
	eng.On("Execute", mock.Anything, "db_analytics_test", "VACUUM db_analytics_test.rugpull_features").Return(nil).Once()

	l := newLayers(t, eng, dir, nil)
	l.now = func() time.Time { return time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC) } // Sunday
	require.NoError(t, l.RunTable(context.Background(), tables.LayerFeatures, "rugpull_features"))
	eng.AssertExpectations(t)
}

func TestCheckQuality(t *testing.T) {
	dir := t.TempDir()
	eng := featuresEngine(t)
	ctx := context.Background()

	writeQuery(t, dir, "features/data_quality_ethereum_wallet_features.sql",
		"SELECT 'null_wallets' AS constraint_name, false AS is_fail UNION ALL SELECT 'duplicate_wallets', true UNION ALL SELECT 'negative_balance', true")
	err := CheckQuality(ctx, eng, testDBs.Analytics, dir, "ethereum_wallet_features")
	var qe *QualityError
	require.ErrorAs(t, err, &qe)
	assert.ElementsMatch(t, []string{"duplicate_wallets", "negative_balance"}, qe.Constraints)
	assert.True(t, IsDataQuality(fmt.Errorf("wrapped: %w", err)))

	writeQuery(t, dir, "features/data_quality_ethereum_wallet_features.sql", "SELECT 'null_wallets' AS constraint_name, false AS is_fail")
	assert.NoError(t, CheckQuality(ctx, eng, testDBs.Analytics, dir, "ethereum_wallet_features"))
}

func TestToDocumentKeepsUndecodableContracts(t *testing.T) {
	d := ToDocument(engine.Row{"wallet_address": "0x1", "contracts_aggregations": "not json", "score": int64(4)})
	assert.Equal(t, docstore.Document{"walletAddress": "0x1", "contracts": "not json", "score": int64(4)}, d)
}

func TestSplitDocuments(t *testing.T) {
	docs := make([]docstore.Document, 7)
	batches := splitDocuments(docs, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 2)
	assert.Len(t, splitDocuments(docs[:2], 8), 2)
}
