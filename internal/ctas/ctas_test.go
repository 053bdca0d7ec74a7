package ctas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/checkpoint"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/duckdb"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine/enginetest"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/shard"
	"github.com/withObsrvr/eth-lakehouse-ingester/internal/tables"
)

const blocksTemplate = `CREATE TABLE target_database.table_name
WITH (external_location = 's3://bucket_name/layer/data_source/table_name/') AS
SELECT * FROM source_database.ethereum_blocks WHERE number > filter_value
-- incremental load
INSERT INTO target_database.table_name
SELECT * FROM source_database.ethereum_blocks WHERE number > filter_value`

func stageTarget() Target {
	return Target{
		Layer:          "stage",
		Database:       "db_stage_dev",
		Table:          "ethereum_blocks",
		SourceDatabase: "db_raw_dev",
		Bucket:         "lake",
		DataSource:     "ethereum",
	}
}

func TestLoadFullWhenTargetAbsent(t *testing.T) {
	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, "db_stage_dev", "ethereum_blocks").Return(false, nil)
	eng.On("Execute", mock.Anything, "db_stage_dev", mock.MatchedBy(func(sql string) bool {
		return assert.ObjectsAreEqual(
			"CREATE TABLE db_stage_dev.ethereum_blocks\nWITH (external_location = 's3://lake/stage/ethereum/ethereum_blocks/') AS\nSELECT * FROM db_raw_dev.ethereum_blocks WHERE number > 0",
			sql)
	})).Return(nil)

	filter := checkpoint.Seed(tables.Lookup(tables.LayerStage, "ethereum_blocks"))
	strategy, err := NewLoader(eng).Load(context.Background(), Parse("ethereum_blocks", blocksTemplate), filter, stageTarget(), nil)
	require.NoError(t, err)
	assert.Equal(t, Full, strategy)
	eng.AssertExpectations(t)
}

func TestLoadIncrementalIsStable(t *testing.T) {
	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	var seen []string
	eng.On("Execute", mock.Anything, "db_stage_dev", mock.Anything).Run(func(args mock.Arguments) {
		seen = append(seen, args.String(2))
	}).Return(nil)

	filter := checkpoint.Value{Column: "number", Raw: "17000000"}
	l := NewLoader(eng)
	for i := 0; i < 2; i++ {
		strategy, err := l.Load(context.Background(), Parse("ethereum_blocks", blocksTemplate), filter, stageTarget(), nil)
		require.NoError(t, err)
		assert.Equal(t, Incremental, strategy)
	}
	require.Len(t, seen, 2)
	assert.Equal(t, seen[0], seen[1])
	assert.Equal(t, "INSERT INTO db_stage_dev.ethereum_blocks\nSELECT * FROM db_raw_dev.ethereum_blocks WHERE number > 17000000", seen[0])
}

func TestRepeatedLoadKeepsRowCount(t *testing.T) {
	ctx := context.Background()
	eng, err := duckdb.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	require.NoError(t, eng.Execute(ctx, "db_raw_dev", "CREATE TABLE ethereum_blocks (number BIGINT, date_partition VARCHAR)"))
	require.NoError(t, eng.Execute(ctx, "db_raw_dev", "INSERT INTO ethereum_blocks VALUES (1, '2024-03'), (2, '2024-03'), (3, '2024-03')"))

	tmpl := Parse("ethereum_blocks", `CREATE TABLE target_database.table_name AS
SELECT * FROM source_database.ethereum_blocks WHERE number > filter_value
-- incremental load
INSERT INTO target_database.table_name
SELECT * FROM source_database.ethereum_blocks WHERE number > filter_value`)
	spec := tables.Lookup(tables.LayerStage, "ethereum_blocks")
	reader := checkpoint.NewReader(eng)
	loader := NewLoader(eng)

	count := func() int64 {
		rows, err := eng.Query(ctx, "db_stage_dev", "SELECT COUNT(*) AS n FROM ethereum_blocks")
		require.NoError(t, err)
		n, err := engine.Int64(rows[0]["n"])
		require.NoError(t, err)
		return n
	}
	load := func() Strategy {
		filter, err := reader.Read(ctx, "db_stage_dev", spec, nil)
		require.NoError(t, err)
		strategy, err := loader.Load(ctx, tmpl, filter, stageTarget(), nil)
		require.NoError(t, err)
		return strategy
	}

	assert.Equal(t, Full, load())
	assert.Equal(t, int64(3), count())

	// Same checkpoint, no new source rows: twice, and nothing changes.
	assert.Equal(t, Incremental, load())
	assert.Equal(t, Incremental, load())
	assert.Equal(t, int64(3), count())

	require.NoError(t, eng.Execute(ctx, "db_raw_dev", "INSERT INTO ethereum_blocks VALUES (4, '2024-03')"))
	load()
	assert.Equal(t, int64(4), count())
}

func TestLoadWrapsEngineError(t *testing.T) {
	eng := &enginetest.Mock{}
	boom := errors.New("HIVE_CURSOR_ERROR")
	eng.On("TableExists", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	eng.On("Execute", mock.Anything, mock.Anything, mock.Anything).Return(boom)

	_, err := NewLoader(eng).Load(context.Background(), Parse("b", blocksTemplate), checkpoint.Value{Raw: "1"}, stageTarget(), nil)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, Incremental, le.Strategy)
	assert.Contains(t, le.SQL, "INSERT INTO")
	assert.ErrorIs(t, err, boom)
}

func TestLoadWithoutIncrementalVariant(t *testing.T) {
	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	_, err := NewLoader(eng).Load(context.Background(), Parse("x", "CREATE TABLE t AS SELECT 1"), checkpoint.Value{Raw: "1"}, stageTarget(), nil)
	assert.ErrorIs(t, err, ErrNoIncrementalVariant)
	eng.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestPlanSubstitutesChunk(t *testing.T) {
	eng := &enginetest.Mock{}
	eng.On("TableExists", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	tmpl := Parse("w", "-- incremental load\nINSERT INTO target_database.table_name SELECT * FROM source_database.x WHERE address_partition IN chunk AND block_number >= filter_value")
	chunk := shard.Chunk{Prefixes: []string{"0a", "0b"}}
	target := Target{Layer: "analytics", Database: "db_analytics_dev", Table: "ethereum_wallet_transactions", SourceDatabase: "db_analytics_dev"}

	_, sql, err := NewLoader(eng).Plan(context.Background(), tmpl, checkpoint.Value{Raw: "5"}, target, &chunk)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO db_analytics_dev.ethereum_wallet_transactions SELECT * FROM db_analytics_dev.x WHERE address_partition IN ('0a', '0b') AND block_number >= 5", sql)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir, "stage", "ethereum_blocks")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(blocksTemplate), 0644))

	tmpl, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ethereum_blocks", tmpl.Name)
	assert.Contains(t, tmpl.Full, "CREATE TABLE")
	assert.Contains(t, tmpl.Incremental, "INSERT INTO")

	_, err = ReadFile(filepath.Join(dir, "missing.sql"))
	assert.Error(t, err)
}
