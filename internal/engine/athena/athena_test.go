package athena

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
)

type fakeAPI struct {
	states   []types.QueryExecutionState
	reason   string
	started  []string
	results  *types.ResultSet
	metaErr  error
	pollSeen int
}

func (f *fakeAPI) StartQueryExecution(_ context.Context, in *athena.StartQueryExecutionInput, _ ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error) {
	f.started = append(f.started, aws.ToString(in.QueryString))
	return &athena.StartQueryExecutionOutput{QueryExecutionId: aws.String("q-1")}, nil
}

func (f *fakeAPI) GetQueryExecution(_ context.Context, _ *athena.GetQueryExecutionInput, _ ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error) {
	state := f.states[len(f.states)-1]
	if f.pollSeen < len(f.states) {
		state = f.states[f.pollSeen]
	}
	f.pollSeen++
	return &athena.GetQueryExecutionOutput{QueryExecution: &types.QueryExecution{
		Status: &types.QueryExecutionStatus{State: state, StateChangeReason: aws.String(f.reason)},
	}}, nil
}

func (f *fakeAPI) GetQueryResults(_ context.Context, _ *athena.GetQueryResultsInput, _ ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error) {
	return &athena.GetQueryResultsOutput{ResultSet: f.results}, nil
}

func (f *fakeAPI) GetTableMetadata(_ context.Context, _ *athena.GetTableMetadataInput, _ ...func(*athena.Options)) (*athena.GetTableMetadataOutput, error) {
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return &athena.GetTableMetadataOutput{}, nil
}

func newTestEngine(api *fakeAPI) *Engine {
	return NewWithAPI(api, Config{PollInterval: time.Millisecond})
}

func TestExecutePollsUntilSucceeded(t *testing.T) {
	api := &fakeAPI{states: []types.QueryExecutionState{
		types.QueryExecutionStateQueued,
		types.QueryExecutionStateRunning,
		types.QueryExecutionStateSucceeded,
	}}
	require.NoError(t, newTestEngine(api).Execute(context.Background(), "db", "SELECT 1"))
	assert.Equal(t, 3, api.pollSeen)
}

func TestExecuteFailedCarriesReason(t *testing.T) {
	api := &fakeAPI{states: []types.QueryExecutionState{types.QueryExecutionStateFailed}, reason: "SYNTAX_ERROR"}
	err := newTestEngine(api).Execute(context.Background(), "db", "SELEC 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYNTAX_ERROR")
}

func TestQuerySkipsHeaderAndConvertsTypes(t *testing.T) {
	api := &fakeAPI{
		states: []types.QueryExecutionState{types.QueryExecutionStateSucceeded},
		results: &types.ResultSet{
			ResultSetMetadata: &types.ResultSetMetadata{ColumnInfo: []types.ColumnInfo{
				{Name: aws.String("last_block"), Type: aws.String("bigint")},
				{Name: aws.String("hash"), Type: aws.String("varchar")},
			}},
			Rows: []types.Row{
				{Data: []types.Datum{{VarCharValue: aws.String("last_block")}, {VarCharValue: aws.String("hash")}}},
				{Data: []types.Datum{{VarCharValue: aws.String("17000000")}, {}}},
			},
		},
	}
	rows, err := newTestEngine(api).Query(context.Background(), "db", "SELECT ...")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(17000000), rows[0]["last_block"])
	assert.Nil(t, rows[0]["hash"])
}

func TestTableExists(t *testing.T) {
	api := &fakeAPI{}
	ok, err := newTestEngine(api).TableExists(context.Background(), "db", "t")
	require.NoError(t, err)
	assert.True(t, ok)

	api.metaErr = &types.MetadataException{Message: aws.String("Table t not found")}
	ok, err = newTestEngine(api).TableExists(context.Background(), "db", "t")
	require.NoError(t, err)
	assert.False(t, ok)

	api.metaErr = &types.InternalServerException{Message: aws.String("boom")}
	_, err = newTestEngine(api).TableExists(context.Background(), "db", "t")
	assert.Error(t, err)
}

func TestRegistrationSQL(t *testing.T) {
	reg := engine.PartitionRegistration{
		Database:     "db_raw_dev",
		Table:        "ethereum_blocks",
		TableURI:     "s3://lake/raw/ethereum/ethereum_blocks",
		Columns:      []engine.Column{{Name: "number", Type: "bigint"}, {Name: "date_partition", Type: "string"}},
		PartitionKey: "date_partition",
		Partition:    "2024-03",
	}
	assert.Equal(t,
		"CREATE EXTERNAL TABLE IF NOT EXISTS `db_raw_dev`.`ethereum_blocks` (`number` bigint) PARTITIONED BY (`date_partition` string) STORED AS PARQUET LOCATION 's3://lake/raw/ethereum/ethereum_blocks/'",
		CreateTableSQL(reg))
	assert.Equal(t,
		"ALTER TABLE `db_raw_dev`.`ethereum_blocks` ADD IF NOT EXISTS PARTITION (date_partition = '2024-03') LOCATION 's3://lake/raw/ethereum/ethereum_blocks/date_partition=2024-03/'",
		AddPartitionSQL(reg))
}
