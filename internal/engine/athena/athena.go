// Package athena implements engine.Engine on Amazon Athena.
package athena

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/athena/types"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
)

// API is the subset of the Athena client used here.
type API interface {
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, opts ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, opts ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, in *athena.GetQueryResultsInput, opts ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
	GetTableMetadata(ctx context.Context, in *athena.GetTableMetadataInput, opts ...func(*athena.Options)) (*athena.GetTableMetadataOutput, error)
}

// Config configures the Athena engine.
type Config struct {
	Region         string
	Workgroup      string
	Catalog        string
	OutputLocation string
	PollInterval   time.Duration
}

// Engine runs queries through Athena and waits for completion by polling.
type Engine struct {
	api    API
	cfg    Config
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// New loads the default AWS credential chain and builds an Athena engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithAPI(athena.NewFromConfig(awsCfg), cfg), nil
}

// NewWithAPI builds an engine over an existing client.
func NewWithAPI(api API, cfg Config) *Engine {
	if cfg.Catalog == "" {
		cfg.Catalog = "AwsDataCatalog"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Engine{
		api:    api,
		cfg:    cfg,
		logger: slog.With("component", "athena"),
	}
}

func (e *Engine) Dialect() engine.Dialect { return engine.DialectAthena }

func (e *Engine) Close() error { return nil }

// TableExists asks the data catalog for the table's metadata.
func (e *Engine) TableExists(ctx context.Context, database, table string) (bool, error) {
	_, err := e.api.GetTableMetadata(ctx, &athena.GetTableMetadataInput{
		CatalogName:  aws.String(e.cfg.Catalog),
		DatabaseName: aws.String(database),
		TableName:    aws.String(table),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("get table metadata %s.%s: %w", database, table, err)
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		return true
	}
	var me *types.MetadataException
	if errors.As(err, &me) {
		return strings.Contains(strings.ToLower(me.ErrorMessage()), "not found")
	}
	return false
}

// Execute starts the statement and blocks until it succeeds, fails or ctx ends.
func (e *Engine) Execute(ctx context.Context, database, sql string) error {
	_, err := e.run(ctx, database, sql)
	return err
}

// Query executes sql and returns all result rows with typed values.
func (e *Engine) Query(ctx context.Context, database, sql string) ([]engine.Row, error) {
	id, err := e.run(ctx, database, sql)
	if err != nil {
		return nil, err
	}

	var (
		rows    []engine.Row
		columns []types.ColumnInfo
		first   = true
	)
	p := athena.NewGetQueryResultsPaginator(e.api, &athena.GetQueryResultsInput{QueryExecutionId: aws.String(id)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get query results %s: %w", id, err)
		}
		if page.ResultSet == nil {
			continue
		}
		if columns == nil && page.ResultSet.ResultSetMetadata != nil {
			columns = page.ResultSet.ResultSetMetadata.ColumnInfo
		}
		for _, r := range page.ResultSet.Rows {
			// The first row of a SELECT result repeats the column names.
			if first {
				first = false
				if isHeader(r, columns) {
					continue
				}
			}
			rows = append(rows, convertRow(r, columns))
		}
	}
	return rows, nil
}

func (e *Engine) run(ctx context.Context, database, sql string) (string, error) {
	in := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &types.QueryExecutionContext{
			Catalog:  aws.String(e.cfg.Catalog),
			Database: aws.String(database),
		},
	}
	if e.cfg.Workgroup != "" {
		in.WorkGroup = aws.String(e.cfg.Workgroup)
	}
	if e.cfg.OutputLocation != "" {
		in.ResultConfiguration = &types.ResultConfiguration{OutputLocation: aws.String(e.cfg.OutputLocation)}
	}

	out, err := e.api.StartQueryExecution(ctx, in)
	if err != nil {
		return "", fmt.Errorf("start query execution: %w", err)
	}
	id := aws.ToString(out.QueryExecutionId)
	e.logger.Debug("query started", "query_execution_id", id, "database", database)

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		status, err := e.api.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(id)})
		if err != nil {
			return id, fmt.Errorf("get query execution %s: %w", id, err)
		}
		if status.QueryExecution != nil && status.QueryExecution.Status != nil {
			st := status.QueryExecution.Status
			switch st.State {
			case types.QueryExecutionStateSucceeded:
				return id, nil
			case types.QueryExecutionStateFailed, types.QueryExecutionStateCancelled:
				return id, fmt.Errorf("query %s %s: %s", id, strings.ToLower(string(st.State)), aws.ToString(st.StateChangeReason))
			}
		}
		select {
		case <-ctx.Done():
			return id, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RegisterPartition creates the external parquet table if needed and adds the partition.
func (e *Engine) RegisterPartition(ctx context.Context, reg engine.PartitionRegistration) error {
	if err := e.Execute(ctx, reg.Database, CreateTableSQL(reg)); err != nil {
		return fmt.Errorf("create table %s.%s: %w", reg.Database, reg.Table, err)
	}
	if err := e.Execute(ctx, reg.Database, AddPartitionSQL(reg)); err != nil {
		return fmt.Errorf("add partition %s=%s to %s.%s: %w", reg.PartitionKey, reg.Partition, reg.Database, reg.Table, err)
	}
	return nil
}

// CreateTableSQL renders the external table DDL for a raw table.
func CreateTableSQL(reg engine.PartitionRegistration) string {
	cols := make([]string, 0, len(reg.Columns))
	for _, c := range reg.Columns {
		if c.Name == reg.PartitionKey {
			continue
		}
		cols = append(cols, fmt.Sprintf("`%s` %s", c.Name, c.Type))
	}
	return fmt.Sprintf(
		"CREATE EXTERNAL TABLE IF NOT EXISTS `%s`.`%s` (%s) PARTITIONED BY (`%s` string) STORED AS PARQUET LOCATION '%s'",
		reg.Database, reg.Table, strings.Join(cols, ", "), reg.PartitionKey, withSlash(reg.TableURI),
	)
}

// AddPartitionSQL renders the ALTER TABLE statement for one partition.
func AddPartitionSQL(reg engine.PartitionRegistration) string {
	return fmt.Sprintf(
		"ALTER TABLE `%s`.`%s` ADD IF NOT EXISTS PARTITION (%s = '%s') LOCATION '%s%s=%s/'",
		reg.Database, reg.Table, reg.PartitionKey, reg.Partition, withSlash(reg.TableURI), reg.PartitionKey, reg.Partition,
	)
}

func withSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func isHeader(r types.Row, columns []types.ColumnInfo) bool {
	if len(columns) == 0 || len(r.Data) != len(columns) {
		return false
	}
	for i, d := range r.Data {
		if aws.ToString(d.VarCharValue) != aws.ToString(columns[i].Name) {
			return false
		}
	}
	return true
}

func convertRow(r types.Row, columns []types.ColumnInfo) engine.Row {
	row := make(engine.Row, len(r.Data))
	for i, d := range r.Data {
		name := strconv.Itoa(i)
		typ := ""
		if i < len(columns) {
			name = aws.ToString(columns[i].Name)
			typ = aws.ToString(columns[i].Type)
		}
		row[name] = convertValue(d.VarCharValue, typ)
	}
	return row
}

func convertValue(v *string, typ string) any {
	if v == nil {
		return nil
	}
	s := *v
	switch strings.ToLower(typ) {
	case "bigint", "integer", "int", "smallint", "tinyint":
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	case "double", "float", "real":
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return s
}
