// Package enginetest provides a testify mock of engine.Engine.
package enginetest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/withObsrvr/eth-lakehouse-ingester/internal/engine"
)

type Mock struct {
	mock.Mock
	D engine.Dialect
}

var _ engine.Engine = (*Mock)(nil)

func (m *Mock) TableExists(ctx context.Context, database, table string) (bool, error) {
	args := m.Called(ctx, database, table)
	return args.Bool(0), args.Error(1)
}

func (m *Mock) Execute(ctx context.Context, database, sql string) error {
	return m.Called(ctx, database, sql).Error(0)
}

func (m *Mock) Query(ctx context.Context, database, sql string) ([]engine.Row, error) {
	args := m.Called(ctx, database, sql)
	rows, _ := args.Get(0).([]engine.Row)
	return rows, args.Error(1)
}

func (m *Mock) RegisterPartition(ctx context.Context, reg engine.PartitionRegistration) error {
	return m.Called(ctx, reg).Error(0)
}

func (m *Mock) Dialect() engine.Dialect {
	if m.D == "" {
		return engine.DialectAthena
	}
	return m.D
}

func (m *Mock) Close() error { return nil }
