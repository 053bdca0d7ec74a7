package docstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToInt64(t *testing.T) {
	for _, v := range []any{int32(7), int64(7), 7, float64(7)} {
		n, err := ToInt64(v)
		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
	}
	n, err := ToInt64(nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = ToInt64("7")
	assert.Error(t, err)
}

// Runs against a real server when ETH_LAKEHOUSE_TEST_MONGO_URI is set.
func TestMongoRoundTrip(t *testing.T) {
	uri := os.Getenv("ETH_LAKEHOUSE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("ETH_LAKEHOUSE_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := Connect(ctx, uri, "features_db_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	defer func() {
		m.db.Drop(ctx)
		m.Close(ctx)
	}()

	mark, err := m.HighWaterMark(ctx, "wallet_features", "wallet_last_tx")
	require.NoError(t, err)
	assert.Zero(t, mark)

	docs := []Document{
		{"walletAddress": "0xaaa", "wallet_last_tx": int64(10)},
		{"walletAddress": "0xbbb", "wallet_last_tx": int64(12)},
	}
	n, err := m.Upsert(ctx, "wallet_features", "walletAddress", docs)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, m.SetHighWaterMark(ctx, "wallet_features", "wallet_last_tx", 12))
	mark, err = m.HighWaterMark(ctx, "wallet_features", "wallet_last_tx")
	require.NoError(t, err)
	assert.Equal(t, int64(12), mark)
}
