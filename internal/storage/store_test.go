package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRef() PartitionRef {
	return PartitionRef{
		DataSource:    "ethereum",
		Table:         "ethereum_blocks",
		DatePartition: "2024-03",
		StartBlock:    19000000,
		EndBlock:      19000999,
	}
}

func TestPartitionRefPaths(t *testing.T) {
	ref := testRef()
	assert.Equal(t, "raw/ethereum/ethereum_blocks", ref.TableDir(""))
	assert.Equal(t, "lake/raw/ethereum/ethereum_blocks/date_partition=2024-03/part-19000000-19000999.parquet", ref.Path("lake/"))
	assert.Equal(t, "raw/ethereum/ethereum_blocks/date_partition=2024-03/_manifest-19000000-19000999.json", ref.ManifestPath(""))

	ref.Batch = "since20240301000000000"
	assert.Equal(t, "raw/ethereum/ethereum_blocks/date_partition=2024-03/part-19000000-19000999-since20240301000000000.parquet", ref.Path(""))
	assert.Equal(t, "raw/ethereum/ethereum_blocks/date_partition=2024-03/_manifest-19000000-19000999-since20240301000000000.json", ref.ManifestPath(""))
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	ref := testRef()

	ok, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, ok)

	data := []byte("PAR1 test payload PAR1")
	require.NoError(t, store.WriteParquet(ctx, ref, data))
	// rewrites of the same range overwrite in place
	require.NoError(t, store.WriteParquet(ctx, ref, data))
	require.NoError(t, store.WriteManifest(ctx, ref, &Manifest{
		Table:     ref.Table,
		File:      "part-19000000-19000999.parquet",
		RowCount:  1000,
		ByteSize:  int64(len(data)),
		Producer:  ProducerInfo{Name: "eth-lakehouse", Version: "test"},
		CreatedAt: time.Now().UTC(),
	}))

	ok, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := store.Head(ctx, ref.Path(store.Prefix()))
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)

	_, err = store.Head(ctx, "raw/ethereum/nope.parquet")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := store.List(ctx, ref.TableDir(store.Prefix()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ref.Path(store.Prefix()), ref.ManifestPath(store.Prefix())}, keys)
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	require.NoError(t, err)
	exerciseStore(t, store)

	raw, err := os.ReadFile(filepath.Join(dir, testRef().ManifestPath("")))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, int64(1000), m.RowCount)
	assert.Equal(t, filepath.Join(dir, "raw/ethereum/ethereum_blocks"), store.URI(testRef().TableDir("")))
}

func TestBlobStore(t *testing.T) {
	store, err := New(context.Background(), Config{Backend: "mem", Prefix: "lake/"})
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "ftp"})
	assert.Error(t, err)
	_, err = New(context.Background(), Config{Backend: "s3"})
	assert.Error(t, err)
}

func TestS3URI(t *testing.T) {
	s := &BlobStore{baseURI: "s3://lake"}
	assert.Equal(t, "s3://lake/raw/ethereum/ethereum_blocks", s.URI("raw/ethereum/ethereum_blocks"))
}
