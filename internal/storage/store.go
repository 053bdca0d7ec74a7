// Package storage writes raw-layer parquet objects to local disk or a bucket.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Head for a missing key.
var ErrNotFound = errors.New("object not found")

// RawRoot is the first key segment of every raw-layer object.
const RawRoot = "raw"

// PartitionRef locates the parquet file of one table, date partition and
// block range. The key is deterministic so re-runs overwrite it.
type PartitionRef struct {
	DataSource    string // "ethereum"
	Table         string // "ethereum_blocks"
	DatePartition string // "2024-03"
	StartBlock    int64
	EndBlock      int64
	// Batch distinguishes files of one range whose rows do not derive from
	// the range itself, e.g. a token metadata fetch watermark.
	Batch string
}

// TableDir returns the table root, e.g. raw/ethereum/ethereum_blocks.
func (r PartitionRef) TableDir(prefix string) string {
	return fmt.Sprintf("%s%s/%s/%s", prefix, RawRoot, r.DataSource, r.Table)
}

// DirPath returns the partition directory.
func (r PartitionRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s/date_partition=%s", r.TableDir(prefix), r.DatePartition)
}

func (r PartitionRef) name() string {
	if r.Batch == "" {
		return fmt.Sprintf("%d-%d", r.StartBlock, r.EndBlock)
	}
	return fmt.Sprintf("%d-%d-%s", r.StartBlock, r.EndBlock, r.Batch)
}

// Path returns the parquet key.
func (r PartitionRef) Path(prefix string) string {
	return fmt.Sprintf("%s/part-%s.parquet", r.DirPath(prefix), r.name())
}

// ManifestPath returns the manifest key written next to the parquet file.
func (r PartitionRef) ManifestPath(prefix string) string {
	return fmt.Sprintf("%s/_manifest-%s.json", r.DirPath(prefix), r.name())
}

// Manifest describes one written parquet file.
type Manifest struct {
	Table         string       `json:"table"`
	DatePartition string       `json:"date_partition"`
	StartBlock    int64        `json:"start_block"`
	EndBlock      int64        `json:"end_block"`
	File          string       `json:"file"`
	Checksum      string       `json:"checksum"`
	RowCount      int64        `json:"row_count"`
	ByteSize      int64        `json:"byte_size"`
	SchemaVersion string       `json:"schema_version"`
	Producer      ProducerInfo `json:"producer"`
	CreatedAt     time.Time    `json:"created_at"`
}

type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // empty for local
	ModTime time.Time
}

// Store abstracts raw-layer object writes.
type Store interface {
	WriteParquet(ctx context.Context, ref PartitionRef, data []byte) error
	WriteManifest(ctx context.Context, ref PartitionRef, manifest *Manifest) error
	Exists(ctx context.Context, ref PartitionRef) (bool, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)

	// Prefix is the key prefix applied to every ref.
	Prefix() string
	// URI returns the location the query engine reads key from:
	// an absolute path for local, s3://bucket/key or gs://bucket/key otherwise.
	URI(key string) string
	Close() error
}

type Config struct {
	Backend  string // "local" | "s3" | "gcs" | "mem"
	Bucket   string
	Prefix   string
	LocalDir string
	Region   string
	Endpoint string // custom S3 endpoint for MinIO/R2
}

// New creates a store for cfg.Backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return OpenS3(ctx, cfg.Bucket, cfg.Prefix, cfg.Endpoint, cfg.Region)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return OpenGCS(ctx, cfg.Bucket, cfg.Prefix)
	case "mem":
		return OpenBlob(ctx, "mem://", "mem://", cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
