package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BlobStore writes objects to a gocloud bucket. Objects become visible only
// when their writer closes, so a failed write leaves nothing behind.
type BlobStore struct {
	bucket  *blob.Bucket
	baseURI string
	prefix  string
}

// OpenBlob opens bucketURL. baseURI is what URI prepends to keys.
func OpenBlob(ctx context.Context, bucketURL, baseURI, prefix string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return &BlobStore{bucket: bucket, baseURI: strings.TrimSuffix(baseURI, "/"), prefix: prefix}, nil
}

// OpenS3 works with AWS S3 and S3-compatible endpoints such as MinIO and R2.
func OpenS3(ctx context.Context, bucketName, prefix, endpoint, region string) (*BlobStore, error) {
	bucketURL := "s3://" + bucketName
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL += "?" + params.Encode()
	}
	return OpenBlob(ctx, bucketURL, "s3://"+bucketName, prefix)
}

func OpenGCS(ctx context.Context, bucketName, prefix string) (*BlobStore, error) {
	return OpenBlob(ctx, "gs://"+bucketName, "gs://"+bucketName, prefix)
}

func (s *BlobStore) put(ctx context.Context, key string, data []byte, contentType string) error {
	w, err := s.bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *BlobStore) WriteParquet(ctx context.Context, ref PartitionRef, data []byte) error {
	return s.put(ctx, ref.Path(s.prefix), data, "application/vnd.apache.parquet")
}

func (s *BlobStore) WriteManifest(ctx context.Context, ref PartitionRef, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.put(ctx, ref.ManifestPath(s.prefix), data, "application/json")
}

func (s *BlobStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	return s.bucket.Exists(ctx, ref.Path(s.prefix))
}

func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: attrs.Size, ETag: attrs.ETag, ModTime: attrs.ModTime}, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *BlobStore) Prefix() string { return s.prefix }

func (s *BlobStore) URI(key string) string {
	return s.baseURI + "/" + key
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

var _ Store = (*BlobStore)(nil)
