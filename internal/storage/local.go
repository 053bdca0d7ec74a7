package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore writes objects under a base directory.
type LocalStore struct {
	baseDir string
	prefix  string
}

func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", abs, err)
	}
	return &LocalStore{baseDir: abs, prefix: prefix}, nil
}

// writeFile writes data to key via temp file + rename.
func (s *LocalStore) writeFile(key string, data []byte) error {
	path := filepath.Join(s.baseDir, key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}
	return nil
}

func (s *LocalStore) WriteParquet(ctx context.Context, ref PartitionRef, data []byte) error {
	return s.writeFile(ref.Path(s.prefix), data)
}

func (s *LocalStore) WriteManifest(ctx context.Context, ref PartitionRef, manifest *Manifest) error {
	data, err := manifest.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.writeFile(ref.ManifestPath(s.prefix), data)
}

func (s *LocalStore) Exists(ctx context.Context, ref PartitionRef) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, ref.Path(s.prefix)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *LocalStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	fi, err := os.Stat(filepath.Join(s.baseDir, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("stat %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// List returns every file key under prefix, skipping temp files.
func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.baseDir, prefix)
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *LocalStore) Prefix() string { return s.prefix }

func (s *LocalStore) URI(key string) string {
	return filepath.Join(s.baseDir, key)
}

func (s *LocalStore) Close() error { return nil }

var _ Store = (*LocalStore)(nil)
