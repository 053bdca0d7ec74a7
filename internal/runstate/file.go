package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type fileState struct {
	Values    map[string]string `json:"values"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// FileStore keeps run state in a JSON file, replaced atomically on write.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates the parent directory of path if needed.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create run state directory %s: %w", dir, err)
		}
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read run state file: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse run state file: %w", err)
	}
	if st.Values == nil {
		st.Values = map[string]string{}
	}
	return st.Values, nil
}

func (s *FileStore) write(values map[string]string) error {
	data, err := json.MarshalIndent(fileState{Values: values, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write run state temp file: %w", err)
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename run state file: %w", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context) (Range, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return Range{}, false, err
	}
	return decode(values)
}

func (s *FileStore) Save(ctx context.Context, rng Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range encode(rng) {
		values[k] = v
	}
	return s.write(values)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	delete(values, KeyStart)
	delete(values, KeyEnd)
	delete(values, KeySource)
	return s.write(values)
}

func (s *FileStore) Close() error { return nil }
