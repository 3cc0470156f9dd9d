package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps a snapshot as a single JSON document. Writes go to a
// temporary file in the same directory and are renamed into place, so a
// reader never observes a partially written snapshot.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load decodes the snapshot into v.
func (s *FileStore) Load(v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	return true, nil
}

// Save atomically overwrites the snapshot with v.
func (s *FileStore) Save(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// MemoryStore keeps the encoded snapshot in memory. Useful in tests and for
// callers that do not want anything on disk.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
	// Saves counts successful Save calls.
	Saves int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved snapshot into v.
func (s *MemoryStore) Load(v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return false, nil
	}
	if err := json.Unmarshal(s.data, v); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}

// Save encodes v and keeps it.
func (s *MemoryStore) Save(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	s.Saves++
	return nil
}
