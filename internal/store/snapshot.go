// Package store persists registry state as JSON snapshots on disk.
//
// Each registry owns one file. Writes go through a temp file and an
// atomic rename so a crash mid-write never leaves a torn snapshot.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Snapshot reads and writes one registry's JSON file.
//
// The canonical on-disk shape is an object keyed by the entity list:
//
//	{"<listKey>": [...], "last_updated": "...", "active_count": N}
//
// Load also accepts a bare top-level list, which older snapshots used,
// and treats a missing or empty file as an empty registry.
type Snapshot[T any] struct {
	path    string
	listKey string
}

// NewSnapshot returns a snapshot store backed by the given file path.
// listKey names the entity array in the canonical object shape.
func NewSnapshot[T any](path, listKey string) *Snapshot[T] {
	return &Snapshot[T]{path: path, listKey: listKey}
}

// Path returns the backing file path.
func (s *Snapshot[T]) Path() string {
	return s.path
}

// Load reads the snapshot. A missing or empty file yields an empty slice.
func (s *Snapshot[T]) Load() ([]T, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(data, &envelope); err == nil {
		raw, ok := envelope[s.listKey]
		if !ok {
			return nil, nil
		}
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", s.path, err)
		}
		return items, nil
	}

	// Legacy shape: the file is the list itself.
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", s.path, err)
	}
	return items, nil
}

// Save writes the canonical snapshot shape atomically.
func (s *Snapshot[T]) Save(items []T, activeCount int) error {
	if items == nil {
		items = []T{}
	}
	envelope := map[string]any{
		s.listKey:      items,
		"last_updated": time.Now().UTC().Format(time.RFC3339),
		"active_count": activeCount,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot %s: %w", s.path, err)
	}
	return nil
}
