package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Store persists snapshots as JSON files under a directory, one file per
// observation, named by timestamp so lexicographic order is time order.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save writes the snapshot and returns the path of the file written.
func (s *Store) Save(snap *Snapshot) (string, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", fmt.Errorf("create metrics dir: %w", err)
	}

	name := snap.Timestamp.UTC().Format("20060102T150405.000000000Z") + ".json"
	path := filepath.Join(s.dir, name)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

// Load reads a snapshot from the given path.
func (s *Store) Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	return &snap, nil
}

// Latest returns the most recent snapshot, or os.ErrNotExist if the store
// is empty.
func (s *Store) Latest() (*Snapshot, string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", os.ErrNotExist
		}
		return nil, "", fmt.Errorf("read metrics dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, "", os.ErrNotExist
	}
	sort.Strings(names)

	path := filepath.Join(s.dir, names[len(names)-1])
	snap, err := s.Load(path)
	if err != nil {
		return nil, "", err
	}
	return snap, path, nil
}
