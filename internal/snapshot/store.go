package snapshot

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/epicforge/storysync/internal/utils"
)

// Store reads and writes per-root snapshot files under one directory.
// File naming: epic_<id>.json regardless of the actual root type, for
// compatibility with state written by earlier versions.
type Store struct {
	dir string
	log *slog.Logger
}

// NewStore creates the directory if needed.
func NewStore(dir string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("snapshot dir %s: %w", dir, err)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "epic_"+id+".json")
}

// Load returns the stored snapshot for id, or (nil, nil) when none exists.
// A corrupt file degrades to "no previous snapshot" and is logged, so one
// bad write can never wedge a root.
func (s *Store) Load(id string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		s.log.Warn("snapshot file corrupt, treating as absent", "root_id", id, "error", err)
		return nil, nil
	}
	return &snap, nil
}

// Save writes the snapshot for id atomically.
func (s *Store) Save(id string, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", id, err)
	}
	if err := utils.WriteFileAtomic(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("write snapshot %s: %w", id, err)
	}
	return nil
}

// Delete removes the snapshot for id. Missing files are not an error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

// List returns the root IDs that have a snapshot on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "epic_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, "epic_"), ".json"))
	}
	return ids, nil
}
