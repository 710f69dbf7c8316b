// Package ledger tracks which roots have been fully processed at least
// once, keyed by root type, plus per-root change-extraction statistics.
// One JSON file, rewritten whole on every change under a mutex.
package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/epicforge/storysync/internal/types"
	"github.com/epicforge/storysync/internal/utils"
)

// ChangeStats is the per-root extraction bookkeeping persisted alongside
// the processed-ID sets.
type ChangeStats struct {
	ChangeExtractionCount  int        `json:"change_extraction_count"`
	LastSignificantChange  *time.Time `json:"last_significant_change,omitempty"`
	LastChangeSignificance float64    `json:"last_change_significance"`
}

type fileFormat struct {
	ProcessedItemsByType   map[string][]string     `json:"processed_items_by_type"`
	CurrentRequirementType string                  `json:"current_requirement_type"`
	LastUpdated            time.Time               `json:"last_updated"`
	ChangeExtractionStats  map[string]*ChangeStats `json:"change_extraction_stats,omitempty"`

	// Legacy shape written by the first monitor version.
	ProcessedEpics []string `json:"processed_epics,omitempty"`
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu    sync.Mutex
	path  string
	log   *slog.Logger
	items map[types.RootType]map[string]struct{}
	stats map[string]*ChangeStats

	currentType types.RootType
}

// Load reads the ledger file at path, migrating the legacy flat
// processed_epics list into the Epic set. A missing file yields an empty
// ledger. The migrated shape is written back on the first change, not here.
func Load(path string, currentType types.RootType, log *slog.Logger) (*Ledger, error) {
	l := &Ledger{
		path:        path,
		log:         log,
		items:       make(map[types.RootType]map[string]struct{}),
		stats:       make(map[string]*ChangeStats),
		currentType: currentType,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse ledger: %w", err)
	}

	for typ, ids := range ff.ProcessedItemsByType {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		l.items[types.RootType(typ)] = set
	}

	// Legacy migration: flat list becomes the Epic set. Entries already
	// present under Epic win; the union is kept.
	if len(ff.ProcessedEpics) > 0 {
		set := l.items[types.RootEpic]
		if set == nil {
			set = make(map[string]struct{}, len(ff.ProcessedEpics))
			l.items[types.RootEpic] = set
		}
		for _, id := range ff.ProcessedEpics {
			set[id] = struct{}{}
		}
		log.Info("migrated legacy ledger", "entries", len(ff.ProcessedEpics))
	}

	if ff.ChangeExtractionStats != nil {
		l.stats = ff.ChangeExtractionStats
	}

	// A type switch in config is only noted; sets recorded under the old
	// type stay in the file.
	if prev := types.RootType(ff.CurrentRequirementType); prev != "" && prev != currentType {
		log.Info("requirement type changed", "from", prev, "to", currentType)
	}
	return l, nil
}

// Contains reports whether id is recorded under typ.
func (l *Ledger) Contains(typ types.RootType, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.items[typ][id]
	return ok
}

// Add records id under typ and persists. Adding an existing entry is a
// no-op without a write.
func (l *Ledger) Add(typ types.RootType, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.items[typ]
	if set == nil {
		set = make(map[string]struct{})
		l.items[typ] = set
	}
	if _, ok := set[id]; ok {
		return nil
	}
	set[id] = struct{}{}
	return l.persistLocked()
}

// Remove deletes id from typ's set and drops its change stats.
func (l *Ledger) Remove(typ types.RootType, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	set := l.items[typ]
	if set == nil {
		return nil
	}
	if _, ok := set[id]; !ok {
		return nil
	}
	delete(set, id)
	delete(l.stats, id)
	return l.persistLocked()
}

// For returns a sorted copy of the IDs recorded under typ.
func (l *Ledger) For(typ types.RootType) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.items[typ]))
	for id := range l.items[typ] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns a copy of the change stats for id, or a zero value.
func (l *Ledger) Stats(id string) ChangeStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stats[id]; ok {
		return *s
	}
	return ChangeStats{}
}

// RecordChange increments the change-extraction counter for id and stores
// the observed significance. Used only for change-based syncs, never the
// initial one.
func (l *Ledger) RecordChange(id string, significance float64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.stats[id]
	if s == nil {
		s = &ChangeStats{}
		l.stats[id] = s
	}
	s.ChangeExtractionCount++
	s.LastChangeSignificance = significance
	t := at
	s.LastSignificantChange = &t
	return l.persistLocked()
}

// setCurrentType updates the monitored requirement type. Entries recorded
// under other types are retained.
func (l *Ledger) setCurrentType(typ types.RootType) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentType == typ {
		return nil
	}
	l.currentType = typ
	return l.persistLocked()
}

// Counts returns the number of processed IDs per type.
func (l *Ledger) Counts() map[types.RootType]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[types.RootType]int, len(l.items))
	for typ, set := range l.items {
		out[typ] = len(set)
	}
	return out
}

func (l *Ledger) persistLocked() error {
	ff := fileFormat{
		ProcessedItemsByType:   make(map[string][]string, len(l.items)),
		CurrentRequirementType: string(l.currentType),
		LastUpdated:            time.Now().UTC(),
		ChangeExtractionStats:  l.stats,
	}
	for typ, set := range l.items {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		ff.ProcessedItemsByType[string(typ)] = ids
	}

	data, err := json.MarshalIndent(&ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := utils.WriteFileAtomic(l.path, data, 0o644); err != nil {
		l.log.Error("ledger write failed, in-memory state retained", "error", err)
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}
