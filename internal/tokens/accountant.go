package tokens

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/epicforge/storysync/internal/utils"
)

const (
	// maxRecords is the ring buffer capacity persisted to disk.
	maxRecords = 1000
	// persistEvery batches disk writes: one write per this many records.
	persistEvery = 10
)

// Accountant records generator-call token usage. All mutations happen
// under one lock; readers see a consistent view under the same lock.
type Accountant struct {
	mu      sync.Mutex
	path    string
	log     *slog.Logger
	records []Record
	stats   Stats
	pending int
}

type storeFormat struct {
	Records     []Record  `json:"records"`
	Stats       Stats     `json:"stats"`
	LastUpdated time.Time `json:"last_updated"`
}

// NewAccountant loads prior state from path when present. A corrupt or
// missing store starts empty; accounting is best-effort by design.
func NewAccountant(path string, log *slog.Logger) *Accountant {
	a := &Accountant{path: path, log: log}

	data, err := os.ReadFile(path)
	if err != nil {
		return a
	}
	var sf storeFormat
	if err := json.Unmarshal(data, &sf); err != nil {
		log.Warn("token store corrupt, starting fresh", "path", path, "error", err)
		return a
	}
	a.records = sf.Records
	a.stats = sf.Stats
	if len(a.records) > maxRecords {
		a.records = a.records[len(a.records)-maxRecords:]
	}
	return a
}

// RecordCall accounts one generator call and returns the record. Every
// tenth record triggers a persist; call Flush on shutdown for the rest.
func (a *Accountant) RecordCall(callType CallType, promptText, responseText string,
	compact bool, model, provider string, success bool, errMsg, attrID, attrTitle string) Record {

	rec := newRecord(callType, promptText, responseText, compact,
		model, provider, success, errMsg, attrID, attrTitle)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, rec)
	if len(a.records) > maxRecords {
		a.records = a.records[len(a.records)-maxRecords:]
	}

	a.stats.TotalCalls++
	if success {
		a.stats.SuccessfulCalls++
	} else {
		a.stats.FailedCalls++
	}
	if compact {
		a.stats.CompactCalls++
	}
	a.stats.PromptTokens += rec.PromptTokens
	a.stats.CompletionTokens += rec.CompletionTokens
	a.stats.TotalTokens += rec.TotalTokens
	a.stats.TokensSaved += rec.TokensSaved
	a.stats.EstimatedCostUSD += Cost(model, rec.PromptTokens, rec.CompletionTokens)

	a.pending++
	if a.pending >= persistEvery {
		a.persistLocked()
	}
	return rec
}

// Stats returns a copy of the aggregates.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Recent returns up to n most recent records, newest last.
func (a *Accountant) Recent(n int) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || n > len(a.records) {
		n = len(a.records)
	}
	out := make([]Record, n)
	copy(out, a.records[len(a.records)-n:])
	return out
}

// Clear drops all records and aggregates and persists the empty state.
func (a *Accountant) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = nil
	a.stats = Stats{}
	return a.flushLocked()
}

// Flush persists current state regardless of the batch counter.
func (a *Accountant) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked()
}

func (a *Accountant) flushLocked() error {
	sf := storeFormat{
		Records:     a.records,
		Stats:       a.stats,
		LastUpdated: time.Now().UTC(),
	}
	if sf.Records == nil {
		sf.Records = []Record{}
	}
	data, err := json.MarshalIndent(&sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token store: %w", err)
	}
	if err := utils.WriteFileAtomic(a.path, data, 0o644); err != nil {
		return fmt.Errorf("write token store: %w", err)
	}
	a.pending = 0
	return nil
}

// persistLocked is flushLocked with errors demoted to logs: accounting
// must never fail a sync.
func (a *Accountant) persistLocked() {
	if err := a.flushLocked(); err != nil {
		a.log.Warn("token store persist failed", "error", err)
	}
}
