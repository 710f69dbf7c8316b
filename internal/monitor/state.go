// Package monitor contains the polling scheduler and the per-root sync
// worker: change detection, gating, dispatch to a bounded pool, and root
// lifecycle (discovery through retirement).
package monitor

import (
	"time"

	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/types"
)

// maxChangeHistory bounds the per-root change history ring.
const maxChangeHistory = 20

// FeatureState is the scheduler's view of one feature under an epic.
type FeatureState struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	State      string `json:"state"`
	StoryCount int    `json:"story_count"`
}

// RootState is the mutable per-root state owned by the scheduler
// goroutine. Workers never touch it; they report results over a channel
// and the scheduler applies them.
type RootState struct {
	ID                     string
	Title                  string
	State                  string
	LastSnapshot           *snapshot.Snapshot
	LastCheck              time.Time
	ConsecutiveErrors      int
	StoriesExtracted       bool
	ChangeExtractionCount  int
	LastSignificantChange  *time.Time
	LastChangeSignificance float64
	ChangeHistory          []types.ChangeRecord
	Features               []FeatureState
	FeatureCount           int
	TotalStoryCount        int
	ChildCount             int
	LastSyncResult         *types.SyncResult
}

// RecordChange appends to the bounded change history.
func (s *RootState) RecordChange(rec types.ChangeRecord) {
	s.ChangeHistory = append(s.ChangeHistory, rec)
	if len(s.ChangeHistory) > maxChangeHistory {
		s.ChangeHistory = s.ChangeHistory[len(s.ChangeHistory)-maxChangeHistory:]
	}
	s.LastChangeSignificance = rec.TotalSignificance
	t := rec.Timestamp
	s.LastSignificantChange = &t
}

// RootView is the read-only projection served by the control surface.
type RootView struct {
	ID                     string            `json:"id"`
	Title                  string            `json:"title"`
	State                  string            `json:"state"`
	ChildCount             int               `json:"child_count"`
	ConsecutiveErrors      int               `json:"error_count"`
	StoriesExtracted       bool              `json:"stories_extracted"`
	ChangeExtractionCount  int               `json:"change_extraction_count"`
	LastCheck              time.Time         `json:"last_check"`
	LastChangeSignificance float64           `json:"last_change_significance"`
	LastSyncResult         *types.SyncResult `json:"last_sync_result,omitempty"`
	InFlight               bool              `json:"in_flight"`
}

func (s *RootState) view(inFlight bool) RootView {
	return RootView{
		ID:                     s.ID,
		Title:                  s.Title,
		State:                  s.State,
		ChildCount:             s.ChildCount,
		ConsecutiveErrors:      s.ConsecutiveErrors,
		StoriesExtracted:       s.StoriesExtracted,
		ChangeExtractionCount:  s.ChangeExtractionCount,
		LastCheck:              s.LastCheck,
		LastChangeSignificance: s.LastChangeSignificance,
		LastSyncResult:         s.LastSyncResult,
		InFlight:               inFlight,
	}
}
