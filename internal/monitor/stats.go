package monitor

import (
	"sort"
	"time"

	"github.com/epicforge/storysync/internal/tokens"
)

// Stats is the aggregate monitoring picture served by the control
// surface and the CLI status command.
type Stats struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastTick       *time.Time `json:"last_tick,omitempty"`
	MonitoredRoots int        `json:"monitored_roots"`
	InFlight       int        `json:"in_flight"`

	TotalSyncs       int `json:"total_syncs"`
	SuccessfulSyncs  int `json:"successful_syncs"`
	FailedSyncs      int `json:"failed_syncs"`
	StoriesCreated   int `json:"stories_created"`
	StoriesUpdated   int `json:"stories_updated"`
	TestCasesCreated int `json:"test_cases_created"`
	RootsRetired     int `json:"roots_retired"`

	ProcessedByType map[string]int `json:"processed_by_type"`
	Tokens          tokens.Stats   `json:"tokens"`
}

// Stats assembles a consistent snapshot of the scheduler's aggregates.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Running:          s.running,
		MonitoredRoots:   len(s.roots),
		InFlight:         len(s.inFlight),
		TotalSyncs:       s.counters.totalSyncs,
		SuccessfulSyncs:  s.counters.successfulSyncs,
		FailedSyncs:      s.counters.failedSyncs,
		StoriesCreated:   s.counters.storiesCreated,
		StoriesUpdated:   s.counters.storiesUpdated,
		TestCasesCreated: s.counters.testCasesCreated,
		RootsRetired:     s.counters.rootsRetired,
	}
	if !s.started.IsZero() {
		t := s.started
		st.StartedAt = &t
	}
	if !s.lastTick.IsZero() {
		t := s.lastTick
		st.LastTick = &t
	}
	s.mu.Unlock()

	st.ProcessedByType = make(map[string]int)
	for typ, n := range s.ledger.Counts() {
		st.ProcessedByType[string(typ)] = n
	}
	st.Tokens = s.accountant.Stats()
	return st
}

// HierarchyStatus is the cached per-root feature breakdown, refreshed by
// Scheduler.Hierarchy.
type HierarchyStatus struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	FeatureCount    int            `json:"feature_count"`
	TotalStoryCount int            `json:"total_story_count"`
	Features        []FeatureState `json:"features,omitempty"`
}

// HierarchyStatuses returns the cached hierarchy breakdown for every
// monitored root, sorted by ID.
func (s *Scheduler) HierarchyStatuses() []HierarchyStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HierarchyStatus, 0, len(s.roots))
	for _, st := range s.roots {
		out = append(out, HierarchyStatus{
			ID:              st.ID,
			Title:           st.Title,
			FeatureCount:    st.FeatureCount,
			TotalStoryCount: st.TotalStoryCount,
			Features:        append([]FeatureState(nil), st.Features...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortViews(views []RootView) {
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
}
