// Package types defines the value types shared across the sync engine:
// work items, proposed stories, test cases, and sync results. All types
// here are plain data; behavior lives in the packages that consume them.
package types

import "time"

// RootType identifies the kind of work item in the tracker hierarchy.
type RootType string

const (
	RootEpic     RootType = "Epic"
	RootFeature  RootType = "Feature"
	RootStory    RootType = "User Story"
	RootTask     RootType = "Task"
	RootTestCase RootType = "Test Case"
)

// ParseRootType normalizes a tracker type string into a RootType.
// Unknown strings pass through unchanged so custom tracker types keep working.
func ParseRootType(s string) RootType {
	switch s {
	case "Epic", "epic":
		return RootEpic
	case "Feature", "feature":
		return RootFeature
	case "User Story", "Story", "story":
		return RootStory
	case "Task", "task":
		return RootTask
	case "Test Case", "TestCase":
		return RootTestCase
	default:
		return RootType(s)
	}
}

// WorkItem is a tracker work item as seen by the engine. Fields not listed
// here are dropped at the adapter boundary.
type WorkItem struct {
	ID            string    `json:"id"`
	Type          RootType  `json:"type"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	State         string    `json:"state"`
	Priority      string    `json:"priority,omitempty"`
	AreaPath      string    `json:"area_path,omitempty"`
	IterationPath string    `json:"iteration_path,omitempty"`
	LastModified  time.Time `json:"last_modified"`
}

// ExistingChild is a child work item already present under a monitored root.
type ExistingChild struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	ParentID    string `json:"parent_id"`
}

// ProposedStory is one generated user story before reconciliation.
type ProposedStory struct {
	Heading              string   `json:"heading"`
	Description          string   `json:"description"`
	AcceptanceCriteria   []string `json:"acceptance_criteria"`
	Priority             string   `json:"priority,omitempty"`
	StoryPoints          int      `json:"story_points,omitempty"`
	TechnicalContext     string   `json:"technical_context,omitempty"`
	BusinessRequirements string   `json:"business_requirements,omitempty"`

	// Placeholder marks stories produced by the fallback text parser so
	// downstream metrics can exclude them.
	Placeholder bool `json:"placeholder,omitempty"`
}

// StoryUpdate pairs an existing child ID with the proposed content that
// should replace it.
type StoryUpdate struct {
	ID    string        `json:"id"`
	Story ProposedStory `json:"story"`
}

// TestType classifies a generated test case.
type TestType string

const (
	TestPositive    TestType = "positive"
	TestNegative    TestType = "negative"
	TestEdgeCase    TestType = "edge_case"
	TestSecurity    TestType = "security"
	TestPerformance TestType = "performance"
	TestIntegration TestType = "integration"
)

// TestCase is one generated test case to be created as a grand-child of a
// story. Steps are plain strings; tracker-specific step formatting is the
// adapter's job.
type TestCase struct {
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Type           TestType `json:"test_type"`
	Priority       string   `json:"priority"`
	Preconditions  []string `json:"preconditions,omitempty"`
	Steps          []string `json:"test_steps"`
	ExpectedResult string   `json:"expected_result"`
}

// FieldChange records one field's contribution to a significance score.
type FieldChange struct {
	Field        string  `json:"field"`
	Significance float64 `json:"significance"`
	Old          string  `json:"old"`
	New          string  `json:"new"`
}

// ChangeRecord is one significant-change observation kept in a root's
// bounded history.
type ChangeRecord struct {
	Timestamp         time.Time     `json:"timestamp"`
	TotalSignificance float64       `json:"total_significance"`
	Changes           []FieldChange `json:"changes"`
}

// SyncResult summarizes one worker run for one root.
type SyncResult struct {
	Success          bool      `json:"success"`
	Created          []string  `json:"created"`
	Updated          []string  `json:"updated"`
	Unchanged        []string  `json:"unchanged"`
	Orphaned         []string  `json:"orphaned,omitempty"`
	TestCasesCreated []string  `json:"test_cases_created,omitempty"`
	Error            string    `json:"error,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// FeatureNode is one feature under an epic with its child stories.
type FeatureNode struct {
	Item    WorkItem   `json:"item"`
	Stories []WorkItem `json:"stories"`
}

// Hierarchy is a root work item with its features and any stories linked
// directly under the root.
type Hierarchy struct {
	Root          WorkItem      `json:"root"`
	Features      []FeatureNode `json:"features"`
	DirectStories []WorkItem    `json:"direct_stories,omitempty"`
}

// StoryCount reports the total number of stories in the hierarchy,
// including those linked directly under the root.
func (h *Hierarchy) StoryCount() int {
	n := len(h.DirectStories)
	for _, f := range h.Features {
		n += len(f.Stories)
	}
	return n
}
