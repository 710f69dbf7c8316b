// Package tracker defines the contract the sync engine consumes for work
// item CRUD and hierarchy traversal. Concrete adapters live in
// subpackages; the engine never sees a raw tracker payload.
package tracker

import (
	"context"
	"errors"

	"github.com/epicforge/storysync/internal/types"
)

// ErrNotFound marks a work item the tracker reports as missing or
// inaccessible. The scheduler retires roots on this.
var ErrNotFound = errors.New("work item not found")

// ErrUnavailable marks transient tracker failures (network, 5xx). Workers
// retry on this.
var ErrUnavailable = errors.New("tracker unavailable")

// Fields is the tracker-agnostic content of a work item create or update.
// Adapters translate list fields (acceptance criteria, test steps) into
// whatever their tracker expects.
type Fields struct {
	Title              string
	Description        string
	Priority           string
	AcceptanceCriteria []string

	// Test-case specific. Steps are plain strings; step XML or similar
	// tracker formats are the adapter's concern.
	Preconditions  []string
	Steps          []string
	ExpectedResult string
}

// Tracker is the work-item tracker as the engine sees it.
type Tracker interface {
	// GetRoot fetches one work item. Missing items return ErrNotFound.
	GetRoot(ctx context.Context, id string) (*types.WorkItem, error)

	// GetChildren returns the direct children of id.
	GetChildren(ctx context.Context, id string) ([]types.ExistingChild, error)

	// GetHierarchy returns the root with its features and their stories.
	GetHierarchy(ctx context.Context, rootID string) (*types.Hierarchy, error)

	// ListByType returns the IDs of all items of the given type.
	ListByType(ctx context.Context, typ types.RootType) ([]string, error)

	// Create makes a new work item, optionally linked under parentID.
	// Returns the new item's ID.
	Create(ctx context.Context, typ types.RootType, fields Fields, parentID string) (string, error)

	// Update rewrites the given fields of an existing item.
	Update(ctx context.Context, id string, fields Fields) error

	// LinkParentChild adds a hierarchy link between two existing items.
	LinkParentChild(ctx context.Context, parentID, childID string) error

	// Exists reports whether id resolves. A definite "not found" is
	// (false, nil); transient failures return an error.
	Exists(ctx context.Context, id string) (bool, error)
}

// StoryFields flattens a proposed story into adapter fields.
func StoryFields(s types.ProposedStory) Fields {
	return Fields{
		Title:              s.Heading,
		Description:        s.Description,
		Priority:           s.Priority,
		AcceptanceCriteria: s.AcceptanceCriteria,
	}
}

// TestCaseFields flattens a test case into adapter fields.
func TestCaseFields(tc types.TestCase) Fields {
	return Fields{
		Title:          tc.Title,
		Description:    tc.Description,
		Priority:       tc.Priority,
		Preconditions:  tc.Preconditions,
		Steps:          tc.Steps,
		ExpectedResult: tc.ExpectedResult,
	}
}
