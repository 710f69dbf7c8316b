// Package storysync provides a minimal public API for embedding the sync
// engine in custom orchestration.
//
// Most integrations should use the HTTP control surface or the MCP
// server. This package exports only the essential types and constructors
// for Go programs that want to drive extraction programmatically.
package storysync

import (
	"time"

	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/tracker/azuredevops"
	"github.com/epicforge/storysync/internal/types"
)

// Core types for working with requirements and generated artifacts.
type (
	WorkItem      = types.WorkItem
	ProposedStory = types.ProposedStory
	TestCase      = types.TestCase
	SyncResult    = types.SyncResult
	RootType      = types.RootType
)

// Root type constants.
const (
	TypeEpic     = types.RootEpic
	TypeFeature  = types.RootFeature
	TypeStory    = types.RootStory
	TypeTestCase = types.RootTestCase
)

// Tracker is the minimal interface for work-item tracker access.
type Tracker = tracker.Tracker

// Sentinel errors surfaced by tracker adapters.
var (
	ErrNotFound    = tracker.ErrNotFound
	ErrUnavailable = tracker.ErrUnavailable
)

// NewAzureDevOpsTracker connects to an Azure DevOps organization for
// programmatic work-item access.
func NewAzureDevOpsTracker(organizationURL, project, pat string) Tracker {
	return azuredevops.New(organizationURL, project, pat, "", 30*time.Second)
}
