package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool name constants.
const (
	ToolExtractStories   = "extract_stories"
	ToolExtractTestCases = "extract_test_cases"
	ToolGetWorkItem      = "get_work_item"
	ToolMonitorStatus    = "monitor_status"
	ToolForceCheck       = "force_check"
	ToolTokenDashboard   = "token_dashboard"
)

// ErrMissingID indicates a required ID parameter was empty.
var ErrMissingID = errors.New("id parameter is required and must not be empty")

// ExtractStoriesInput is the input schema for extract_stories.
type ExtractStoriesInput struct {
	RequirementID string `json:"requirement_id" jsonschema:"tracker ID of the requirement to extract stories from"`
}

// ExtractTestCasesInput is the input schema for extract_test_cases.
type ExtractTestCasesInput struct {
	StoryID string `json:"story_id"         jsonschema:"tracker ID of the user story"`
	Upload  bool   `json:"upload,omitempty" jsonschema:"create the generated test cases in the tracker"`
}

// GetWorkItemInput is the input schema for get_work_item.
type GetWorkItemInput struct {
	ID string `json:"id" jsonschema:"tracker work item ID"`
}

// MonitorStatusInput is the (empty) input schema for monitor_status.
type MonitorStatusInput struct{}

// ForceCheckInput is the input schema for force_check.
type ForceCheckInput struct {
	RootID    string `json:"root_id"             jsonschema:"tracker ID of the monitored root"`
	Reextract bool   `json:"reextract,omitempty" jsonschema:"bypass change gating and sync unconditionally"`
}

// TokenDashboardInput is the (empty) input schema for token_dashboard.
type TokenDashboardInput struct{}

// ToolOutput is the structured result wrapper shared by all tools.
type ToolOutput struct {
	Data any `json:"data"`
}

func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult renders data both as structured output and as pretty JSON
// text for clients that only read content.
func jsonResult(data any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	text, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errorResult(err)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}, ToolOutput{Data: data}, nil
}

func (s *Server) handleExtractStories(ctx context.Context, _ *mcpsdk.CallToolRequest,
	input ExtractStoriesInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.RequirementID == "" {
		return errorResult(ErrMissingID)
	}
	stories, err := s.deps.Worker.PreviewStories(ctx, input.RequirementID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(map[string]any{
		"requirement_id": input.RequirementID,
		"stories":        stories,
	})
}

func (s *Server) handleExtractTestCases(ctx context.Context, _ *mcpsdk.CallToolRequest,
	input ExtractTestCasesInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.StoryID == "" {
		return errorResult(ErrMissingID)
	}
	cases, err := s.deps.Worker.PreviewTestCases(ctx, input.StoryID)
	if err != nil {
		return errorResult(err)
	}

	out := map[string]any{
		"story_id":   input.StoryID,
		"test_cases": cases,
	}
	if input.Upload {
		ids, err := s.deps.Worker.UploadTestCases(ctx, input.StoryID, cases)
		if err != nil {
			return errorResult(err)
		}
		out["created"] = ids
	}
	return jsonResult(out)
}

func (s *Server) handleGetWorkItem(ctx context.Context, _ *mcpsdk.CallToolRequest,
	input GetWorkItemInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.ID == "" {
		return errorResult(ErrMissingID)
	}
	item, err := s.deps.Tracker.GetRoot(ctx, input.ID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(item)
}

func (s *Server) handleMonitorStatus(_ context.Context, _ *mcpsdk.CallToolRequest,
	_ MonitorStatusInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return jsonResult(s.deps.Scheduler.Stats())
}

func (s *Server) handleForceCheck(ctx context.Context, _ *mcpsdk.CallToolRequest,
	input ForceCheckInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.RootID == "" {
		return errorResult(ErrMissingID)
	}
	var err error
	if input.Reextract {
		err = s.deps.Scheduler.ForceReextract(ctx, input.RootID)
	} else {
		err = s.deps.Scheduler.ForceCheck(ctx, input.RootID)
	}
	if err != nil {
		return errorResult(err)
	}
	view, _ := s.deps.Scheduler.Root(input.RootID)
	return jsonResult(view)
}

func (s *Server) handleTokenDashboard(_ context.Context, _ *mcpsdk.CallToolRequest,
	_ TokenDashboardInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return jsonResult(s.deps.Accountant.Dashboard())
}
