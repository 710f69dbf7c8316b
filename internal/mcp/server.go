// Package mcp exposes the sync engine over the Model Context Protocol:
// ad-hoc extraction, work-item lookup and monitor control as MCP tools on
// a stdio transport.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
)

const serverName = "storysync"

// ServerDeps holds the collaborators the MCP tools call into.
type ServerDeps struct {
	Scheduler  *monitor.Scheduler
	Worker     *monitor.Worker
	Tracker    tracker.Tracker
	Accountant *tokens.Accountant
	Logger     *slog.Logger
	Version    string
}

// Server wraps the MCP SDK server with the storysync tool set.
type Server struct {
	inner *mcpsdk.Server
	deps  ServerDeps
}

// NewServer creates the MCP server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	s := &Server{
		inner: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    serverName,
			Version: deps.Version,
		}, opts),
		deps: deps,
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is canceled or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	if err := s.inner.Run(ctx, &mcpsdk.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

// RunWithTransport serves MCP on the given transport; used by tests.
func (s *Server) RunWithTransport(ctx context.Context, t mcpsdk.Transport) error {
	if err := s.inner.Run(ctx, t); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolExtractStories,
		Description: "Generate user stories from a requirement work item without creating them in the tracker.",
	}, s.handleExtractStories)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolExtractTestCases,
		Description: "Generate test cases for an existing user story, optionally uploading them to the tracker.",
	}, s.handleExtractTestCases)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolGetWorkItem,
		Description: "Fetch one work item from the tracker by ID.",
	}, s.handleGetWorkItem)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolMonitorStatus,
		Description: "Report the monitor's aggregate status: roots, sync counters and token usage.",
	}, s.handleMonitorStatus)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolForceCheck,
		Description: "Immediately evaluate a monitored root for changes; with reextract, sync it regardless of gating.",
	}, s.handleForceCheck)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolTokenDashboard,
		Description: "Report token usage aggregates: per call type, last 24 hours, and estimated cost.",
	}, s.handleTokenDashboard)
}
