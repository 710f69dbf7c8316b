package mcp_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/mcp"
	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

type stubTracker struct {
	items map[string]*types.WorkItem
}

func (s *stubTracker) GetRoot(_ context.Context, id string) (*types.WorkItem, error) {
	item, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	cp := *item
	return &cp, nil
}

func (s *stubTracker) GetChildren(context.Context, string) ([]types.ExistingChild, error) {
	return nil, nil
}

func (s *stubTracker) GetHierarchy(context.Context, string) (*types.Hierarchy, error) {
	return nil, nil
}

func (s *stubTracker) ListByType(context.Context, types.RootType) ([]string, error) {
	return nil, nil
}

func (s *stubTracker) Create(context.Context, types.RootType, tracker.Fields, string) (string, error) {
	return "2001", nil
}

func (s *stubTracker) Update(context.Context, string, tracker.Fields) error { return nil }

func (s *stubTracker) LinkParentChild(context.Context, string, string) error { return nil }

func (s *stubTracker) Exists(_ context.Context, id string) (bool, error) {
	_, ok := s.items[id]
	return ok, nil
}

type stubGen struct{ reply string }

func (g *stubGen) Chat(context.Context, string, string, float64, int) (string, error) {
	return g.reply, nil
}
func (g *stubGen) Model() string    { return "test-model" }
func (g *stubGen) Provider() string { return "test" }

func newTestServer(t *testing.T) *mcp.Server {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	tr := &stubTracker{items: map[string]*types.WorkItem{
		"100": {
			ID: "100", Type: types.RootEpic, Title: "Account management",
			Description: "Users manage their own accounts end to end.", State: "New",
			LastModified: time.Now().UTC(),
		},
	}}
	gen := &stubGen{reply: `{"stories":[{"heading":"User resets forgotten password","description":"As a user, I want to reset my password so that I can regain access.","acceptance_criteria":["reset email sent"]}]}`}

	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"), log)
	require.NoError(t, err)
	led, err := ledger.Load(filepath.Join(dir, "monitor_state.json"), types.RootEpic, log)
	require.NoError(t, err)
	acc := tokens.NewAccountant(filepath.Join(dir, "token_usage.json"), log)

	worker := monitor.NewWorker(tr, gen, store, led, acc, log, monitor.WorkerOptions{
		RequirementType: types.RootEpic,
		UserStoryType:   types.RootStory,
		TestCaseType:    types.RootTestCase,
		RetryAttempts:   1,
		RetryDelay:      time.Millisecond,
		Version:         "test",
	})
	sched := monitor.NewScheduler(config.Default(), tr, worker, store, led, acc,
		monitor.NewNotifier("", log), log, "test")

	return mcp.NewServer(mcp.ServerDeps{
		Scheduler:  sched,
		Worker:     worker,
		Tracker:    tr,
		Accountant: acc,
		Logger:     log,
		Version:    "test",
	})
}

type testSession struct {
	session *mcpsdk.ClientSession
	done    chan error
	cancel  context.CancelFunc
}

func connect(t *testing.T, srv *mcp.Server) (*testSession, context.Context) {
	t.Helper()
	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	done := make(chan error, 1)
	go func() {
		done <- srv.RunWithTransport(ctx, serverTransport)
	}()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		<-done
	})
	return &testSession{session: session, done: done, cancel: cancel}, ctx
}

func TestToolsListed(t *testing.T) {
	ts, ctx := connect(t, newTestServer(t))

	result, err := ts.session.ListTools(ctx, nil)
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		assert.NotNil(t, tool.InputSchema, "tool %s missing input schema", tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"extract_stories", "extract_test_cases", "get_work_item",
		"monitor_status", "force_check", "token_dashboard",
	}, names)
}

func TestCallExtractStories(t *testing.T) {
	ts, ctx := connect(t, newTestServer(t))

	result, err := ts.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "extract_stories",
		Arguments: map[string]any{"requirement_id": "100"},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "User resets forgotten password")
}

func TestCallGetWorkItemMissing(t *testing.T) {
	ts, ctx := connect(t, newTestServer(t))

	result, err := ts.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "get_work_item",
		Arguments: map[string]any{"id": "999"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCallMonitorStatus(t *testing.T) {
	ts, ctx := connect(t, newTestServer(t))

	result, err := ts.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "monitor_status",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text, ok := result.Content[0].(*mcpsdk.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"running": false`)
}

func TestCallForceCheckGated(t *testing.T) {
	ts, ctx := connect(t, newTestServer(t))

	// Manual override defaults off; the tool must refuse.
	result, err := ts.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "force_check",
		Arguments: map[string]any{"root_id": "100"},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
