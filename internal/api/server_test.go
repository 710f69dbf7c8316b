package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

type stubTracker struct {
	mu      sync.Mutex
	items   map[string]*types.WorkItem
	created []string
	nextID  int
}

func (s *stubTracker) GetRoot(_ context.Context, id string) (*types.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *stubTracker) GetHierarchy(_ context.Context, rootID string) (*types.Hierarchy, error) {
	item, err := s.GetRoot(context.Background(), rootID)
	if err != nil {
		return nil, err
	}
	return &types.Hierarchy{Root: *item}, nil
}

func (s *stubTracker) ListByType(context.Context, types.RootType) ([]string, error) {
	return nil, nil
}

func (s *stubTracker) Create(_ context.Context, _ types.RootType, fields tracker.Fields, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("%d", 2000+s.nextID)
	s.created = append(s.created, fields.Title)
	return id, nil
}

func (s *stubTracker) Update(context.Context, string, tracker.Fields) error { return nil }

func (s *stubTracker) LinkParentChild(context.Context, string, string) error { return nil }

func (s *stubTracker) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[id]
	return ok, nil
}

type stubGen struct{ reply string }

func (g *stubGen) Chat(context.Context, string, string, float64, int) (string, error) {
	return g.reply, nil
}
func (g *stubGen) Model() string    { return "test-model" }
func (g *stubGen) Provider() string { return "test" }

const storiesReply = `{"stories":[{"heading":"User resets forgotten password","description":"As a user, I want to reset my password so that I can regain access.","acceptance_criteria":["reset email sent"]}]}`

type apiFixture struct {
	cfg       *config.Config
	tracker   *stubTracker
	scheduler *monitor.Scheduler
	server    *httptest.Server
}

func newAPIFixture(t *testing.T, mutate func(*config.Config)) *apiFixture {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.RootIDs = []string{"100"}
	if mutate != nil {
		mutate(cfg)
	}

	tr := &stubTracker{items: map[string]*types.WorkItem{
		"100": {
			ID: "100", Type: types.RootEpic, Title: "Account management",
			Description: "Users manage their own accounts end to end.", State: "New",
			LastModified: time.Now().UTC(),
		},
	}}
	gen := &stubGen{reply: storiesReply}

	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	led, err := ledger.Load(filepath.Join(dir, "monitor_state.json"), types.RootEpic, log)
	if err != nil {
		t.Fatalf("ledger.Load: %v", err)
	}
	acc := tokens.NewAccountant(filepath.Join(dir, "token_usage.json"), log)

	worker := monitor.NewWorker(tr, gen, store, led, acc, log, monitor.WorkerOptions{
		RequirementType: types.RootEpic,
		UserStoryType:   types.RootStory,
		TestCaseType:    types.RootTestCase,
		RetryAttempts:   1,
		RetryDelay:      time.Millisecond,
		Version:         "test",
	})
	sched := monitor.NewScheduler(cfg, tr, worker, store, led, acc,
		monitor.NewNotifier("", log), log, "test")

	apiSrv := NewServer(ServerConfig{
		Scheduler:  sched,
		Worker:     worker,
		Config:     cfg,
		Accountant: acc,
		Log:        log,
		Version:    "test",
	})
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	return &apiFixture{cfg: cfg, tracker: tr, scheduler: sched, server: srv}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+path, rdr)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return resp.StatusCode, payload
}

func errField(t *testing.T, payload map[string]any, key string) string {
	t.Helper()
	e, ok := payload["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", payload)
	}
	v, _ := e[key].(string)
	return v
}

func TestHealth(t *testing.T) {
	fx := newAPIFixture(t, nil)
	status, payload := fx.do(t, http.MethodGet, "/health", "")
	if status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
}

func TestMonitorLifecycle(t *testing.T) {
	fx := newAPIFixture(t, nil)

	status, payload := fx.do(t, http.MethodGet, "/api/v1/monitor/status", "")
	if status != http.StatusOK || payload["running"] != false {
		t.Fatalf("status=%d payload=%v", status, payload)
	}

	status, _ = fx.do(t, http.MethodPost, "/api/v1/monitor/start", "")
	if status != http.StatusOK {
		t.Fatalf("start status=%d", status)
	}
	// Starting twice conflicts.
	status, payload = fx.do(t, http.MethodPost, "/api/v1/monitor/start", "")
	if status != http.StatusConflict || errField(t, payload, "kind") != "conflict" {
		t.Fatalf("second start status=%d payload=%v", status, payload)
	}

	status, _ = fx.do(t, http.MethodPost, "/api/v1/monitor/stop", "")
	if status != http.StatusOK {
		t.Fatalf("stop status=%d", status)
	}
	if fx.scheduler.Running() {
		t.Error("scheduler still running after stop")
	}
}

func TestUnknownRootErrorShape(t *testing.T) {
	fx := newAPIFixture(t, nil)
	status, payload := fx.do(t, http.MethodGet, "/api/v1/roots/999", "")
	if status != http.StatusNotFound {
		t.Fatalf("status=%d", status)
	}
	if errField(t, payload, "kind") != "not_found" || errField(t, payload, "root_id") != "999" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestForceReextractForbiddenWithoutOverride(t *testing.T) {
	fx := newAPIFixture(t, nil)
	status, payload := fx.do(t, http.MethodPost, "/api/v1/roots/100/force-reextract", "")
	if status != http.StatusForbidden {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	if errField(t, payload, "kind") != "forbidden" || errField(t, payload, "hint") == "" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestForceReextractRuns(t *testing.T) {
	fx := newAPIFixture(t, func(c *config.Config) {
		c.ManualOverrideEnabled = true
	})
	status, payload := fx.do(t, http.MethodPost, "/api/v1/roots/100/force-reextract", "")
	if status != http.StatusOK {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	if payload["stories_extracted"] != true {
		t.Fatalf("payload=%v", payload)
	}
}

func TestExtractStoriesPreview(t *testing.T) {
	fx := newAPIFixture(t, nil)
	status, payload := fx.do(t, http.MethodPost, "/api/v1/requirements/100/stories", "")
	if status != http.StatusOK {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	stories, ok := payload["stories"].([]any)
	if !ok || len(stories) != 1 {
		t.Fatalf("stories=%v", payload["stories"])
	}
	// Preview must not create anything in the tracker.
	fx.tracker.mu.Lock()
	created := len(fx.tracker.created)
	fx.tracker.mu.Unlock()
	if created != 0 {
		t.Errorf("preview created %d items", created)
	}
}

func TestUploadProvidedTestCases(t *testing.T) {
	fx := newAPIFixture(t, nil)
	body := `{"test_cases":[{"title":"Login rejected","test_steps":["try bad password"],"expected_result":"error shown"}]}`
	status, payload := fx.do(t, http.MethodPost, "/api/v1/stories/100/test-cases/upload", body)
	if status != http.StatusOK {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	created, ok := payload["created"].([]any)
	if !ok || len(created) != 1 {
		t.Fatalf("created=%v", payload["created"])
	}
}

func TestConfigUpdateRedactsSecrets(t *testing.T) {
	fx := newAPIFixture(t, nil)
	body := `{"change_significance_threshold":0.5,"tracker_personal_access_token":"s3cret"}`
	status, payload := fx.do(t, http.MethodPut, "/api/v1/config", body)
	if status != http.StatusOK {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	if payload["change_significance_threshold"] != 0.5 {
		t.Errorf("threshold not applied: %v", payload)
	}
	if payload["tracker_configured"] != true {
		t.Errorf("payload=%v", payload)
	}
	for k, v := range payload {
		if s, ok := v.(string); ok && s == "s3cret" {
			t.Errorf("secret echoed back in %q", k)
		}
	}
	if fx.cfg.Tracker.PersonalAccessToken != "s3cret" {
		t.Error("secret not applied to config")
	}
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	fx := newAPIFixture(t, nil)
	status, payload := fx.do(t, http.MethodPut, "/api/v1/config", `{"change_significance_threshold":7}`)
	if status != http.StatusBadRequest {
		t.Fatalf("status=%d payload=%v", status, payload)
	}
	if errField(t, payload, "kind") != "bad_request" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestTokenEndpoints(t *testing.T) {
	fx := newAPIFixture(t, nil)

	// Generate one accounted call first.
	if status, _ := fx.do(t, http.MethodPost, "/api/v1/requirements/100/stories", ""); status != http.StatusOK {
		t.Fatal("preview failed")
	}

	status, payload := fx.do(t, http.MethodGet, "/api/v1/tokens/dashboard", "")
	if status != http.StatusOK {
		t.Fatalf("dashboard status=%d", status)
	}
	stats, ok := payload["stats"].(map[string]any)
	if !ok || stats["total_calls"].(float64) != 1 {
		t.Fatalf("payload=%v", payload)
	}

	status, _ = fx.do(t, http.MethodPost, "/api/v1/tokens/clear", "")
	if status != http.StatusOK {
		t.Fatalf("clear status=%d", status)
	}
	_, payload = fx.do(t, http.MethodGet, "/api/v1/tokens/dashboard", "")
	stats = payload["stats"].(map[string]any)
	if stats["total_calls"].(float64) != 0 {
		t.Errorf("stats after clear = %v", stats)
	}
}
