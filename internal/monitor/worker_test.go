package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/epicforge/storysync/internal/extractor"
	"github.com/epicforge/storysync/internal/generator"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

type createdItem struct {
	ID       string
	Type     types.RootType
	Fields   tracker.Fields
	ParentID string
}

// fakeTracker is an in-memory tracker for tests. Errors can be injected
// per method; injected child-fetch errors are consumed one per call.
type fakeTracker struct {
	mu           sync.Mutex
	items        map[string]*types.WorkItem
	children     map[string][]types.ExistingChild
	created      []createdItem
	nextID       int
	rootErrs     map[string]error
	childrenErrs []error
	createErr    error
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		items:    make(map[string]*types.WorkItem),
		children: make(map[string][]types.ExistingChild),
		rootErrs: make(map[string]error),
		nextID:   1000,
	}
}

func (f *fakeTracker) GetRoot(_ context.Context, id string) (*types.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rootErrs[id]; err != nil {
		return nil, err
	}
	item, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
	}
	cp := *item
	return &cp, nil
}

func (f *fakeTracker) GetChildren(_ context.Context, id string) ([]types.ExistingChild, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.childrenErrs) > 0 {
		err := f.childrenErrs[0]
		f.childrenErrs = f.childrenErrs[1:]
		return nil, err
	}
	return append([]types.ExistingChild(nil), f.children[id]...), nil
}

func (f *fakeTracker) GetHierarchy(_ context.Context, rootID string) (*types.Hierarchy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[rootID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tracker.ErrNotFound, rootID)
	}
	h := &types.Hierarchy{Root: *item}
	for _, c := range f.children[rootID] {
		h.DirectStories = append(h.DirectStories, types.WorkItem{ID: c.ID, Title: c.Title})
	}
	return h, nil
}

func (f *fakeTracker) ListByType(_ context.Context, typ types.RootType) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, item := range f.items {
		if item.Type == typ {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeTracker) Create(_ context.Context, typ types.RootType, fields tracker.Fields, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("%d", f.nextID)
	f.created = append(f.created, createdItem{ID: id, Type: typ, Fields: fields, ParentID: parentID})
	if parentID != "" {
		f.children[parentID] = append(f.children[parentID], types.ExistingChild{
			ID:          id,
			Title:       fields.Title,
			Description: fields.Description,
			ParentID:    parentID,
		})
	}
	return id, nil
}

func (f *fakeTracker) Update(_ context.Context, id string, fields tracker.Fields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for parent, kids := range f.children {
		for i, c := range kids {
			if c.ID == id {
				f.children[parent][i].Title = fields.Title
				f.children[parent][i].Description = fields.Description
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s", tracker.ErrNotFound, id)
}

func (f *fakeTracker) LinkParentChild(_ context.Context, parentID, childID string) error {
	return nil
}

func (f *fakeTracker) Exists(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.items[id]
	return ok, nil
}

func (f *fakeTracker) createdOf(typ types.RootType) []createdItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []createdItem
	for _, c := range f.created {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// fakeGen replays canned replies; the last reply repeats once exhausted.
type fakeGen struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (g *fakeGen) Chat(_ context.Context, _, _ string, _ float64, _ int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	i := g.calls - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

func (g *fakeGen) Model() string    { return "test-model" }
func (g *fakeGen) Provider() string { return "test" }

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const twoStoriesReply = `{"stories":[
  {"heading":"User resets forgotten password","description":"As a user, I want to reset my password so that I can regain access.","acceptance_criteria":["reset email sent"],"priority":"High"},
  {"heading":"User updates profile details","description":"As a user, I want to edit my profile so that my data stays current.","acceptance_criteria":["changes persist"],"priority":"Medium"}
]}`

const oneTestCaseReply = `{"test_cases":[
  {"title":"Reset link expires","description":"expired links rejected","test_type":"negative","priority":"High","test_steps":["request reset","wait past expiry","follow link"],"expected_result":"link rejected"}
]}`

type workerFixture struct {
	tracker    tracker.Tracker
	gen        generator.Generator
	store      *snapshot.Store
	ledger     *ledger.Ledger
	accountant *tokens.Accountant
	worker     *Worker
}

func newWorkerFixture(t *testing.T, tr tracker.Tracker, gen generator.Generator, opts WorkerOptions) *workerFixture {
	t.Helper()
	dir := t.TempDir()
	log := testLogger()

	store, err := snapshot.NewStore(filepath.Join(dir, "snapshots"), log)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	led, err := ledger.Load(filepath.Join(dir, "monitor_state.json"), types.RootEpic, log)
	if err != nil {
		t.Fatalf("ledger.Load: %v", err)
	}
	acc := tokens.NewAccountant(filepath.Join(dir, "token_usage.json"), log)

	if opts.UserStoryType == "" {
		opts.UserStoryType = types.RootStory
	}
	if opts.TestCaseType == "" {
		opts.TestCaseType = types.RootTestCase
	}
	if opts.RequirementType == "" {
		opts.RequirementType = types.RootEpic
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Millisecond
	}
	opts.Version = "test"

	return &workerFixture{
		tracker:    tr,
		gen:        gen,
		store:      store,
		ledger:     led,
		accountant: acc,
		worker:     NewWorker(tr, gen, store, led, acc, log, opts),
	}
}

func epicItem(id, title, desc string) *types.WorkItem {
	return &types.WorkItem{
		ID:           id,
		Type:         types.RootEpic,
		Title:        title,
		Description:  desc,
		State:        "New",
		LastModified: time.Now().UTC(),
	}
}

func TestWorkerInitialSyncCreatesStories(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Account management", "Users manage their own accounts end to end.")
	gen := &fakeGen{replies: []string{twoStoriesReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "100", Kind: SyncInitial})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || len(res.Created) != 2 {
		t.Fatalf("result = %+v", res)
	}

	stories := tr.createdOf(types.RootStory)
	if len(stories) != 2 {
		t.Fatalf("created stories = %+v", stories)
	}
	if stories[0].ParentID != "100" {
		t.Errorf("story parent = %q, want 100", stories[0].ParentID)
	}
	// High-priority story is refined to the front.
	if stories[0].Fields.Title != "User resets forgotten password" {
		t.Errorf("first story = %q", stories[0].Fields.Title)
	}

	if !fx.ledger.Contains(types.RootEpic, "100") {
		t.Error("root not recorded in ledger")
	}
	snap, err := fx.store.Load("100")
	if err != nil || snap == nil {
		t.Fatalf("snapshot missing after sync: %v %v", snap, err)
	}
	if got := fx.accountant.Stats().TotalCalls; got != 1 {
		t.Errorf("token calls = %d, want exactly 1", got)
	}
}

func TestWorkerSecondRunIsIdempotent(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Account management", "Users manage their own accounts end to end.")
	gen := &fakeGen{replies: []string{twoStoriesReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1})

	ctx := context.Background()
	if _, err := fx.worker.Run(ctx, Request{RootID: "100", Kind: SyncInitial}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := fx.worker.Run(ctx, Request{RootID: "100", Kind: SyncForced})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(res.Created) != 0 || len(res.Unchanged) != 2 {
		t.Fatalf("second run should reconcile to unchanged, got %+v", res)
	}
}

func TestWorkerCascadesTestCases(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Password recovery", "Users recover access to locked accounts.")
	oneStory := `{"stories":[{"heading":"User resets forgotten password","description":"As a user, I want to reset my password so that I can regain access.","acceptance_criteria":["reset email sent"]}]}`
	gen := &fakeGen{replies: []string{oneStory, oneTestCaseReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1, AutoTestCases: true})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "100", Kind: SyncInitial})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.TestCasesCreated) != 1 {
		t.Fatalf("test cases = %+v", res.TestCasesCreated)
	}

	tcs := tr.createdOf(types.RootTestCase)
	if len(tcs) != 1 {
		t.Fatalf("created test cases = %+v", tcs)
	}
	storyID := tr.createdOf(types.RootStory)[0].ID
	if tcs[0].ParentID != storyID {
		t.Errorf("test case parent = %q, want story %q", tcs[0].ParentID, storyID)
	}
	if got := fx.accountant.Stats().TotalCalls; got != 2 {
		t.Errorf("token calls = %d, want 2", got)
	}
}

func TestWorkerPlaceholderOnUnusableReply(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Vague initiative", "Something should improve.")
	gen := &fakeGen{replies: []string{"I could not identify any concrete requirements in that text."}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1, AutoTestCases: true})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "100", Kind: SyncInitial})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Success || len(res.Created) != 1 {
		t.Fatalf("result = %+v", res)
	}
	created := tr.createdOf(types.RootStory)
	if created[0].Fields.Title != extractor.PlaceholderTitle {
		t.Errorf("title = %q, want placeholder", created[0].Fields.Title)
	}
	// Placeholder stories never cascade into test-case generation.
	if gen.callCount() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.callCount())
	}
	if len(res.TestCasesCreated) != 0 {
		t.Errorf("test cases = %+v, want none", res.TestCasesCreated)
	}
}

func TestWorkerRetriesTransientTrackerFailure(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Account management", "Users manage their own accounts end to end.")
	tr.childrenErrs = []error{fmt.Errorf("%w: 502", tracker.ErrUnavailable)}
	gen := &fakeGen{replies: []string{twoStoriesReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 2})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "100", Kind: SyncInitial})
	if err != nil {
		t.Fatalf("Run should succeed after retry: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	// Whole sequence reruns, so the generator is consulted twice.
	if gen.callCount() != 2 {
		t.Errorf("generator calls = %d, want 2", gen.callCount())
	}
}

func TestWorkerRootMissing(t *testing.T) {
	tr := newFakeTracker()
	gen := &fakeGen{replies: []string{twoStoriesReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 2})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "404", Kind: SyncInitial})
	if !errors.Is(err, ErrRootMissing) {
		t.Fatalf("err = %v, want ErrRootMissing", err)
	}
	if res.Success {
		t.Error("result should not be successful")
	}
	if gen.callCount() != 0 {
		t.Errorf("generator calls = %d, want 0", gen.callCount())
	}
}

func TestWorkerAccountsFailedGeneratorCalls(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Account management", "Users manage their own accounts end to end.")
	gen := &fakeGen{err: errors.New("overloaded")}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1})

	res, err := fx.worker.Run(context.Background(), Request{RootID: "100", Kind: SyncInitial})
	if err == nil || res.Success {
		t.Fatalf("run should fail: res=%+v err=%v", res, err)
	}
	if !strings.Contains(res.Error, "generator") {
		t.Errorf("error = %q", res.Error)
	}
	// One attempt plus one retry, each accounted as a failed call.
	stats := fx.accountant.Stats()
	if stats.TotalCalls != 2 || stats.FailedCalls != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWorkerRecordsChangeStats(t *testing.T) {
	tr := newFakeTracker()
	tr.items["100"] = epicItem("100", "Account management", "Users manage their own accounts end to end.")
	gen := &fakeGen{replies: []string{twoStoriesReply}}
	fx := newWorkerFixture(t, tr, gen, WorkerOptions{RetryAttempts: 1})

	ctx := context.Background()
	if _, err := fx.worker.Run(ctx, Request{RootID: "100", Kind: SyncInitial}); err != nil {
		t.Fatalf("initial: %v", err)
	}
	if got := fx.ledger.Stats("100").ChangeExtractionCount; got != 0 {
		t.Fatalf("initial sync must not count as change, got %d", got)
	}

	if _, err := fx.worker.Run(ctx, Request{RootID: "100", Kind: SyncChange, Significance: 0.55}); err != nil {
		t.Fatalf("change: %v", err)
	}
	cs := fx.ledger.Stats("100")
	if cs.ChangeExtractionCount != 1 || cs.LastChangeSignificance != 0.55 {
		t.Errorf("change stats = %+v", cs)
	}
}
