package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/epicforge/storysync/internal/extractor"
	"github.com/epicforge/storysync/internal/generator"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/reconcile"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

const (
	generatorTemperature = 0.3
	generatorMaxTokens   = 3000
)

// ErrRootMissing marks a root the tracker no longer knows. The scheduler
// retires on this.
var ErrRootMissing = errors.New("root missing from tracker")

// errGeneratorFailed marks an exhausted generator; the worker retries the
// whole sequence on it.
var errGeneratorFailed = errors.New("generator failed")

// SyncKind distinguishes why a sync was dispatched. Only change syncs
// count against the per-root extraction cap.
type SyncKind int

const (
	SyncInitial SyncKind = iota
	SyncChange
	SyncForced
)

func (k SyncKind) String() string {
	switch k {
	case SyncInitial:
		return "initial"
	case SyncChange:
		return "change"
	case SyncForced:
		return "forced"
	default:
		return "unknown"
	}
}

// Request is one unit of work for the sync worker.
type Request struct {
	RootID       string
	Kind         SyncKind
	Significance float64
	Changes      []types.FieldChange
}

// WorkerOptions are the per-process knobs the worker needs.
type WorkerOptions struct {
	RequirementType    types.RootType
	UserStoryType      types.RootType
	TestCaseType       types.RootType
	AutoTestCases      bool
	CompactTestPrompts bool
	ArchiveOrphans     bool
	RetryAttempts      int
	RetryDelay         time.Duration
	Version            string
}

// Worker runs the full sync sequence for one root: fetch, generate,
// reconcile, apply, cascade, persist.
type Worker struct {
	tracker    tracker.Tracker
	gen        generator.Generator
	store      *snapshot.Store
	ledger     *ledger.Ledger
	accountant *tokens.Accountant
	log        *slog.Logger
	opts       WorkerOptions
}

// NewWorker wires a worker. All collaborators are required.
func NewWorker(tr tracker.Tracker, gen generator.Generator, store *snapshot.Store,
	led *ledger.Ledger, acc *tokens.Accountant, log *slog.Logger, opts WorkerOptions) *Worker {
	return &Worker{
		tracker:    tr,
		gen:        gen,
		store:      store,
		ledger:     led,
		accountant: acc,
		log:        log,
		opts:       opts,
	}
}

// Run executes the sync sequence, retrying the whole sequence on
// transient failures with a fixed delay between attempts. The returned
// result always has Timestamp set; on failure Success is false, Error
// holds the final error, and the error is returned for inspection
// (ErrRootMissing triggers retirement in the scheduler).
func (w *Worker) Run(ctx context.Context, req Request) (types.SyncResult, error) {
	var res types.SyncResult

	op := func() error {
		r, err := w.syncOnce(ctx, req)
		if err != nil {
			if errors.Is(err, tracker.ErrUnavailable) || errors.Is(err, errGeneratorFailed) {
				w.log.Warn("sync attempt failed, will retry",
					"root_id", req.RootID, "kind", req.Kind.String(), "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.opts.RetryDelay), uint64(w.opts.RetryAttempts)),
		ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return types.SyncResult{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		}, err
	}
	return res, nil
}

func (w *Worker) syncOnce(ctx context.Context, req Request) (types.SyncResult, error) {
	root, err := w.tracker.GetRoot(ctx, req.RootID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return types.SyncResult{}, fmt.Errorf("%w: %s", ErrRootMissing, req.RootID)
		}
		return types.SyncResult{}, fmt.Errorf("fetch root %s: %w", req.RootID, err)
	}

	stories, err := w.generateStories(ctx, root)
	if err != nil {
		return types.SyncResult{}, err
	}

	children, err := w.tracker.GetChildren(ctx, req.RootID)
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("fetch children of %s: %w", req.RootID, err)
	}

	rec := reconcile.Reconcile(children, stories, reconcile.Options{
		ArchiveOrphans: w.opts.ArchiveOrphans,
	})

	result := types.SyncResult{Timestamp: time.Now().UTC()}

	// Apply creates, remembering which stories they came from for the
	// test-case cascade.
	type createdStory struct {
		id    string
		story types.ProposedStory
	}
	var created []createdStory
	for _, s := range rec.ToCreate {
		id, err := w.tracker.Create(ctx, w.opts.UserStoryType, tracker.StoryFields(s), req.RootID)
		if err != nil {
			return types.SyncResult{}, fmt.Errorf("create story under %s: %w", req.RootID, err)
		}
		result.Created = append(result.Created, id)
		created = append(created, createdStory{id: id, story: s})
	}
	for _, u := range rec.ToUpdate {
		if err := w.tracker.Update(ctx, u.ID, tracker.StoryFields(u.Story)); err != nil {
			return types.SyncResult{}, fmt.Errorf("update story %s: %w", u.ID, err)
		}
		result.Updated = append(result.Updated, u.ID)
	}
	for _, e := range rec.Unchanged {
		result.Unchanged = append(result.Unchanged, e.ID)
	}
	for _, e := range rec.Orphaned {
		result.Orphaned = append(result.Orphaned, e.ID)
	}

	// Cascade: test-case failures never fail the parent story sync.
	if w.opts.AutoTestCases {
		for _, cs := range created {
			if cs.story.Placeholder {
				continue
			}
			tcIDs := w.extractTestCases(ctx, cs.id, cs.story)
			result.TestCasesCreated = append(result.TestCasesCreated, tcIDs...)
		}
	}

	// Persistence failures are logged, never fatal: in-memory state is
	// intact and the next tick will retry the write.
	snap := snapshot.Capture(root, w.opts.Version)
	if err := w.store.Save(req.RootID, snap); err != nil {
		w.log.Error("snapshot write failed", "root_id", req.RootID, "error", err)
	}
	if err := w.ledger.Add(root.Type, req.RootID); err != nil {
		w.log.Error("ledger write failed", "root_id", req.RootID, "error", err)
	}
	if req.Kind == SyncChange {
		if err := w.ledger.RecordChange(req.RootID, req.Significance, result.Timestamp); err != nil {
			w.log.Error("ledger stats write failed", "root_id", req.RootID, "error", err)
		}
	}

	result.Success = true
	w.log.Info("sync complete",
		"root_id", req.RootID,
		"kind", req.Kind.String(),
		"created", len(result.Created),
		"updated", len(result.Updated),
		"unchanged", len(result.Unchanged),
		"test_cases", len(result.TestCasesCreated))
	return result, nil
}

// generateStories calls the generator and parses its reply, falling back
// to the heuristic text parser and finally a placeholder stub. Every call
// is accounted exactly once.
func (w *Worker) generateStories(ctx context.Context, root *types.WorkItem) ([]types.ProposedStory, error) {
	system, user := extractor.BuildStoryPrompt(root)
	reply, err := w.gen.Chat(ctx, system, user, generatorTemperature, generatorMaxTokens)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	w.accountant.RecordCall(tokens.CallStoryExtraction, system+"\n"+user, reply, false,
		w.gen.Model(), w.gen.Provider(), err == nil, errMsg, root.ID, root.Title)
	if err != nil {
		return nil, fmt.Errorf("%w: stories for %s: %v", errGeneratorFailed, root.ID, err)
	}

	stories := extractor.ParseStories(reply)
	if stories == nil {
		w.log.Warn("generator reply not parseable as JSON, using text fallback", "root_id", root.ID)
		stories = extractor.FallbackStories(reply)
	}
	stories = extractor.RefineStories(stories)
	if len(stories) == 0 {
		w.log.Warn("no usable stories extracted, emitting placeholder", "root_id", root.ID)
		stories = []types.ProposedStory{extractor.PlaceholderStory(root)}
	}
	return stories, nil
}

// PreviewStories generates stories for a requirement without touching
// the tracker's children: the ad-hoc extraction path behind the control
// surface. Calls are accounted like any other.
func (w *Worker) PreviewStories(ctx context.Context, id string) ([]types.ProposedStory, error) {
	root, err := w.tracker.GetRoot(ctx, id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRootMissing, id)
		}
		return nil, fmt.Errorf("fetch root %s: %w", id, err)
	}
	return w.generateStories(ctx, root)
}

// PreviewTestCases generates test cases for an existing story without
// creating them.
func (w *Worker) PreviewTestCases(ctx context.Context, storyID string) ([]types.TestCase, error) {
	item, err := w.tracker.GetRoot(ctx, storyID)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRootMissing, storyID)
		}
		return nil, fmt.Errorf("fetch story %s: %w", storyID, err)
	}
	story := types.ProposedStory{Heading: item.Title, Description: item.Description}

	system, user := extractor.BuildTestCasePrompt(story, w.opts.CompactTestPrompts)
	reply, err := w.gen.Chat(ctx, system, user, generatorTemperature, generatorMaxTokens)
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	w.accountant.RecordCall(tokens.CallTestCaseExtraction, system+"\n"+user, reply,
		w.opts.CompactTestPrompts, w.gen.Model(), w.gen.Provider(), err == nil, errMsg, storyID, item.Title)
	if err != nil {
		return nil, fmt.Errorf("%w: test cases for %s: %v", errGeneratorFailed, storyID, err)
	}

	cases := extractor.ValidateTestCases(extractor.ParseTestCases(reply))
	if len(cases) == 0 {
		cases = []types.TestCase{extractor.PlaceholderTestCase(story)}
	}
	return cases, nil
}

// UploadTestCases creates the given test cases under a story and returns
// the new IDs. Used by the control surface after a preview.
func (w *Worker) UploadTestCases(ctx context.Context, storyID string, cases []types.TestCase) ([]string, error) {
	var ids []string
	for _, tc := range cases {
		id, err := w.tracker.Create(ctx, w.opts.TestCaseType, tracker.TestCaseFields(tc), storyID)
		if err != nil {
			return ids, fmt.Errorf("create test case %q under %s: %w", tc.Title, storyID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// extractTestCases generates and creates test cases under one story.
// Errors are logged and swallowed.
func (w *Worker) extractTestCases(ctx context.Context, storyID string, story types.ProposedStory) []string {
	system, user := extractor.BuildTestCasePrompt(story, w.opts.CompactTestPrompts)
	reply, err := w.gen.Chat(ctx, system, user, generatorTemperature, generatorMaxTokens)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	w.accountant.RecordCall(tokens.CallTestCaseExtraction, system+"\n"+user, reply,
		w.opts.CompactTestPrompts, w.gen.Model(), w.gen.Provider(), err == nil, errMsg, storyID, story.Heading)
	if err != nil {
		w.log.Warn("test-case generation failed", "story_id", storyID, "error", err)
		return nil
	}

	cases := extractor.ValidateTestCases(extractor.ParseTestCases(reply))
	if len(cases) == 0 {
		cases = []types.TestCase{extractor.PlaceholderTestCase(story)}
	}

	var ids []string
	for _, tc := range cases {
		id, err := w.tracker.Create(ctx, w.opts.TestCaseType, tracker.TestCaseFields(tc), storyID)
		if err != nil {
			w.log.Warn("test-case create failed", "story_id", storyID, "title", tc.Title, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
