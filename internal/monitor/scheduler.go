package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/ledger"
	"github.com/epicforge/storysync/internal/significance"
	"github.com/epicforge/storysync/internal/snapshot"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

// retireAfterErrors is how many consecutive failed checks or syncs a root
// survives before it is retired to the exclusion list.
const retireAfterErrors = 3

var (
	// ErrNotRunning is returned by operations that need a started scheduler.
	ErrNotRunning = errors.New("monitor not running")
	// ErrAlreadyRunning is returned by Start on a running scheduler.
	ErrAlreadyRunning = errors.New("monitor already running")
	// ErrSyncInProgress guards against overlapping syncs of one root.
	ErrSyncInProgress = errors.New("sync already in progress for this root")
	// ErrManualOverrideDisabled gates the force operations.
	ErrManualOverrideDisabled = errors.New("manual override is disabled in configuration")
	// ErrUnknownRoot is returned for operations on an unmonitored root.
	ErrUnknownRoot = errors.New("root is not monitored")
)

// Scheduler owns the poll loop: root discovery, change detection, gating,
// bounded-concurrency dispatch to the worker, and root retirement. All
// per-root state lives behind its mutex so the control surface can read
// and force-sync while a tick is running.
type Scheduler struct {
	tracker    tracker.Tracker
	worker     *Worker
	store      *snapshot.Store
	ledger     *ledger.Ledger
	accountant *tokens.Accountant
	notifier   *Notifier
	log        *slog.Logger
	version    string

	mu       sync.Mutex
	cfg      *config.Config
	roots    map[string]*RootState
	inFlight map[string]bool
	counters counters
	running  bool
	started  time.Time
	lastTick time.Time
	stop     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

type counters struct {
	totalSyncs       int
	successfulSyncs  int
	failedSyncs      int
	storiesCreated   int
	storiesUpdated   int
	testCasesCreated int
	rootsRetired     int
}

// NewScheduler wires the scheduler. The config pointer is retained;
// ApplyConfig swaps in hot-reloaded values.
func NewScheduler(cfg *config.Config, tr tracker.Tracker, worker *Worker,
	store *snapshot.Store, led *ledger.Ledger, acc *tokens.Accountant,
	notifier *Notifier, log *slog.Logger, version string) *Scheduler {
	return &Scheduler{
		tracker:    tr,
		worker:     worker,
		store:      store,
		ledger:     led,
		accountant: acc,
		notifier:   notifier,
		log:        log,
		version:    version,
		cfg:        cfg,
		roots:      make(map[string]*RootState),
		inFlight:   make(map[string]bool),
	}
}

// Start launches the poll loop. The loop runs until Stop or ctx
// cancellation; the first tick fires immediately. Workers run on a
// context detached from ctx so that Stop can grant them a grace period.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.started = time.Now().UTC()
	s.stop = make(chan struct{})
	s.cancel = cancel
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.run(ctx, workCtx, stop)
	}()
	s.log.Info("monitor started", "poll_interval_seconds", s.pollInterval()/time.Second)
	s.notifier.Notify(ctx, Event{Type: EventMonitorStarted})
	return nil
}

// Stop halts the poll loop and flushes the token store. Enqueueing stops
// immediately; in-flight syncs run to completion until ctx's deadline,
// after which they are cancelled outright.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	stop, cancel, done := s.stop, s.cancel, s.done
	s.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("grace period expired, cancelling in-flight syncs")
		cancel()
		<-done
	}

	if err := s.accountant.Flush(); err != nil {
		s.log.Error("token store flush on stop failed", "error", err)
	}
	s.log.Info("monitor stopped")
	s.notifier.Notify(context.WithoutCancel(ctx), Event{Type: EventMonitorStopped})
	return nil
}

// Running reports whether the poll loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ApplyConfig takes the hot-reloadable fields from a freshly loaded
// config. Everything else keeps its boot-time value until a restart.
func (s *Scheduler) ApplyConfig(next *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg.PollIntervalSeconds
	s.cfg.PollIntervalSeconds = next.PollIntervalSeconds
	s.cfg.ChangeSignificanceThreshold = next.ChangeSignificanceThreshold
	s.cfg.TitleChangeWeight = next.TitleChangeWeight
	s.cfg.DescriptionChangeWeight = next.DescriptionChangeWeight
	s.cfg.StateChangeWeight = next.StateChangeWeight
	s.cfg.ExtractionCooldownHours = next.ExtractionCooldownHours
	if prev != next.PollIntervalSeconds {
		s.log.Info("poll interval updated", "seconds", next.PollIntervalSeconds)
	}
}

func (s *Scheduler) run(ctx, workCtx context.Context, stop <-chan struct{}) {
	s.tick(workCtx)

	interval := s.pollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tick(workCtx)
			if next := s.pollInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Scheduler) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.cfg.PollIntervalSeconds) * time.Second
}

// tick runs one full monitoring pass: discover roots, then check each
// one (and sync where warranted) on a bounded worker pool.
func (s *Scheduler) tick(ctx context.Context) {
	ids, err := s.discover(ctx)
	if err != nil {
		s.log.Error("root discovery failed, skipping tick", "error", err)
		return
	}

	plans := s.claim(ids)

	s.mu.Lock()
	s.lastTick = time.Now().UTC()
	limit := s.cfg.MaxConcurrentSyncs
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range plans {
		p := p
		g.Go(func() error {
			s.applyOutcome(gctx, s.checkRoot(gctx, p))
			return nil
		})
	}
	_ = g.Wait()
}

// discover resolves the set of monitored root IDs: the configured
// bootstrap list unioned with every tracker item of the requirement
// type, minus exclusions. New roots get rehydrated state.
func (s *Scheduler) discover(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	cfgIDs := append([]string(nil), s.cfg.RootIDs...)
	reqType := types.ParseRootType(s.cfg.RequirementType)
	s.mu.Unlock()

	// root_ids seeds the set; the tracker query picks up roots created
	// after startup.
	listed, err := s.tracker.ListByType(ctx, reqType)
	if err != nil {
		if len(cfgIDs) == 0 {
			return nil, fmt.Errorf("list %s items: %w", reqType, err)
		}
		s.log.Warn("root discovery query failed, using configured roots only", "error", err)
	}

	seen := make(map[string]bool, len(cfgIDs)+len(listed))
	var ids []string
	for _, id := range append(cfgIDs, listed...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range ids {
		if s.cfg.IsExcluded(id) {
			continue
		}
		if _, ok := s.roots[id]; !ok {
			s.roots[id] = s.rehydrateLocked(id, reqType)
		}
		out = append(out, id)
	}
	return out, nil
}

// rehydrateLocked rebuilds a root's state from the snapshot store and the
// ledger, so a restart does not re-extract already processed roots.
func (s *Scheduler) rehydrateLocked(id string, reqType types.RootType) *RootState {
	st := &RootState{ID: id}
	snap, err := s.store.Load(id)
	if err == nil && snap != nil {
		st.LastSnapshot = snap
		st.Title = snap.Title
		st.State = snap.State
	}
	if s.ledger.Contains(reqType, id) {
		st.StoriesExtracted = true
	}
	cs := s.ledger.Stats(id)
	st.ChangeExtractionCount = cs.ChangeExtractionCount
	st.LastSignificantChange = cs.LastSignificantChange
	st.LastChangeSignificance = cs.LastChangeSignificance
	return st
}

// checkPlan is the immutable per-root input to one check, copied out of
// RootState under the lock so workers never touch shared state.
type checkPlan struct {
	id          string
	prev        *snapshot.Snapshot
	extracted   bool
	changeCount int
	lastSync    *types.SyncResult
	reextract   bool
}

// claim marks the given roots in-flight and returns their plans. Roots
// already in flight are skipped.
func (s *Scheduler) claim(ids []string) []checkPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	var plans []checkPlan
	for _, id := range ids {
		st, ok := s.roots[id]
		if !ok || s.inFlight[id] {
			continue
		}
		s.inFlight[id] = true
		plans = append(plans, s.planLocked(st, false))
	}
	return plans
}

func (s *Scheduler) planLocked(st *RootState, reextract bool) checkPlan {
	return checkPlan{
		id:          st.ID,
		prev:        st.LastSnapshot,
		extracted:   st.StoriesExtracted,
		changeCount: st.ChangeExtractionCount,
		lastSync:    st.LastSyncResult,
		reextract:   reextract,
	}
}

// outcome is what one check produced, applied back to RootState by the
// scheduler under its lock.
type outcome struct {
	id       string
	item     *types.WorkItem
	checkErr error
	notFound bool

	score   float64
	changes []types.FieldChange
	changed bool

	synced  bool
	kind    SyncKind
	result  types.SyncResult
	syncErr error
}

// checkRoot fetches the root, scores its drift against the last snapshot,
// applies the gating rules and, when a sync is warranted, runs the worker
// inline. Never touches scheduler state.
func (s *Scheduler) checkRoot(ctx context.Context, p checkPlan) outcome {
	s.mu.Lock()
	weights := significance.Weights{
		Title:       s.cfg.TitleChangeWeight,
		Description: s.cfg.DescriptionChangeWeight,
		State:       s.cfg.StateChangeWeight,
	}
	threshold := s.cfg.ChangeSignificanceThreshold
	cooldownHours := s.cfg.ExtractionCooldownHours
	maxChanges := s.cfg.MaxChangesPerRoot
	autoSync := s.cfg.AutoSync
	autoExtract := s.cfg.AutoExtractNewRoots
	changeSyncs := s.cfg.EnableCompactExtraction
	s.mu.Unlock()

	out := outcome{id: p.id}

	item, err := s.tracker.GetRoot(ctx, p.id)
	if err != nil {
		if errors.Is(err, tracker.ErrNotFound) {
			out.notFound = true
		} else {
			out.checkErr = err
		}
		return out
	}
	out.item = item

	out.score, out.changes = significance.Score(p.prev, item, weights)
	hashChanged := p.prev == nil || p.prev.ContentHash != snapshot.HashItem(item)
	out.changed = hashChanged && p.prev != nil

	var kind SyncKind
	switch {
	case p.reextract:
		kind = SyncForced
	case !p.extracted:
		if !autoExtract {
			return out
		}
		kind = SyncInitial
	case hashChanged:
		if !autoSync || !changeSyncs {
			return out
		}
		if out.score < threshold {
			s.log.Debug("change below threshold, skipping",
				"root_id", p.id, "score", out.score, "threshold", threshold)
			return out
		}
		if maxChanges > 0 && p.changeCount >= maxChanges {
			s.log.Info("change-extraction cap reached, skipping",
				"root_id", p.id, "count", p.changeCount)
			return out
		}
		if !cooldownElapsed(p.lastSync, cooldownHours, time.Now()) {
			s.log.Debug("cooldown active, skipping", "root_id", p.id)
			return out
		}
		kind = SyncChange
	default:
		return out
	}

	out.kind = kind
	out.synced = true
	out.result, out.syncErr = s.worker.Run(ctx, Request{
		RootID:       p.id,
		Kind:         kind,
		Significance: out.score,
		Changes:      out.changes,
	})
	return out
}

func cooldownElapsed(last *types.SyncResult, hours int, now time.Time) bool {
	if hours <= 0 {
		return true
	}
	if last == nil || !last.Success {
		return true
	}
	return now.Sub(last.Timestamp) >= time.Duration(hours)*time.Hour
}

// applyOutcome folds a check result back into the root's state, updates
// aggregate counters and clears the in-flight mark. Retirement happens
// here.
func (s *Scheduler) applyOutcome(ctx context.Context, out outcome) {
	now := time.Now().UTC()

	s.mu.Lock()
	delete(s.inFlight, out.id)
	st, ok := s.roots[out.id]
	if !ok {
		s.mu.Unlock()
		return
	}
	st.LastCheck = now

	var retireReason string
	switch {
	case out.notFound:
		retireReason = "root no longer exists in tracker"
	case out.checkErr != nil:
		st.ConsecutiveErrors++
		s.log.Warn("root check failed", "root_id", out.id,
			"consecutive_errors", st.ConsecutiveErrors, "error", out.checkErr)
		if st.ConsecutiveErrors >= retireAfterErrors {
			retireReason = fmt.Sprintf("%d consecutive check failures", st.ConsecutiveErrors)
		}
	default:
		st.Title = out.item.Title
		st.State = out.item.State
		if out.changed {
			st.RecordChange(types.ChangeRecord{
				Timestamp:         now,
				TotalSignificance: out.score,
				Changes:           out.changes,
			})
		}
		if out.synced {
			res := out.result
			st.LastSyncResult = &res
			s.counters.totalSyncs++
			if res.Success {
				s.counters.successfulSyncs++
				s.counters.storiesCreated += len(res.Created)
				s.counters.storiesUpdated += len(res.Updated)
				s.counters.testCasesCreated += len(res.TestCasesCreated)
				st.ConsecutiveErrors = 0
				st.StoriesExtracted = true
				st.LastSnapshot = snapshot.Capture(out.item, s.version)
				st.ChildCount = len(res.Created) + len(res.Updated) + len(res.Unchanged) + len(res.Orphaned)
				if out.kind == SyncChange {
					st.ChangeExtractionCount++
				}
			} else {
				s.counters.failedSyncs++
				st.ConsecutiveErrors++
				s.log.Warn("sync failed", "root_id", out.id,
					"consecutive_errors", st.ConsecutiveErrors, "error", res.Error)
				if errors.Is(out.syncErr, ErrRootMissing) {
					retireReason = "root no longer exists in tracker"
				} else if st.ConsecutiveErrors >= retireAfterErrors {
					retireReason = fmt.Sprintf("%d consecutive sync failures", st.ConsecutiveErrors)
				}
			}
		} else if out.item != nil && st.ConsecutiveErrors > 0 {
			// A clean check resets the error streak even without a sync.
			st.ConsecutiveErrors = 0
		}
	}

	if retireReason == "" {
		s.mu.Unlock()
		return
	}
	delete(s.roots, out.id)
	s.counters.rootsRetired++
	s.mu.Unlock()

	s.retire(ctx, out.id, retireReason)
}

// retire excludes a root from future monitoring, drops its snapshot and
// ledger entry, persists the exclusion and notifies the webhook. Called
// without the lock held.
func (s *Scheduler) retire(ctx context.Context, id, reason string) {
	exists := "unknown"
	if ok, err := s.tracker.Exists(ctx, id); err == nil {
		exists = fmt.Sprintf("%t", ok)
	}
	s.log.Warn("retiring root", "root_id", id, "reason", reason, "still_exists", exists)

	s.mu.Lock()
	reqType := types.ParseRootType(s.cfg.RequirementType)
	changed := s.cfg.Exclude(id)
	var saveErr error
	if changed {
		saveErr = s.cfg.Save()
	}
	s.mu.Unlock()
	if saveErr != nil {
		s.log.Error("persisting exclusion failed", "root_id", id, "error", saveErr)
	}
	if err := s.store.Delete(id); err != nil {
		s.log.Warn("snapshot delete failed", "root_id", id, "error", err)
	}
	if err := s.ledger.Remove(reqType, id); err != nil {
		s.log.Warn("ledger remove failed", "root_id", id, "error", err)
	}

	s.notifier.Notify(ctx, Event{
		Type:    EventRootRetired,
		RootID:  id,
		Message: reason,
	})
}

// ForceCheck runs an immediate change evaluation for one root, outside
// the poll cadence. Normal gating still applies. Gated by the manual
// override setting.
func (s *Scheduler) ForceCheck(ctx context.Context, id string) error {
	return s.force(ctx, id, false)
}

// ForceReextract runs an immediate sync for one root, bypassing the
// significance threshold, the change cap and the cooldown. Gated by the
// manual override setting.
func (s *Scheduler) ForceReextract(ctx context.Context, id string) error {
	return s.force(ctx, id, true)
}

func (s *Scheduler) force(ctx context.Context, id string, reextract bool) error {
	s.mu.Lock()
	if !s.cfg.ManualOverrideEnabled {
		s.mu.Unlock()
		return ErrManualOverrideDisabled
	}
	if s.cfg.IsExcluded(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is excluded", ErrUnknownRoot, id)
	}
	st, ok := s.roots[id]
	if !ok {
		st = s.rehydrateLocked(id, types.ParseRootType(s.cfg.RequirementType))
		s.roots[id] = st
	}
	if s.inFlight[id] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}
	s.inFlight[id] = true
	plan := s.planLocked(st, reextract)
	s.mu.Unlock()

	s.applyOutcome(ctx, s.checkRoot(ctx, plan))
	return nil
}

// RemoveRoot stops monitoring a root: state, snapshot and ledger entry
// are dropped and the ID joins the persisted exclusion list.
func (s *Scheduler) RemoveRoot(id string) error {
	s.mu.Lock()
	if s.inFlight[id] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncInProgress, id)
	}
	delete(s.roots, id)
	reqType := types.ParseRootType(s.cfg.RequirementType)
	changed := s.cfg.Exclude(id)
	var saveErr error
	if changed {
		saveErr = s.cfg.Save()
	}
	s.mu.Unlock()

	if saveErr != nil {
		return fmt.Errorf("persist exclusion for %s: %w", id, saveErr)
	}
	if err := s.store.Delete(id); err != nil {
		s.log.Warn("snapshot delete failed", "root_id", id, "error", err)
	}
	if err := s.ledger.Remove(reqType, id); err != nil {
		s.log.Warn("ledger remove failed", "root_id", id, "error", err)
	}
	s.log.Info("root removed from monitoring", "root_id", id)
	return nil
}

// Roots returns a sorted-by-ID view of all monitored roots.
func (s *Scheduler) Roots() []RootView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RootView, 0, len(s.roots))
	for id, st := range s.roots {
		out = append(out, st.view(s.inFlight[id]))
	}
	sortViews(out)
	return out
}

// Root returns the view of one monitored root.
func (s *Scheduler) Root(id string) (RootView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.roots[id]
	if !ok {
		return RootView{}, false
	}
	return st.view(s.inFlight[id]), true
}

// Hierarchy fetches the feature/story tree under a root and refreshes the
// cached feature summary on its state.
func (s *Scheduler) Hierarchy(ctx context.Context, id string) (*types.Hierarchy, error) {
	h, err := s.tracker.GetHierarchy(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if st, ok := s.roots[id]; ok {
		st.Features = st.Features[:0]
		for _, f := range h.Features {
			st.Features = append(st.Features, FeatureState{
				ID:         f.Item.ID,
				Title:      f.Item.Title,
				State:      f.Item.State,
				StoryCount: len(f.Stories),
			})
		}
		st.FeatureCount = len(h.Features)
		st.TotalStoryCount = h.StoryCount()
	}
	s.mu.Unlock()
	return h, nil
}
