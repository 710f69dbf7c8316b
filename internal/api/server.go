// Package api is the HTTP control surface: monitor lifecycle, per-root
// operations, stats and token reporting, all under /api/v1 with JSON
// bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/epicforge/storysync/internal/config"
	"github.com/epicforge/storysync/internal/monitor"
	"github.com/epicforge/storysync/internal/tokens"
	"github.com/epicforge/storysync/internal/tracker"
	"github.com/epicforge/storysync/internal/types"
)

const maxBodyBytes = 1 << 20

// ServerConfig holds the collaborators the HTTP surface exposes.
type ServerConfig struct {
	Scheduler  *monitor.Scheduler
	Worker     *monitor.Worker
	Config     *config.Config
	Accountant *tokens.Accountant
	Log        *slog.Logger
	Version    string
}

// Server serves the control API.
type Server struct {
	scheduler  *monitor.Scheduler
	worker     *monitor.Worker
	cfg        *config.Config
	accountant *tokens.Accountant
	log        *slog.Logger
	version    string
	mux        *http.ServeMux
	httpServer *http.Server
}

// NewServer registers all routes.
func NewServer(c ServerConfig) *Server {
	s := &Server{
		scheduler:  c.Scheduler,
		worker:     c.Worker,
		cfg:        c.Config,
		accountant: c.Accountant,
		log:        c.Log,
		version:    c.Version,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/monitor/start", s.handleMonitorStart)
	s.mux.HandleFunc("POST /api/v1/monitor/stop", s.handleMonitorStop)
	s.mux.HandleFunc("GET /api/v1/monitor/status", s.handleMonitorStatus)

	s.mux.HandleFunc("GET /api/v1/roots", s.handleRoots)
	s.mux.HandleFunc("GET /api/v1/roots/{id}", s.handleRoot)
	s.mux.HandleFunc("DELETE /api/v1/roots/{id}", s.handleRootDelete)
	s.mux.HandleFunc("POST /api/v1/roots/{id}/force-check", s.handleForceCheck)
	s.mux.HandleFunc("POST /api/v1/roots/{id}/force-reextract", s.handleForceReextract)
	s.mux.HandleFunc("POST /api/v1/roots/{id}/sync-hierarchy", s.handleSyncHierarchy)
	s.mux.HandleFunc("GET /api/v1/hierarchy/status", s.handleHierarchyStatus)

	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/tokens/dashboard", s.handleTokenDashboard)
	s.mux.HandleFunc("POST /api/v1/tokens/clear", s.handleTokensClear)
	s.mux.HandleFunc("PUT /api/v1/config", s.handleConfigUpdate)

	s.mux.HandleFunc("POST /api/v1/requirements/{id}/stories", s.handleExtractStories)
	s.mux.HandleFunc("POST /api/v1/stories/{id}/test-cases", s.handleExtractTestCases)
	s.mux.HandleFunc("POST /api/v1/stories/{id}/test-cases/upload", s.handleUploadTestCases)

	return s
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // ad-hoc extraction waits on the generator
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the route mux for embedding in tests or custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// apiError is the wire shape of every error response.
type apiError struct {
	Kind    string `json:"kind"`
	RootID  string `json:"root_id,omitempty"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, e apiError) {
	s.writeJSON(w, status, map[string]apiError{"error": e})
}

// writeOpError maps domain errors onto HTTP statuses and the error shape.
func (s *Server) writeOpError(w http.ResponseWriter, rootID string, err error) {
	e := apiError{RootID: rootID, Message: err.Error()}
	var status int
	switch {
	case errors.Is(err, monitor.ErrManualOverrideDisabled):
		status, e.Kind = http.StatusForbidden, "forbidden"
		e.Hint = "set manual_override_enabled: true in the configuration"
	case errors.Is(err, monitor.ErrSyncInProgress):
		status, e.Kind = http.StatusConflict, "conflict"
		e.Hint = "retry after the in-flight sync completes"
	case errors.Is(err, monitor.ErrAlreadyRunning), errors.Is(err, monitor.ErrNotRunning):
		status, e.Kind = http.StatusConflict, "conflict"
	case errors.Is(err, monitor.ErrRootMissing),
		errors.Is(err, monitor.ErrUnknownRoot),
		errors.Is(err, tracker.ErrNotFound):
		status, e.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, tracker.ErrUnavailable):
		status, e.Kind = http.StatusBadGateway, "tracker_unavailable"
		e.Hint = "the tracker is failing; the operation may succeed on retry"
	default:
		status, e.Kind = http.StatusInternalServerError, "internal"
	}
	s.writeError(w, status, e)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	// The poll loop must outlive this request.
	if err := s.scheduler.Start(context.WithoutCancel(r.Context())); err != nil {
		s.writeOpError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.scheduler.Stop(ctx); err != nil {
		s.writeOpError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleRoots(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"roots": s.scheduler.Roots()})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := s.scheduler.Root(id)
	if !ok {
		s.writeOpError(w, id, fmt.Errorf("%w: %s", monitor.ErrUnknownRoot, id))
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRootDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.RemoveRoot(id); err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.ForceCheck(r.Context(), id); err != nil {
		s.writeOpError(w, id, err)
		return
	}
	view, _ := s.scheduler.Root(id)
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleForceReextract(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.scheduler.ForceReextract(r.Context(), id); err != nil {
		s.writeOpError(w, id, err)
		return
	}
	view, _ := s.scheduler.Root(id)
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSyncHierarchy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.scheduler.Hierarchy(r.Context(), id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleHierarchyStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"hierarchies": s.scheduler.HierarchyStatuses()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) handleTokenDashboard(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.accountant.Dashboard())
}

func (s *Server) handleTokensClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.accountant.Clear(); err != nil {
		s.writeOpError(w, "", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// configUpdate is the accepted PUT /config body. All fields are optional;
// secrets are write-only and never echoed back.
type configUpdate struct {
	PollIntervalSeconds         *int     `json:"poll_interval_seconds,omitempty"`
	ChangeSignificanceThreshold *float64 `json:"change_significance_threshold,omitempty"`
	ExtractionCooldownHours     *int     `json:"extraction_cooldown_hours,omitempty"`
	TitleChangeWeight           *float64 `json:"title_change_weight,omitempty"`
	DescriptionChangeWeight     *float64 `json:"description_change_weight,omitempty"`
	StateChangeWeight           *float64 `json:"state_change_weight,omitempty"`
	NotificationWebhookURL      *string  `json:"notification_webhook_url,omitempty"`
	TrackerPAT                  *string  `json:"tracker_personal_access_token,omitempty"`
	GeneratorAPIKey             *string  `json:"generator_api_key,omitempty"`
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, apiError{Kind: "bad_request", Message: "unreadable body"})
		return
	}
	var upd configUpdate
	if err := json.Unmarshal(body, &upd); err != nil {
		s.writeError(w, http.StatusBadRequest, apiError{
			Kind: "bad_request", Message: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}

	if upd.PollIntervalSeconds != nil {
		s.cfg.PollIntervalSeconds = *upd.PollIntervalSeconds
	}
	if upd.ChangeSignificanceThreshold != nil {
		s.cfg.ChangeSignificanceThreshold = *upd.ChangeSignificanceThreshold
	}
	if upd.ExtractionCooldownHours != nil {
		s.cfg.ExtractionCooldownHours = *upd.ExtractionCooldownHours
	}
	if upd.TitleChangeWeight != nil {
		s.cfg.TitleChangeWeight = *upd.TitleChangeWeight
	}
	if upd.DescriptionChangeWeight != nil {
		s.cfg.DescriptionChangeWeight = *upd.DescriptionChangeWeight
	}
	if upd.StateChangeWeight != nil {
		s.cfg.StateChangeWeight = *upd.StateChangeWeight
	}
	if upd.NotificationWebhookURL != nil {
		s.cfg.NotificationWebhookURL = *upd.NotificationWebhookURL
	}
	if upd.TrackerPAT != nil {
		s.cfg.Tracker.PersonalAccessToken = *upd.TrackerPAT
	}
	if upd.GeneratorAPIKey != nil {
		s.cfg.Generator.APIKey = *upd.GeneratorAPIKey
	}

	if err := s.cfg.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, apiError{Kind: "bad_request", Message: err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.writeOpError(w, "", err)
		return
	}
	s.scheduler.ApplyConfig(s.cfg)

	s.writeJSON(w, http.StatusOK, redactedConfig(s.cfg))
}

// redactedConfig strips write-only secrets before echoing configuration.
func redactedConfig(c *config.Config) map[string]any {
	return map[string]any{
		"poll_interval_seconds":         c.PollIntervalSeconds,
		"max_concurrent_syncs":          c.MaxConcurrentSyncs,
		"change_significance_threshold": c.ChangeSignificanceThreshold,
		"extraction_cooldown_hours":     c.ExtractionCooldownHours,
		"title_change_weight":           c.TitleChangeWeight,
		"description_change_weight":     c.DescriptionChangeWeight,
		"state_change_weight":           c.StateChangeWeight,
		"max_changes_per_root":          c.MaxChangesPerRoot,
		"requirement_type":              c.RequirementType,
		"user_story_type":               c.UserStoryType,
		"auto_sync":                     c.AutoSync,
		"auto_extract_new_roots":        c.AutoExtractNewRoots,
		"auto_test_case_extraction":     c.AutoTestCaseExtraction,
		"enable_compact_extraction":     c.EnableCompactExtraction,
		"manual_override_enabled":       c.ManualOverrideEnabled,
		"notification_webhook_url":      c.NotificationWebhookURL,
		"tracker_configured":            c.Tracker.PersonalAccessToken != "",
		"generator_configured":          c.Generator.APIKey != "",
	}
}

func (s *Server) handleExtractStories(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stories, err := s.worker.PreviewStories(r.Context(), id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requirement_id": id, "stories": stories})
}

func (s *Server) handleExtractTestCases(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cases, err := s.worker.PreviewTestCases(r.Context(), id)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"story_id": id, "test_cases": cases})
}

// uploadRequest optionally carries pre-generated test cases. An empty
// body generates and uploads in one step.
type uploadRequest struct {
	TestCases []types.TestCase `json:"test_cases"`
}

func (s *Server) handleUploadTestCases(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, apiError{Kind: "bad_request", RootID: id, Message: "unreadable body"})
		return
	}
	var req uploadRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, apiError{
				Kind: "bad_request", RootID: id, Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			return
		}
	}

	cases := req.TestCases
	if len(cases) == 0 {
		cases, err = s.worker.PreviewTestCases(r.Context(), id)
		if err != nil {
			s.writeOpError(w, id, err)
			return
		}
	}

	ids, err := s.worker.UploadTestCases(r.Context(), id, cases)
	if err != nil {
		s.writeOpError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"story_id": id, "created": ids})
}
