package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event types posted to the notification webhook.
const (
	EventMonitorStarted = "monitor_started"
	EventMonitorStopped = "monitor_stopped"
	EventRootRetired    = "root_retired"
)

// Event is the webhook payload.
type Event struct {
	Type      string    `json:"type"`
	RootID    string    `json:"root_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts lifecycle events to a configured webhook. Delivery is
// best-effort: failures are logged, never propagated.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

// NewNotifier builds a notifier. An empty URL yields a notifier whose
// Notify is a no-op.
func NewNotifier(url string, log *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Notify posts the event as JSON. Safe to call on a nil-URL notifier.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if n == nil || n.url == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("notification marshal failed", "type", ev.Type, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("notification request build failed", "type", ev.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notification delivery failed", "type", ev.Type, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Warn("notification rejected", "type", ev.Type, "status", resp.StatusCode)
	}
}
