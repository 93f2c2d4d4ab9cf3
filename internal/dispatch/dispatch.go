package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/care-matching/internal/models"
)

type EventType string

const (
	EventOffered   EventType = "assignment.offered"
	EventCancelled EventType = "assignment.cancelled"
	EventExpired   EventType = "assignment.expired"
)

// Event is what a caregiver's device receives about one of their assignments.
type Event struct {
	Type         EventType  `json:"type"`
	AssignmentID string     `json:"assignment_id"`
	RequestID    string     `json:"request_id"`
	Deadline     *time.Time `json:"response_deadline,omitempty"`
	At           time.Time  `json:"at"`
}

// NewEvent builds an event for a; the deadline is only set on offers.
func NewEvent(t EventType, a models.Assignment, at time.Time) Event {
	ev := Event{Type: t, AssignmentID: a.ID, RequestID: a.RequestID, At: at}
	if t == EventOffered {
		d := a.ResponseDeadline
		ev.Deadline = &d
	}
	return ev
}

// Notifier delivers an event to a caregiver. Callers log failures and move on.
type Notifier interface {
	Notify(ctx context.Context, caregiverID string, ev Event) error
}

// WebhookNotifier posts events to a notification backend.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *WebhookNotifier) Notify(ctx context.Context, caregiverID string, ev Event) error {
	b, err := json.Marshal(map[string]any{"caregiver_id": caregiverID, "event": ev})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push %s: unexpected status %d", ev.Type, resp.StatusCode)
	}
	return nil
}

// LogNotifier only logs. Used when no push backend is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, caregiverID string, ev Event) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("caregiver notification", "caregiver_id", caregiverID, "type", ev.Type, "assignment_id", ev.AssignmentID, "request_id", ev.RequestID)
	return nil
}
