// Package assignment resolves pending offers: a caregiver accepts or
// rejects, or the sweeper expires them. Each resolution is a
// compare-and-set on the pending status, so exactly one of any racing
// resolutions wins and the others get models.ErrNotPending.
package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

type Matcher interface {
	FindAndAssign(ctx context.Context, requestID string) (matcher.Outcome, *models.Assignment, error)
}

// Nudger wakes the outbox relay after an event was written.
type Nudger interface {
	Nudge()
}

type Lifecycle struct {
	Store    storage.Store
	Profiles profiles.Directory
	Matcher  Matcher
	Notifier dispatch.Notifier
	Outbox   Nudger
	Clock    clock.Clock
	Logger   *slog.Logger
	// Async runs the re-match after a rejection in the background.
	Async bool
	NewID func() string

	wg sync.WaitGroup
}

// Accept confirms the offer. The request moves to accepted and a
// booking.requested event is written in the same transaction.
func (l *Lifecycle) Accept(ctx context.Context, assignmentID, caregiverID string) (*models.Assignment, *models.BookingIntent, error) {
	a, err := l.load(ctx, assignmentID, caregiverID)
	if err != nil {
		return nil, nil, err
	}
	req, err := l.Store.GetRequest(ctx, a.RequestID)
	if err != nil {
		return nil, nil, fmt.Errorf("load request %s: %w", a.RequestID, err)
	}
	now := l.clock().Now()
	intent := &models.BookingIntent{
		RequestID:    req.ID,
		AssignmentID: a.ID,
		CaregiverID:  a.CaregiverID,
		RequesterID:  req.RequesterID,
		StartTime:    req.StartsAt(),
		EndTime:      req.EndsAt(),
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return nil, nil, err
	}
	resolved, err := l.Store.ResolveAssignment(ctx, storage.Resolution{
		AssignmentID: a.ID,
		Status:       models.AssignmentAccepted,
		At:           now,
		Event: &models.OutboxEvent{
			ID:        l.newID(),
			Topic:     models.TopicBookingRequested,
			Key:       req.ID,
			Payload:   payload,
			CreatedAt: now,
		},
	})
	if err != nil {
		return nil, nil, err
	}
	observability.AssignmentsResolved.WithLabelValues(string(models.AssignmentAccepted)).Inc()
	l.logger().Info("assignment accepted", "assignment_id", a.ID, "request_id", req.ID, "caregiver_id", a.CaregiverID)
	l.refreshAcceptanceRate(ctx, a.CaregiverID)
	if l.Outbox != nil {
		l.Outbox.Nudge()
	}
	return resolved, intent, nil
}

// Reject declines the offer and re-matches the request. The caller never
// waits for, or sees errors from, the re-match when Async is set.
func (l *Lifecycle) Reject(ctx context.Context, assignmentID, caregiverID, reason string) (*models.Assignment, error) {
	a, err := l.load(ctx, assignmentID, caregiverID)
	if err != nil {
		return nil, err
	}
	resolved, err := l.Store.ResolveAssignment(ctx, storage.Resolution{
		AssignmentID: a.ID,
		Status:       models.AssignmentRejected,
		At:           l.clock().Now(),
		Reason:       reason,
	})
	if err != nil {
		return nil, err
	}
	observability.AssignmentsResolved.WithLabelValues(string(models.AssignmentRejected)).Inc()
	l.logger().Info("assignment rejected", "assignment_id", a.ID, "request_id", a.RequestID, "caregiver_id", a.CaregiverID, "reason", reason)
	l.refreshAcceptanceRate(ctx, a.CaregiverID)

	if l.Async {
		l.rematchAsync(ctx, a.RequestID)
		return resolved, nil
	}
	if _, _, err := l.Matcher.FindAndAssign(ctx, a.RequestID); err != nil {
		l.logger().Error("re-match after rejection failed", "request_id", a.RequestID, "err", err)
	}
	return resolved, nil
}

// Expire times out a pending assignment whose deadline has passed and
// re-matches synchronously. A re-match error is returned after the timeout
// has been recorded.
func (l *Lifecycle) Expire(ctx context.Context, assignmentID string) (*models.Assignment, error) {
	a, err := l.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AssignmentPending {
		return nil, fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, models.ErrNotPending)
	}
	now := l.clock().Now()
	if !a.ResponseDeadline.Before(now) {
		return nil, fmt.Errorf("assignment %s due %s: %w", a.ID, a.ResponseDeadline.Format("15:04:05"), models.ErrNotExpired)
	}
	resolved, err := l.Store.ResolveAssignment(ctx, storage.Resolution{
		AssignmentID: a.ID,
		Status:       models.AssignmentTimeout,
		At:           now,
	})
	if err != nil {
		return nil, err
	}
	observability.AssignmentsResolved.WithLabelValues(string(models.AssignmentTimeout)).Inc()
	l.logger().Info("assignment timed out", "assignment_id", a.ID, "request_id", a.RequestID, "caregiver_id", a.CaregiverID)
	l.notify(ctx, a.CaregiverID, dispatch.NewEvent(dispatch.EventExpired, *resolved, now))
	l.refreshAcceptanceRate(ctx, a.CaregiverID)

	if _, _, err := l.Matcher.FindAndAssign(ctx, a.RequestID); err != nil {
		return resolved, fmt.Errorf("re-match %s: %w", a.RequestID, err)
	}
	return resolved, nil
}

// Wait blocks until background re-matches have finished.
func (l *Lifecycle) Wait() { l.wg.Wait() }

func (l *Lifecycle) load(ctx context.Context, assignmentID, caregiverID string) (*models.Assignment, error) {
	a, err := l.Store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.CaregiverID != caregiverID {
		return nil, fmt.Errorf("assignment %s belongs to another caregiver: %w", a.ID, models.ErrForbidden)
	}
	if a.Status != models.AssignmentPending {
		return nil, fmt.Errorf("assignment %s is %s: %w", a.ID, a.Status, models.ErrNotPending)
	}
	return a, nil
}

func (l *Lifecycle) rematchAsync(ctx context.Context, requestID string) {
	ctx = context.WithoutCancel(ctx)
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if _, _, err := l.Matcher.FindAndAssign(ctx, requestID); err != nil {
			l.logger().Error("re-match after rejection failed", "request_id", requestID, "err", err)
		}
	}()
}

// AcceptanceRate is accepted over all resolved offers as a percentage with
// two decimals. ok is false when nothing has been resolved yet.
func AcceptanceRate(c models.OutcomeCounts) (rate float64, ok bool) {
	total := c.Total()
	if total == 0 {
		return 0, false
	}
	return math.Round(float64(c.Accepted)/float64(total)*10000) / 100, true
}

// refreshAcceptanceRate recomputes from the caregiver's full history.
// Failures are logged; the resolution itself already committed.
func (l *Lifecycle) refreshAcceptanceRate(ctx context.Context, caregiverID string) {
	counts, err := l.Store.CaregiverOutcomes(ctx, caregiverID)
	if err != nil {
		l.logger().Warn("load caregiver outcomes", "caregiver_id", caregiverID, "err", err)
		return
	}
	rate, ok := AcceptanceRate(counts)
	if !ok {
		return
	}
	if err := l.Profiles.UpdateAcceptanceRate(ctx, caregiverID, rate); err != nil {
		l.logger().Warn("update acceptance rate", "caregiver_id", caregiverID, "err", err)
	}
}

func (l *Lifecycle) notify(ctx context.Context, caregiverID string, ev dispatch.Event) {
	if l.Notifier == nil {
		return
	}
	if err := l.Notifier.Notify(ctx, caregiverID, ev); err != nil {
		observability.NotificationsFailed.Inc()
		l.logger().Warn("notify caregiver failed", "caregiver_id", caregiverID, "type", ev.Type, "err", err)
	}
}

func (l *Lifecycle) clock() clock.Clock {
	if l.Clock == nil {
		return clock.Real{}
	}
	return l.Clock
}

func (l *Lifecycle) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *Lifecycle) newID() string {
	if l.NewID == nil {
		return uuid.NewString()
	}
	return l.NewID()
}
