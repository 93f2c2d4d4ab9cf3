// Package requests is the requester- and caregiver-facing surface of the
// service: request intake, responses to offers, cancellation, match
// previews and the care session progression.
package requests

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/care-matching/internal/assignment"
	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/lifecycle"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

const cancelAttempts = 3

// FeeCharger bills the requester for a late cancellation and returns the
// payment reference, or "" when nothing was charged.
type FeeCharger interface {
	ChargeCancellation(ctx context.Context, req *models.ServiceRequest) (string, error)
}

type Service struct {
	Store     storage.Store
	Profiles  profiles.Directory
	Matcher   *matcher.Engine
	Lifecycle *assignment.Lifecycle
	Notifier  dispatch.Notifier
	Clock     clock.Clock
	Logger    *slog.Logger
	NewID     func() string

	// Fees, when set, charges requesters who cancel an accepted session
	// less than FeeWindow before it starts.
	Fees      FeeCharger
	FeeWindow time.Duration
}

// CreateInput is the requester's payload. Date is YYYY-MM-DD, StartTime is
// HH:MM or HH:MM:SS, both UTC.
type CreateInput struct {
	Date                string   `json:"date"`
	StartTime           string   `json:"start_time"`
	DurationHours       float64  `json:"duration_hours"`
	NumChildren         int      `json:"num_children"`
	ChildrenAges        []int    `json:"children_ages,omitempty"`
	SpecialRequirements string   `json:"special_requirements,omitempty"`
	RequiredSkills      []string `json:"required_skills,omitempty"`
	MaxHourlyRate       *float64 `json:"max_hourly_rate,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func (in CreateInput) parse() (date time.Time, startMinute int, err error) {
	date, err = time.ParseInLocation("2006-01-02", strings.TrimSpace(in.Date), time.UTC)
	if err != nil {
		return time.Time{}, 0, invalid("date %q must be YYYY-MM-DD", in.Date)
	}
	startMinute, err = profiles.ParseClock(in.StartTime)
	if err != nil {
		return time.Time{}, 0, err
	}
	if startMinute >= 24*60 {
		return time.Time{}, 0, invalid("start_time %q must be before 24:00", in.StartTime)
	}
	switch {
	case in.DurationHours < 0.5 || in.DurationHours > 24:
		return time.Time{}, 0, invalid("duration_hours must be between 0.5 and 24")
	case in.NumChildren < 1 || in.NumChildren > 10:
		return time.Time{}, 0, invalid("num_children must be between 1 and 10")
	case in.MaxHourlyRate != nil && *in.MaxHourlyRate < 0:
		return time.Time{}, 0, invalid("max_hourly_rate must be >= 0")
	}
	for _, age := range in.ChildrenAges {
		if age < 0 || age > 17 {
			return time.Time{}, 0, invalid("children_ages must be between 0 and 17")
		}
	}
	return date, startMinute, nil
}

// Create stores a pending request at the requester's location and runs the
// first matching pass before returning. When matching fails the request is
// returned still pending together with the error.
func (s *Service) Create(ctx context.Context, requesterID string, in CreateInput) (*models.ServiceRequest, error) {
	date, start, err := in.parse()
	if err != nil {
		return nil, err
	}
	loc, err := s.Profiles.RequesterLocation(ctx, requesterID)
	if err != nil {
		return nil, err
	}
	now := s.clock().Now()
	skills := make([]string, 0, len(in.RequiredSkills))
	for _, sk := range in.RequiredSkills {
		if sk = strings.TrimSpace(sk); sk != "" {
			skills = append(skills, sk)
		}
	}
	req := &models.ServiceRequest{
		ID:                  s.newID(),
		RequesterID:         requesterID,
		Location:            loc,
		Date:                date,
		StartMinute:         start,
		DurationHours:       in.DurationHours,
		NumChildren:         in.NumChildren,
		ChildrenAges:        in.ChildrenAges,
		SpecialRequirements: in.SpecialRequirements,
		RequiredSkills:      skills,
		MaxHourlyRate:       in.MaxHourlyRate,
		Status:              models.RequestPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.Store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	s.logger().Info("request created", "request_id", req.ID, "requester_id", requesterID)

	if _, _, err := s.Matcher.FindAndAssign(ctx, req.ID); err != nil {
		s.logger().Error("initial matching failed", "request_id", req.ID, "err", err)
		return req, fmt.Errorf("match request %s: %w", req.ID, err)
	}
	return s.Store.GetRequest(ctx, req.ID)
}

type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

type RespondResult struct {
	Assignment *models.Assignment    `json:"assignment"`
	Booking    *models.BookingIntent `json:"booking,omitempty"`
}

// Respond applies a caregiver's answer to an offer.
func (s *Service) Respond(ctx context.Context, assignmentID, caregiverID string, action Action, reason string) (*RespondResult, error) {
	switch action {
	case ActionAccept:
		a, booking, err := s.Lifecycle.Accept(ctx, assignmentID, caregiverID)
		if err != nil {
			return nil, err
		}
		return &RespondResult{Assignment: a, Booking: booking}, nil
	case ActionReject:
		a, err := s.Lifecycle.Reject(ctx, assignmentID, caregiverID, reason)
		if err != nil {
			return nil, err
		}
		return &RespondResult{Assignment: a}, nil
	}
	return nil, invalid("action must be accept or reject, got %q", action)
}

// Cancel withdraws a request that has not been accepted yet. A pending offer
// is cancelled with it and its caregiver notified. Lost races against a
// concurrent transition are retried a few times before ErrStaleState is
// returned.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID string) (*models.ServiceRequest, error) {
	var lastErr error
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		req, err := s.owned(ctx, requestID, requesterID)
		if err != nil {
			return nil, err
		}
		if !lifecycle.Cancellable(req.Status) {
			return nil, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, models.ErrNotCancellable)
		}
		now := s.clock().Now()
		updated, cancelled, err := s.Store.CancelRequest(ctx, req.ID, req.Status, now)
		if errors.Is(err, models.ErrStaleState) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, a := range cancelled {
			observability.AssignmentsResolved.WithLabelValues(string(models.AssignmentCancelled)).Inc()
			s.notify(ctx, a.CaregiverID, dispatch.NewEvent(dispatch.EventCancelled, a, now))
		}
		s.logger().Info("request cancelled", "request_id", req.ID, "from", req.Status, "offers_cancelled", len(cancelled))
		return updated, nil
	}
	return nil, lastErr
}

// ViewMatches previews the ranking for a request without creating offers.
func (s *Service) ViewMatches(ctx context.Context, requestID, requesterID string) ([]matcher.Match, error) {
	req, err := s.owned(ctx, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	return s.Matcher.Preview(ctx, req)
}

type Detail struct {
	Request     *models.ServiceRequest `json:"request"`
	Assignments []models.Assignment    `json:"assignments"`
}

func (s *Service) Get(ctx context.Context, requestID, requesterID string) (*Detail, error) {
	req, err := s.owned(ctx, requestID, requesterID)
	if err != nil {
		return nil, err
	}
	as, err := s.Store.ListAssignmentsByRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &Detail{Request: req, Assignments: as}, nil
}

// ListByRequester returns the requester's requests, newest first.
func (s *Service) ListByRequester(ctx context.Context, requesterID string) ([]models.ServiceRequest, error) {
	return s.Store.ListRequestsByRequester(ctx, requesterID)
}

// ListAssignments is the caregiver's inbox, optionally filtered by status.
func (s *Service) ListAssignments(ctx context.Context, caregiverID string, status models.AssignmentStatus) ([]models.Assignment, error) {
	switch status {
	case "", models.AssignmentPending, models.AssignmentAccepted, models.AssignmentRejected, models.AssignmentTimeout, models.AssignmentCancelled:
	default:
		return nil, invalid("unknown assignment status %q", status)
	}
	return s.Store.ListAssignmentsByCaregiver(ctx, caregiverID, status)
}

// StartSession is called by the accepted caregiver when care begins.
func (s *Service) StartSession(ctx context.Context, requestID, caregiverID string) (*models.ServiceRequest, error) {
	req, err := s.forCaregiver(ctx, requestID, caregiverID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, req, models.RequestInProgress)
}

// CompleteSession is called by the caregiver when care ends.
func (s *Service) CompleteSession(ctx context.Context, requestID, caregiverID string) (*models.ServiceRequest, error) {
	req, err := s.forCaregiver(ctx, requestID, caregiverID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, req, models.RequestCompleted)
}

type SessionCancellation struct {
	Request *models.ServiceRequest `json:"request"`
	FeeID   string                 `json:"fee_id,omitempty"`
}

// CancelSession cancels an accepted or running session on behalf of either
// party. A requester cancelling an accepted session inside the fee window
// is charged; a failed charge is logged and does not undo the cancellation.
func (s *Service) CancelSession(ctx context.Context, requestID, actorID string) (*SessionCancellation, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	caregiverID, err := s.currentCaregiver(ctx, req)
	if err != nil {
		return nil, err
	}
	byRequester := actorID == req.RequesterID
	if !byRequester && actorID != caregiverID {
		return nil, fmt.Errorf("request %s: %w", req.ID, models.ErrForbidden)
	}
	if req.Status != models.RequestAccepted && req.Status != models.RequestInProgress {
		return nil, &models.InvalidTransitionError{Entity: "request", From: string(req.Status), To: string(models.RequestCancelled)}
	}
	now := s.clock().Now()
	updated, err := s.transition(ctx, req, models.RequestCancelled)
	if err != nil {
		return nil, err
	}
	out := &SessionCancellation{Request: updated}
	if byRequester && caregiverID != "" {
		s.notify(ctx, caregiverID, dispatch.Event{Type: dispatch.EventCancelled, AssignmentID: deref(req.CurrentAssignmentID), RequestID: req.ID, At: now})
	}
	if byRequester && req.Status == models.RequestAccepted && s.Fees != nil && req.StartsAt().Sub(now) < s.FeeWindow {
		id, err := s.Fees.ChargeCancellation(ctx, req)
		if err != nil {
			s.logger().Error("cancellation fee failed", "request_id", req.ID, "err", err)
		} else {
			out.FeeID = id
		}
	}
	return out, nil
}

func (s *Service) transition(ctx context.Context, req *models.ServiceRequest, to models.RequestStatus) (*models.ServiceRequest, error) {
	if err := lifecycle.CheckRequest(req.Status, to); err != nil {
		return nil, err
	}
	updated, err := s.Store.TransitionRequest(ctx, req.ID, req.Status, to, s.clock().Now())
	if err != nil {
		return nil, err
	}
	s.logger().Info("request transitioned", "request_id", req.ID, "from", req.Status, "to", to)
	return updated, nil
}

func (s *Service) owned(ctx context.Context, requestID, requesterID string) (*models.ServiceRequest, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != requesterID {
		return nil, fmt.Errorf("request %s: %w", req.ID, models.ErrForbidden)
	}
	return req, nil
}

func (s *Service) forCaregiver(ctx context.Context, requestID, caregiverID string) (*models.ServiceRequest, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	current, err := s.currentCaregiver(ctx, req)
	if err != nil {
		return nil, err
	}
	if current == "" || current != caregiverID {
		return nil, fmt.Errorf("request %s: %w", req.ID, models.ErrForbidden)
	}
	return req, nil
}

// currentCaregiver returns "" when the request has no current assignment.
func (s *Service) currentCaregiver(ctx context.Context, req *models.ServiceRequest) (string, error) {
	if req.CurrentAssignmentID == nil {
		return "", nil
	}
	a, err := s.Store.GetAssignment(ctx, *req.CurrentAssignmentID)
	if err != nil {
		return "", err
	}
	return a.CaregiverID, nil
}

func (s *Service) notify(ctx context.Context, caregiverID string, ev dispatch.Event) {
	if s.Notifier == nil {
		return
	}
	if err := s.Notifier.Notify(ctx, caregiverID, ev); err != nil {
		observability.NotificationsFailed.Inc()
		s.logger().Warn("notify caregiver failed", "caregiver_id", caregiverID, "type", ev.Type, "err", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Service) clock() clock.Clock {
	if s.Clock == nil {
		return clock.Real{}
	}
	return s.Clock
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) newID() string {
	if s.NewID == nil {
		return uuid.NewString()
	}
	return s.NewID()
}
