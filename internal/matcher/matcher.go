// Package matcher picks the best remaining caregiver for a service request
// and offers it to them as a pending assignment.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

const (
	DefaultRadiusKm       = 10.0
	DefaultResponseWindow = 15 * time.Minute
	PreviewLimit          = 20
)

type Outcome string

const (
	// OutcomeSkipped: the request was not pending, or another pass won the race.
	OutcomeSkipped   Outcome = "skipped"
	OutcomeNoMatches Outcome = "no_matches"
	OutcomeAssigned  Outcome = "assigned"
)

// Engine runs matching passes. Zero-valued tunables fall back to the defaults.
type Engine struct {
	Store      storage.Store
	Candidates profiles.Candidates
	Reviews    profiles.Reviews
	Notifier   dispatch.Notifier
	Clock      clock.Clock
	Logger     *slog.Logger

	RadiusKm       float64
	ResponseWindow time.Duration
	Weights        geo.Weights
	NewID          func() string
}

// FindAndAssign offers the request to the best caregiver not yet tried.
// Store and repository errors are returned and leave the request pending.
func (e *Engine) FindAndAssign(ctx context.Context, requestID string) (Outcome, *models.Assignment, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return "", nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if req.Status != models.RequestPending {
		return e.done(OutcomeSkipped), nil, nil
	}

	prior, err := e.Store.ListAssignmentsByRequest(ctx, req.ID)
	if err != nil {
		return "", nil, fmt.Errorf("load assignments of %s: %w", req.ID, err)
	}
	exclude := make([]string, 0, len(prior))
	for _, a := range prior {
		exclude = append(exclude, a.CaregiverID)
	}

	cands, err := e.Candidates.FindCandidates(ctx, models.CandidateQuery{
		Center:        req.Location,
		RadiusKm:      e.radius(),
		MaxHourlyRate: req.MaxHourlyRate,
		Exclude:       exclude,
	})
	if err != nil {
		return "", nil, fmt.Errorf("find candidates for %s: %w", req.ID, err)
	}

	eligible := cands[:0:0]
	for _, c := range cands {
		if HasSkills(c.Skills, req.RequiredSkills) && AvailableFor(c.Availability, req) {
			eligible = append(eligible, c)
		}
	}
	ranked, err := e.rank(ctx, req, eligible)
	if err != nil {
		return "", nil, err
	}
	if len(ranked) == 0 {
		return e.noMatches(ctx, req, len(cands))
	}

	best := ranked[0]
	now := e.clock().Now()
	a := &models.Assignment{
		ID:               e.newID(),
		RequestID:        req.ID,
		CaregiverID:      best.ID,
		Status:           models.AssignmentPending,
		ResponseDeadline: now.Add(e.window()),
		RankPosition:     len(prior) + 1,
		CreatedAt:        now,
	}
	if err := e.Store.CreateAssignment(ctx, a); err != nil {
		if errors.Is(err, models.ErrStaleState) {
			e.logger().Info("matching pass lost race", "request_id", req.ID, "err", err)
			return e.done(OutcomeSkipped), nil, nil
		}
		return "", nil, fmt.Errorf("create assignment for %s: %w", req.ID, err)
	}
	e.logger().Info("assignment offered",
		"request_id", req.ID, "assignment_id", a.ID, "caregiver_id", a.CaregiverID,
		"rank", a.RankPosition, "score", best.Score.Score, "distance_km", best.DistanceKm)
	e.notify(ctx, a.CaregiverID, dispatch.NewEvent(dispatch.EventOffered, *a, now))
	return e.done(OutcomeAssigned), a, nil
}

func (e *Engine) noMatches(ctx context.Context, req *models.ServiceRequest, found int) (Outcome, *models.Assignment, error) {
	_, err := e.Store.TransitionRequest(ctx, req.ID, models.RequestPending, models.RequestNoMatches, e.clock().Now())
	if errors.Is(err, models.ErrStaleState) {
		return e.done(OutcomeSkipped), nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("mark %s no_matches: %w", req.ID, err)
	}
	e.logger().Info("no caregivers left", "request_id", req.ID, "in_radius", found)
	return e.done(OutcomeNoMatches), nil, nil
}

// Match is one ranked caregiver in a preview.
type Match struct {
	models.Candidate
	Score             float64 `json:"score"`
	HasSkills         bool    `json:"has_skills"`
	AvailableForSlot  bool    `json:"available_for_slot"`
	PreviouslyOffered bool    `json:"previously_offered"`
}

// Eligible reports whether the caregiver could be offered the request now.
func (m Match) Eligible() bool {
	return m.HasSkills && m.AvailableForSlot && !m.PreviouslyOffered
}

// Preview ranks caregivers for req without creating anything. Caregivers
// already offered the request are included and flagged. Eligible caregivers
// come first, each group in score order.
func (e *Engine) Preview(ctx context.Context, req *models.ServiceRequest) ([]Match, error) {
	prior, err := e.Store.ListAssignmentsByRequest(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("load assignments of %s: %w", req.ID, err)
	}
	offered := make(map[string]bool, len(prior))
	for _, a := range prior {
		offered[a.CaregiverID] = true
	}
	cands, err := e.Candidates.FindCandidates(ctx, models.CandidateQuery{
		Center:        req.Location,
		RadiusKm:      e.radius(),
		MaxHourlyRate: req.MaxHourlyRate,
	})
	if err != nil {
		return nil, fmt.Errorf("find candidates for %s: %w", req.ID, err)
	}
	ranked, err := e.rank(ctx, req, cands)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, Match{
			Candidate:         r.Candidate,
			Score:             r.Score.Score,
			HasSkills:         HasSkills(r.Skills, req.RequiredSkills),
			AvailableForSlot:  AvailableFor(r.Availability, req),
			PreviouslyOffered: offered[r.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Eligible() && !out[j].Eligible() })
	if len(out) > PreviewLimit {
		out = out[:PreviewLimit]
	}
	return out, nil
}

type ranked struct {
	models.Candidate
	Score geo.Scored
}

// rank attaches ratings, scores every candidate and sorts them best first.
func (e *Engine) rank(ctx context.Context, req *models.ServiceRequest, cands []models.Candidate) ([]ranked, error) {
	w := e.Weights
	if w.Validate() != nil {
		w = geo.DefaultWeights()
	}
	out := make([]ranked, 0, len(cands))
	for _, c := range cands {
		rating, err := e.Reviews.AverageRating(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("rating of %s: %w", c.ID, err)
		}
		c.Rating = rating
		s := geo.Score(geo.ScoreInput{
			DistanceKm:      c.DistanceKm,
			RadiusKm:        e.radius(),
			Rating:          rating,
			HourlyRate:      c.HourlyRate,
			MaxHourlyRate:   req.MaxHourlyRate,
			ExperienceYears: c.ExperienceYears,
			AcceptanceRate:  c.AcceptanceRate,
		}, w)
		out = append(out, ranked{Candidate: c, Score: geo.Scored{ID: c.ID, DistanceKm: c.DistanceKm, Score: s}})
	}
	sort.SliceStable(out, func(i, j int) bool { return geo.Less(out[i].Score, out[j].Score) })
	return out, nil
}

// HasSkills: every required skill is held, compared case-insensitively.
func HasSkills(held, required []string) bool {
	set := make(map[string]struct{}, len(held))
	for _, s := range held {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(r))]; !ok {
			return false
		}
	}
	return true
}

// AvailableFor: one declared window on the request's weekday must contain
// the whole session. Sessions running past midnight never fit.
func AvailableFor(avail map[time.Weekday][]models.Window, req *models.ServiceRequest) bool {
	start, end := req.StartMinute, req.EndMinute()
	if end > 24*60 {
		return false
	}
	for _, w := range avail[req.Date.UTC().Weekday()] {
		if w.Start <= start && end <= w.End {
			return true
		}
	}
	return false
}

func (e *Engine) notify(ctx context.Context, caregiverID string, ev dispatch.Event) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, caregiverID, ev); err != nil {
		observability.NotificationsFailed.Inc()
		e.logger().Warn("notify caregiver failed", "caregiver_id", caregiverID, "type", ev.Type, "err", err)
	}
}

func (e *Engine) done(o Outcome) Outcome {
	observability.MatchesTotal.WithLabelValues(string(o)).Inc()
	return o
}

func (e *Engine) radius() float64 {
	if e.RadiusKm <= 0 {
		return DefaultRadiusKm
	}
	return e.RadiusKm
}

func (e *Engine) window() time.Duration {
	if e.ResponseWindow <= 0 {
		return DefaultResponseWindow
	}
	return e.ResponseWindow
}

func (e *Engine) clock() clock.Clock {
	if e.Clock == nil {
		return clock.Real{}
	}
	return e.Clock
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) newID() string {
	if e.NewID == nil {
		return uuid.NewString()
	}
	return e.NewID()
}
