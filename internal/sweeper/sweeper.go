// Package sweeper periodically times out pending assignments whose response
// deadline has passed, and retries matching for pending requests that were
// left without an offer.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
	"github.com/example/care-matching/internal/storage"
)

const (
	DefaultInterval     = time.Minute
	DefaultBatchSize    = 500
	DefaultRematchAfter = 2 * time.Minute
)

type Expirer interface {
	Expire(ctx context.Context, assignmentID string) (*models.Assignment, error)
}

type Matcher interface {
	FindAndAssign(ctx context.Context, requestID string) (matcher.Outcome, *models.Assignment, error)
}

type Sweeper struct {
	Store   storage.Store
	Expirer Expirer
	// Matcher, when set, re-runs matching for pending requests that have
	// had no offer for RematchAfter.
	Matcher      Matcher
	RematchAfter time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Interval     time.Duration
	BatchSize    int
}

type TickReport struct {
	Found   int
	Expired int
	Failed  int

	Stalled       int
	Rematched     int
	RematchFailed int
}

// Run ticks until ctx is cancelled. A tick runs to completion before the
// next one can start.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	s.logger().Info("timeout sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger().Info("timeout sweeper stopped")
			return
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick expires every overdue pending assignment, then retries matching for
// stalled requests. One failure never stops the others.
func (s *Sweeper) Tick(ctx context.Context) TickReport {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var rep TickReport
	s.expire(ctx, &rep)
	s.rematch(ctx, &rep)
	return rep
}

func (s *Sweeper) expire(ctx context.Context, rep *TickReport) {
	due, err := s.Store.ListExpiredAssignments(ctx, s.clock().Now(), s.batch())
	if err != nil {
		s.logger().Error("list expired assignments", "err", err)
		return
	}
	rep.Found = len(due)
	for _, a := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.Expirer.Expire(ctx, a.ID); err != nil {
			rep.Failed++
			observability.SweepFailures.Inc()
			s.logger().Warn("expire assignment", "assignment_id", a.ID, "request_id", a.RequestID, "err", err)
			continue
		}
		rep.Expired++
		observability.SweepExpired.Inc()
	}
	if rep.Found > 0 {
		s.logger().Info("sweep finished", "found", rep.Found, "expired", rep.Expired, "failed", rep.Failed)
	}
}

// rematch picks up pending requests whose last matching pass failed. A
// request updated within RematchAfter is left alone so an in-flight pass
// can finish.
func (s *Sweeper) rematch(ctx context.Context, rep *TickReport) {
	if s.Matcher == nil || ctx.Err() != nil {
		return
	}
	after := s.RematchAfter
	if after <= 0 {
		after = DefaultRematchAfter
	}
	stalled, err := s.Store.ListUnofferedRequests(ctx, s.clock().Now().Add(-after), s.batch())
	if err != nil {
		s.logger().Error("list unoffered requests", "err", err)
		return
	}
	rep.Stalled = len(stalled)
	for _, r := range stalled {
		if ctx.Err() != nil {
			break
		}
		out, _, err := s.Matcher.FindAndAssign(ctx, r.ID)
		if err != nil {
			rep.RematchFailed++
			observability.SweepFailures.Inc()
			s.logger().Warn("rematch stalled request", "request_id", r.ID, "err", err)
			continue
		}
		rep.Rematched++
		s.logger().Info("stalled request rematched", "request_id", r.ID, "outcome", string(out))
	}
}

func (s *Sweeper) batch() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s *Sweeper) clock() clock.Clock {
	if s.Clock == nil {
		return clock.Real{}
	}
	return s.Clock
}

func (s *Sweeper) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
