package assignment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

var (
	nyc = models.Coord{Lat: 40.7128, Lng: -74.0060}
	day = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	t0  = time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
)

type nudges struct {
	mu sync.Mutex
	n  int
}

func (c *nudges) Nudge() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

type env struct {
	store  *storage.MemoryStore
	dir    *profiles.MemoryDirectory
	clock  *clock.Fake
	nudges *nudges
	life   *Lifecycle
	engine *matcher.Engine
}

func newEnv(t *testing.T, async bool, caregivers ...string) *env {
	t.Helper()
	e := &env{store: storage.NewMemoryStore(), dir: profiles.NewMemoryDirectory(), clock: clock.NewFake(t0), nudges: &nudges{}}
	for i, id := range caregivers {
		rate := 20.0
		e.dir.PutCaregiver(models.CaregiverProfile{
			ID:           id,
			Location:     &models.Coord{Lat: nyc.Lat + float64(i+1)/111.195, Lng: nyc.Lng},
			HourlyRate:   &rate,
			Availability: map[time.Weekday][]models.Window{time.Wednesday: {{Start: 0, End: 24 * 60}}},
			Verified:     true,
			AvailableNow: true,
		})
	}
	var seq int
	var mu sync.Mutex
	newID := func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	e.engine = &matcher.Engine{Store: e.store, Candidates: e.dir, Reviews: e.dir, Clock: e.clock, NewID: newID}
	e.life = &Lifecycle{
		Store:    e.store,
		Profiles: e.dir,
		Matcher:  e.engine,
		Outbox:   e.nudges,
		Clock:    e.clock,
		Async:    async,
		NewID:    newID,
	}
	return e
}

// offered creates a request and runs the first matching pass.
func (e *env) offered(t *testing.T, id string) *models.Assignment {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.CreateRequest(ctx, &models.ServiceRequest{
		ID:            id,
		RequesterID:   "parent",
		Location:      nyc,
		Date:          day,
		StartMinute:   9*60 + 30,
		DurationHours: 2.5,
		NumChildren:   1,
		Status:        models.RequestPending,
		CreatedAt:     t0,
		UpdatedAt:     t0,
	}))
	out, a, err := e.engine.FindAndAssign(ctx, id)
	require.NoError(t, err)
	require.Equal(t, matcher.OutcomeAssigned, out)
	return a
}

func TestAcceptFinalizesRequestAndQueuesBooking(t *testing.T) {
	e := newEnv(t, false, "cg1", "cg2")
	a := e.offered(t, "r1")
	ctx := context.Background()

	got, intent, err := e.life.Accept(ctx, a.ID, "cg1")
	require.NoError(t, err)
	require.Equal(t, models.AssignmentAccepted, got.Status)
	require.NotNil(t, got.RespondedAt)
	require.Equal(t, time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC), intent.StartTime)
	require.Equal(t, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), intent.EndTime)

	req, err := e.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.RequestAccepted, req.Status)

	events, err := e.store.PendingEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.TopicBookingRequested, events[0].Topic)
	var payload models.BookingIntent
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	require.Equal(t, *intent, payload)
	require.Equal(t, 1, e.nudges.n)

	p, err := e.dir.CandidateProfile(ctx, "cg1")
	require.NoError(t, err)
	require.Equal(t, 100.0, *p.AcceptanceRate)
}

func TestResponseByAnotherCaregiverIsForbidden(t *testing.T) {
	e := newEnv(t, false, "cg1", "cg2")
	a := e.offered(t, "r1")
	_, _, err := e.life.Accept(context.Background(), a.ID, "cg2")
	require.ErrorIs(t, err, models.ErrForbidden)
	_, err = e.life.Reject(context.Background(), a.ID, "cg2", "")
	require.ErrorIs(t, err, models.ErrForbidden)
	_, _, err = e.life.Accept(context.Background(), "missing", "cg1")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSecondResponseIsNotPending(t *testing.T) {
	e := newEnv(t, false, "cg1", "cg2")
	a := e.offered(t, "r1")
	ctx := context.Background()
	_, _, err := e.life.Accept(ctx, a.ID, "cg1")
	require.NoError(t, err)
	_, _, err = e.life.Accept(ctx, a.ID, "cg1")
	require.ErrorIs(t, err, models.ErrNotPending)
	_, err = e.life.Reject(ctx, a.ID, "cg1", "changed my mind")
	require.ErrorIs(t, err, models.ErrNotPending)
}

func TestRejectRematchesInBackground(t *testing.T) {
	e := newEnv(t, true, "cg1", "cg2")
	a := e.offered(t, "r1")
	ctx := context.Background()

	got, err := e.life.Reject(ctx, a.ID, "cg1", "sick")
	require.NoError(t, err)
	require.Equal(t, models.AssignmentRejected, got.Status)
	require.Equal(t, "sick", got.RejectionReason)
	e.life.Wait()

	as, err := e.store.ListAssignmentsByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, as, 2)
	require.Equal(t, "cg2", as[1].CaregiverID)
	require.Equal(t, 2, as[1].RankPosition)
	require.Equal(t, models.AssignmentPending, as[1].Status)

	p, err := e.dir.CandidateProfile(ctx, "cg1")
	require.NoError(t, err)
	require.Equal(t, 0.0, *p.AcceptanceRate)
}

func TestExpireTimesOutAndOffersNextCaregiver(t *testing.T) {
	e := newEnv(t, false, "cg1", "cg2")
	a := e.offered(t, "r1")
	ctx := context.Background()

	_, err := e.life.Expire(ctx, a.ID)
	require.ErrorIs(t, err, models.ErrNotExpired)

	e.clock.Advance(16 * time.Minute)
	got, err := e.life.Expire(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.AssignmentTimeout, got.Status)

	as, err := e.store.ListAssignmentsByRequest(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, as, 2)
	require.Equal(t, a.RankPosition+1, as[1].RankPosition)
	require.Equal(t, "cg2", as[1].CaregiverID)

	// last caregiver times out too: the request ends in no_matches
	e.clock.Advance(16 * time.Minute)
	_, err = e.life.Expire(ctx, as[1].ID)
	require.NoError(t, err)
	req, err := e.store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.RequestNoMatches, req.Status)

	_, err = e.life.Expire(ctx, a.ID)
	require.ErrorIs(t, err, models.ErrNotPending)
}

func TestAcceptRacingExpireHasOneWinner(t *testing.T) {
	for i := 0; i < 20; i++ {
		e := newEnv(t, false, "cg1", "cg2")
		a := e.offered(t, "r1")
		e.clock.Advance(16 * time.Minute)
		ctx := context.Background()

		var wg sync.WaitGroup
		var acceptErr, expireErr error
		wg.Add(2)
		go func() { defer wg.Done(); _, _, acceptErr = e.life.Accept(ctx, a.ID, "cg1") }()
		go func() { defer wg.Done(); _, expireErr = e.life.Expire(ctx, a.ID) }()
		wg.Wait()

		if (acceptErr == nil) == (expireErr == nil) {
			t.Fatalf("exactly one resolution must win: accept=%v expire=%v", acceptErr, expireErr)
		}
		loser := acceptErr
		if loser == nil {
			loser = expireErr
		}
		require.True(t, errors.Is(loser, models.ErrNotPending), "loser got %v", loser)

		got, err := e.store.GetAssignment(ctx, a.ID)
		require.NoError(t, err)
		if acceptErr == nil {
			require.Equal(t, models.AssignmentAccepted, got.Status)
		} else {
			require.Equal(t, models.AssignmentTimeout, got.Status)
		}
	}
}

func TestAcceptanceRate(t *testing.T) {
	rate, ok := AcceptanceRate(models.OutcomeCounts{Accepted: 10, Rejected: 2})
	require.True(t, ok)
	require.Equal(t, 83.33, rate)

	rate, ok = AcceptanceRate(models.OutcomeCounts{Accepted: 1, Rejected: 1, Timeout: 1})
	require.True(t, ok)
	require.Equal(t, 33.33, rate)

	_, ok = AcceptanceRate(models.OutcomeCounts{})
	require.False(t, ok)
}
