package requests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/care-matching/internal/assignment"
	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/matcher"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

var (
	nyc = models.Coord{Lat: 40.7128, Lng: -74.0060}
	t0  = time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
)

type events struct {
	mu  sync.Mutex
	got []string
}

func (e *events) Notify(_ context.Context, caregiverID string, ev dispatch.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, caregiverID+":"+string(ev.Type))
	return nil
}

type fees struct{ charged []string }

func (f *fees) ChargeCancellation(_ context.Context, req *models.ServiceRequest) (string, error) {
	f.charged = append(f.charged, req.ID)
	return "pi_" + req.ID, nil
}

// flakyStore loses the first cancel race.
type flakyStore struct {
	*storage.MemoryStore
	failures int
}

func (f *flakyStore) CancelRequest(ctx context.Context, id string, from models.RequestStatus, at time.Time) (*models.ServiceRequest, []models.Assignment, error) {
	if f.failures > 0 {
		f.failures--
		return nil, nil, fmt.Errorf("lost race: %w", models.ErrStaleState)
	}
	return f.MemoryStore.CancelRequest(ctx, id, from, at)
}

type env struct {
	svc    *Service
	store  storage.Store
	dir    *profiles.MemoryDirectory
	clock  *clock.Fake
	events *events
	fees   *fees
}

func newEnv(t *testing.T, store storage.Store, caregivers ...string) *env {
	t.Helper()
	e := &env{store: store, dir: profiles.NewMemoryDirectory(), clock: clock.NewFake(t0), events: &events{}, fees: &fees{}}
	e.dir.PutRequester("parent", &nyc)
	e.dir.PutRequester("homeless", nil)
	for i, id := range caregivers {
		e.dir.PutCaregiver(models.CaregiverProfile{
			ID:           id,
			Location:     &models.Coord{Lat: nyc.Lat + float64(i+1)/111.195, Lng: nyc.Lng},
			Skills:       []string{"CPR"},
			Availability: map[time.Weekday][]models.Window{time.Wednesday: {{Start: 7 * 60, End: 20 * 60}}},
			Verified:     true,
			AvailableNow: true,
		})
	}
	var seq int
	newID := func() string { seq++; return fmt.Sprintf("id-%d", seq) }
	engine := &matcher.Engine{Store: store, Candidates: e.dir, Reviews: e.dir, Notifier: e.events, Clock: e.clock, NewID: newID}
	life := &assignment.Lifecycle{Store: store, Profiles: e.dir, Matcher: engine, Notifier: e.events, Clock: e.clock, NewID: newID}
	e.svc = &Service{
		Store:     store,
		Profiles:  e.dir,
		Matcher:   engine,
		Lifecycle: life,
		Notifier:  e.events,
		Clock:     e.clock,
		NewID:     newID,
		Fees:      e.fees,
		FeeWindow: 24 * time.Hour,
	}
	return e
}

func input() CreateInput {
	return CreateInput{Date: "2026-03-04", StartTime: "09:00:00", DurationHours: 3, NumChildren: 2, ChildrenAges: []int{2, 6}, RequiredSkills: []string{" cpr "}}
}

func TestCreateValidatesInput(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1")
	ctx := context.Background()
	for name, mutate := range map[string]func(*CreateInput){
		"date":     func(in *CreateInput) { in.Date = "04/03/2026" },
		"time":     func(in *CreateInput) { in.StartTime = "9am" },
		"midnight": func(in *CreateInput) { in.StartTime = "24:00" },
		"short":    func(in *CreateInput) { in.DurationHours = 0.25 },
		"children": func(in *CreateInput) { in.NumChildren = 0 },
		"age":      func(in *CreateInput) { in.ChildrenAges = []int{-1} },
		"rate":     func(in *CreateInput) { r := -5.0; in.MaxHourlyRate = &r },
	} {
		in := input()
		mutate(&in)
		_, err := e.svc.Create(ctx, "parent", in)
		require.ErrorIs(t, err, models.ErrInvalidInput, name)
	}
	_, err := e.svc.Create(ctx, "homeless", input())
	require.ErrorIs(t, err, models.ErrIncompleteProfile)
	_, err = e.svc.Create(ctx, "stranger", input())
	require.ErrorIs(t, err, models.ErrIncompleteProfile)
}

func TestCreateMatchesBeforeReturning(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1", "cg2")
	req, err := e.svc.Create(context.Background(), "parent", input())
	require.NoError(t, err)
	require.Equal(t, models.RequestAssigned, req.Status)
	require.Equal(t, nyc, req.Location)
	require.Equal(t, 9*60, req.StartMinute)
	require.Equal(t, []string{"cpr"}, req.RequiredSkills)
	require.Equal(t, []string{"cg1:assignment.offered"}, e.events.got)
}

func TestCancelFromNoMatchesThenAgain(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore())
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)
	require.Equal(t, models.RequestNoMatches, req.Status)

	got, err := e.svc.Cancel(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, got.Status)

	_, err = e.svc.Cancel(ctx, req.ID, "parent")
	require.ErrorIs(t, err, models.ErrNotCancellable)
}

func TestCancelAssignedCancelsOfferAndNotifies(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)

	_, err = e.svc.Cancel(ctx, req.ID, "someone-else")
	require.ErrorIs(t, err, models.ErrForbidden)

	got, err := e.svc.Cancel(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, got.Status)
	require.Nil(t, got.CurrentAssignmentID)

	as, err := e.store.ListAssignmentsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, as, 1)
	require.Equal(t, models.AssignmentCancelled, as[0].Status)
	require.Equal(t, []string{"cg1:assignment.offered", "cg1:assignment.cancelled"}, e.events.got)

	// a late answer to the cancelled offer is refused
	_, err = e.svc.Respond(ctx, as[0].ID, "cg1", ActionAccept, "")
	require.ErrorIs(t, err, models.ErrNotPending)
}

func TestCancelRetriesLostRace(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore(), failures: 2}
	e := newEnv(t, store)
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)
	got, err := e.svc.Cancel(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, got.Status)

	store.failures = cancelAttempts
	req, err = e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)
	_, err = e.svc.Cancel(ctx, req.ID, "parent")
	require.ErrorIs(t, err, models.ErrStaleState)
}

func TestRespondRejectsUnknownAction(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1")
	_, err := e.svc.Respond(context.Background(), "a", "cg1", Action("maybe"), "")
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestSessionProgression(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1", "cg2")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)

	res, err := e.svc.Respond(ctx, *req.CurrentAssignmentID, "cg1", ActionAccept, "")
	require.NoError(t, err)
	require.NotNil(t, res.Booking)
	require.Equal(t, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), res.Booking.EndTime)

	_, err = e.svc.Cancel(ctx, req.ID, "parent")
	require.ErrorIs(t, err, models.ErrNotCancellable)

	_, err = e.svc.StartSession(ctx, req.ID, "cg2")
	require.ErrorIs(t, err, models.ErrForbidden)
	_, err = e.svc.CompleteSession(ctx, req.ID, "cg1")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	got, err := e.svc.StartSession(ctx, req.ID, "cg1")
	require.NoError(t, err)
	require.Equal(t, models.RequestInProgress, got.Status)
	got, err = e.svc.CompleteSession(ctx, req.ID, "cg1")
	require.NoError(t, err)
	require.Equal(t, models.RequestCompleted, got.Status)

	_, err = e.svc.CancelSession(ctx, req.ID, "parent")
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	require.Empty(t, e.fees.charged)
}

func TestLateCancellationByRequesterIsCharged(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)
	_, err = e.svc.Respond(ctx, *req.CurrentAssignmentID, "cg1", ActionAccept, "")
	require.NoError(t, err)

	_, err = e.svc.CancelSession(ctx, req.ID, "stranger")
	require.ErrorIs(t, err, models.ErrForbidden)

	// the session starts 15h after t0, inside the 24h window
	out, err := e.svc.CancelSession(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, out.Request.Status)
	require.Equal(t, "pi_"+req.ID, out.FeeID)
	require.Equal(t, []string{req.ID}, e.fees.charged)
	require.Contains(t, e.events.got, "cg1:assignment.cancelled")
}

func TestCaregiverCancellationIsFree(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)
	_, err = e.svc.Respond(ctx, *req.CurrentAssignmentID, "cg1", ActionAccept, "")
	require.NoError(t, err)

	out, err := e.svc.CancelSession(ctx, req.ID, "cg1")
	require.NoError(t, err)
	require.Equal(t, models.RequestCancelled, out.Request.Status)
	require.Empty(t, out.FeeID)
	require.Empty(t, e.fees.charged)
}

func TestRejectionChainKeepsInvariants(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1", "cg2", "cg3", "cg4")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)

	for {
		cur, err := e.store.GetRequest(ctx, req.ID)
		require.NoError(t, err)
		if cur.Status != models.RequestAssigned {
			require.Equal(t, models.RequestNoMatches, cur.Status)
			break
		}
		a, err := e.store.GetAssignment(ctx, *cur.CurrentAssignmentID)
		require.NoError(t, err)
		_, err = e.svc.Respond(ctx, a.ID, a.CaregiverID, ActionReject, "busy")
		require.NoError(t, err)
	}

	as, err := e.store.ListAssignmentsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, as, 4)
	seen := map[string]bool{}
	for i, a := range as {
		require.Equal(t, i+1, a.RankPosition)
		require.False(t, seen[a.CaregiverID], "caregiver %s offered twice", a.CaregiverID)
		seen[a.CaregiverID] = true
		require.Equal(t, models.AssignmentRejected, a.Status)
	}

	inbox, err := e.svc.ListAssignments(ctx, "cg2", models.AssignmentRejected)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	_, err = e.svc.ListAssignments(ctx, "cg2", "bogus")
	require.ErrorIs(t, err, models.ErrInvalidInput)

	detail, err := e.svc.Get(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Len(t, detail.Assignments, 4)
	mine, err := e.svc.ListByRequester(ctx, "parent")
	require.NoError(t, err)
	require.Len(t, mine, 1)
}

func TestViewMatchesIsReadOnly(t *testing.T) {
	e := newEnv(t, storage.NewMemoryStore(), "cg1", "cg2")
	ctx := context.Background()
	req, err := e.svc.Create(ctx, "parent", input())
	require.NoError(t, err)

	_, err = e.svc.ViewMatches(ctx, req.ID, "intruder")
	require.ErrorIs(t, err, models.ErrForbidden)

	ms, err := e.svc.ViewMatches(ctx, req.ID, "parent")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, "cg2", ms[0].ID)
	require.True(t, ms[1].PreviouslyOffered)

	as, err := e.store.ListAssignmentsByRequest(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, as, 1)
}
