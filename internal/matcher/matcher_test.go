package matcher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/example/care-matching/internal/clock"
	"github.com/example/care-matching/internal/dispatch"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/profiles"
	"github.com/example/care-matching/internal/storage"
)

var (
	nyc = models.Coord{Lat: 40.7128, Lng: -74.0060}
	// Wednesday
	day = time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	now = time.Date(2026, 3, 3, 18, 0, 0, 0, time.UTC)
)

func north(km float64) *models.Coord {
	return &models.Coord{Lat: nyc.Lat + km/111.195, Lng: nyc.Lng}
}

func fp(v float64) *float64 { return &v }

func caregiver(id string, km float64, skills ...string) models.CaregiverProfile {
	return models.CaregiverProfile{
		ID:           id,
		Location:     north(km),
		Skills:       skills,
		HourlyRate:   fp(20),
		Availability: map[time.Weekday][]models.Window{time.Wednesday: {{Start: 8 * 60, End: 18 * 60}}},
		Verified:     true,
		AvailableNow: true,
	}
}

type recordingNotifier struct{ events []string }

func (r *recordingNotifier) Notify(_ context.Context, caregiverID string, ev dispatch.Event) error {
	r.events = append(r.events, caregiverID+":"+string(ev.Type))
	return nil
}

type failingCandidates struct{}

func (failingCandidates) FindCandidates(context.Context, models.CandidateQuery) ([]models.Candidate, error) {
	return nil, errors.New("db down")
}

type fixture struct {
	store  *storage.MemoryStore
	dir    *profiles.MemoryDirectory
	notify *recordingNotifier
	engine *Engine
	seq    int
}

func newFixture(t *testing.T, cgs ...models.CaregiverProfile) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), dir: profiles.NewMemoryDirectory(), notify: &recordingNotifier{}}
	for _, c := range cgs {
		f.dir.PutCaregiver(c)
	}
	f.engine = &Engine{
		Store:      f.store,
		Candidates: f.dir,
		Reviews:    f.dir,
		Notifier:   f.notify,
		Clock:      clock.NewFake(now),
		RadiusKm:   10,
		NewID: func() string {
			f.seq++
			return fmt.Sprintf("a%d", f.seq)
		},
	}
	return f
}

func (f *fixture) request(t *testing.T, id string, skills ...string) *models.ServiceRequest {
	t.Helper()
	r := &models.ServiceRequest{
		ID:             id,
		RequesterID:    "parent",
		Location:       nyc,
		Date:           day,
		StartMinute:    9 * 60,
		DurationHours:  3,
		NumChildren:    1,
		RequiredSkills: skills,
		Status:         models.RequestPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.store.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func TestPicksNearestCaregiverWithRequiredSkill(t *testing.T) {
	f := newFixture(t, caregiver("cpr-2km", 2, "CPR"), caregiver("plain-3km", 3))
	f.request(t, "r1", "CPR")

	out, a, err := f.engine.FindAndAssign(context.Background(), "r1")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if out != OutcomeAssigned || a.CaregiverID != "cpr-2km" {
		t.Fatalf("expected cpr-2km assigned, got %s %+v", out, a)
	}
	if a.RankPosition != 1 || !a.ResponseDeadline.Equal(now.Add(DefaultResponseWindow)) {
		t.Fatalf("unexpected assignment %+v", a)
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if req.Status != models.RequestAssigned || *req.CurrentAssignmentID != a.ID {
		t.Fatalf("request not assigned: %+v", req)
	}
	if !reflect.DeepEqual(f.notify.events, []string{"cpr-2km:assignment.offered"}) {
		t.Fatalf("unexpected notifications %v", f.notify.events)
	}

	// once the offer is declined the caregiver without CPR is still never offered
	ctx := context.Background()
	if _, err := f.store.ResolveAssignment(ctx, storage.Resolution{AssignmentID: a.ID, Status: models.AssignmentRejected, At: now}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	out, _, err = f.engine.FindAndAssign(ctx, "r1")
	if err != nil || out != OutcomeNoMatches {
		t.Fatalf("expected no_matches, got %s %v", out, err)
	}
	as, _ := f.store.ListAssignmentsByRequest(ctx, "r1")
	if len(as) != 1 {
		t.Fatalf("plain-3km must never be offered, got %d assignments", len(as))
	}
}

func TestNoCaregiversInRadius(t *testing.T) {
	f := newFixture(t, caregiver("far", 30, "CPR"))
	f.request(t, "r1")

	out, a, err := f.engine.FindAndAssign(context.Background(), "r1")
	if err != nil || out != OutcomeNoMatches || a != nil {
		t.Fatalf("expected no_matches, got %s %+v %v", out, a, err)
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if req.Status != models.RequestNoMatches {
		t.Fatalf("status %s", req.Status)
	}
	as, _ := f.store.ListAssignmentsByRequest(context.Background(), "r1")
	if len(as) != 0 {
		t.Fatalf("no assignment expected, got %d", len(as))
	}
}

func TestSecondPassOnAssignedRequestIsNoop(t *testing.T) {
	f := newFixture(t, caregiver("a", 1), caregiver("b", 2))
	f.request(t, "r1")
	ctx := context.Background()
	if out, _, err := f.engine.FindAndAssign(ctx, "r1"); err != nil || out != OutcomeAssigned {
		t.Fatalf("first pass: %s %v", out, err)
	}
	out, a, err := f.engine.FindAndAssign(ctx, "r1")
	if err != nil || out != OutcomeSkipped || a != nil {
		t.Fatalf("second pass should skip, got %s %+v %v", out, a, err)
	}
	as, _ := f.store.ListAssignmentsByRequest(ctx, "r1")
	if len(as) != 1 {
		t.Fatalf("expected 1 assignment, got %d", len(as))
	}
}

func TestRematchExcludesTriedCaregiversAndBumpsRank(t *testing.T) {
	f := newFixture(t, caregiver("a", 1), caregiver("b", 2), caregiver("c", 3))
	f.request(t, "r1")
	ctx := context.Background()

	var got []string
	for i := 0; i < 3; i++ {
		out, a, err := f.engine.FindAndAssign(ctx, "r1")
		if err != nil || out != OutcomeAssigned {
			t.Fatalf("pass %d: %s %v", i, out, err)
		}
		if a.RankPosition != i+1 {
			t.Fatalf("pass %d: rank %d", i, a.RankPosition)
		}
		got = append(got, a.CaregiverID)
		if _, err := f.store.ResolveAssignment(ctx, storage.Resolution{AssignmentID: a.ID, Status: models.AssignmentTimeout, At: now}); err != nil {
			t.Fatalf("timeout: %v", err)
		}
	}
	if !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected order %v", got)
	}
	if out, _, _ := f.engine.FindAndAssign(ctx, "r1"); out != OutcomeNoMatches {
		t.Fatalf("expected exhaustion, got %s", out)
	}
}

func TestAvailabilityMustContainSession(t *testing.T) {
	req := &models.ServiceRequest{Date: day, StartMinute: 9 * 60, DurationHours: 3}
	cases := []struct {
		name  string
		avail map[time.Weekday][]models.Window
		want  bool
	}{
		{"contains", map[time.Weekday][]models.Window{time.Wednesday: {{Start: 9 * 60, End: 12 * 60}}}, true},
		{"second window", map[time.Weekday][]models.Window{time.Wednesday: {{Start: 6 * 60, End: 8 * 60}, {Start: 8 * 60, End: 13 * 60}}}, true},
		{"overlap only", map[time.Weekday][]models.Window{time.Wednesday: {{Start: 10 * 60, End: 18 * 60}}}, false},
		{"other day", map[time.Weekday][]models.Window{time.Thursday: {{Start: 0, End: 24 * 60}}}, false},
		{"no schedule", nil, false},
	}
	for _, tc := range cases {
		if got := AvailableFor(tc.avail, req); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}

	late := &models.ServiceRequest{Date: day, StartMinute: 22 * 60, DurationHours: 4}
	all := map[time.Weekday][]models.Window{time.Wednesday: {{Start: 0, End: 24 * 60}}}
	if AvailableFor(all, late) {
		t.Fatal("a session crossing midnight never fits")
	}
}

func TestHasSkills(t *testing.T) {
	if !HasSkills([]string{"cpr", "First Aid"}, []string{"CPR", "first aid"}) {
		t.Fatal("skills should match case-insensitively")
	}
	if HasSkills([]string{"CPR training"}, []string{"CPR"}) {
		t.Fatal("skills should not match fuzzily")
	}
	if !HasSkills(nil, nil) {
		t.Fatal("no requirement is always met")
	}
}

func TestRepositoryErrorLeavesRequestPending(t *testing.T) {
	f := newFixture(t)
	f.engine.Candidates = failingCandidates{}
	f.request(t, "r1")
	if _, _, err := f.engine.FindAndAssign(context.Background(), "r1"); err == nil {
		t.Fatal("expected error")
	}
	req, _ := f.store.GetRequest(context.Background(), "r1")
	if req.Status != models.RequestPending {
		t.Fatalf("status %s", req.Status)
	}
}

func TestRatingBreaksDistanceLead(t *testing.T) {
	f := newFixture(t, caregiver("close", 1), caregiver("loved", 2))
	for i := 0; i < 4; i++ {
		f.dir.AddReview("close", 1)
		f.dir.AddReview("loved", 5)
	}
	f.request(t, "r1")
	_, a, err := f.engine.FindAndAssign(context.Background(), "r1")
	if err != nil || a.CaregiverID != "loved" {
		t.Fatalf("expected loved, got %+v %v", a, err)
	}
}

func TestPreviewIsDeterministicAndFlagsOffers(t *testing.T) {
	f := newFixture(t, caregiver("a", 1, "CPR"), caregiver("b", 2, "CPR"), caregiver("c", 1.5), caregiver("d", 2.5, "CPR"))
	req := f.request(t, "r1", "CPR")
	ctx := context.Background()
	_, a, err := f.engine.FindAndAssign(ctx, "r1")
	if err != nil || a.CaregiverID != "a" {
		t.Fatalf("match: %+v %v", a, err)
	}

	first, err := f.engine.Preview(ctx, req)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	order := func(ms []Match) []string {
		out := make([]string, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	if want := []string{"b", "d", "a", "c"}; !reflect.DeepEqual(order(first), want) {
		t.Fatalf("got %v want %v", order(first), want)
	}
	if !first[2].PreviouslyOffered || first[3].HasSkills {
		t.Fatalf("flags wrong: %+v", first)
	}
	for i := 0; i < 5; i++ {
		again, _ := f.engine.Preview(ctx, req)
		if !reflect.DeepEqual(first, again) {
			t.Fatal("preview must be reproducible")
		}
	}
	as, _ := f.store.ListAssignmentsByRequest(ctx, "r1")
	if len(as) != 1 {
		t.Fatalf("preview must not create assignments, got %d", len(as))
	}
}
