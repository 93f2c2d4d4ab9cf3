package profiles

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
)

// MemoryDirectory keeps profiles and reviews in process. It implements
// Directory, Candidates and Reviews.
type MemoryDirectory struct {
	mu         sync.RWMutex
	requesters map[string]*models.Coord
	caregivers map[string]models.CaregiverProfile
	ratings    map[string][]int
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		requesters: make(map[string]*models.Coord),
		caregivers: make(map[string]models.CaregiverProfile),
		ratings:    make(map[string][]int),
	}
}

// PutRequester registers a requester; a nil location models an incomplete profile.
func (d *MemoryDirectory) PutRequester(id string, loc *models.Coord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requesters[id] = loc
}

func (d *MemoryDirectory) PutCaregiver(p models.CaregiverProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caregivers[p.ID] = p
}

func (d *MemoryDirectory) AddReview(caregiverID string, rating int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ratings[caregiverID] = append(d.ratings[caregiverID], rating)
}

func (d *MemoryDirectory) RequesterLocation(_ context.Context, requesterID string) (models.Coord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	loc, ok := d.requesters[requesterID]
	if !ok || loc == nil {
		return models.Coord{}, fmt.Errorf("requester %s: %w", requesterID, models.ErrIncompleteProfile)
	}
	return *loc, nil
}

func (d *MemoryDirectory) CandidateProfile(_ context.Context, id string) (models.CaregiverProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.caregivers[id]
	if !ok {
		return models.CaregiverProfile{}, fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	return p, nil
}

func (d *MemoryDirectory) UpdateAcceptanceRate(_ context.Context, id string, rate float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.caregivers[id]
	if !ok {
		return fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	p.AcceptanceRate = &rate
	d.caregivers[id] = p
	return nil
}

// Upsert applies a location report to the caregiver's profile.
func (d *MemoryDirectory) Upsert(_ context.Context, u models.LocationUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.caregivers[u.CaregiverID]
	if !ok {
		return fmt.Errorf("caregiver %s: %w", u.CaregiverID, models.ErrNotFound)
	}
	loc := u.Loc
	p.Location = &loc
	p.AvailableNow = u.AvailableNow
	d.caregivers[u.CaregiverID] = p
	return nil
}

func (d *MemoryDirectory) AverageRating(_ context.Context, caregiverID string) (*float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rs := d.ratings[caregiverID]
	if len(rs) == 0 {
		return nil, nil
	}
	sum := 0
	for _, r := range rs {
		sum += r
	}
	avg := float64(sum) / float64(len(rs))
	return &avg, nil
}

func (d *MemoryDirectory) FindCandidates(_ context.Context, q models.CandidateQuery) ([]models.Candidate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Candidate
	for _, p := range d.caregivers {
		if !p.Verified || !p.AvailableNow || p.Location == nil || q.Excluded(p.ID) || !withinRateCap(p.HourlyRate, q.MaxHourlyRate) {
			continue
		}
		dist := geo.DistanceKm(q.Center, *p.Location)
		if dist >= q.RadiusKm {
			continue
		}
		out = append(out, models.Candidate{CaregiverProfile: p, DistanceKm: dist})
	}
	sortCandidates(out)
	return out, nil
}

func sortCandidates(c []models.Candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].DistanceKm != c[j].DistanceKm {
			return c[i].DistanceKm < c[j].DistanceKm
		}
		return c[i].ID < c[j].ID
	})
}
