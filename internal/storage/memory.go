package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/care-matching/internal/lifecycle"
	"github.com/example/care-matching/internal/models"
)

// MemoryStore is a Store guarded by a single mutex.
type MemoryStore struct {
	mu          sync.RWMutex
	requests    map[string]*models.ServiceRequest
	assignments map[string]*models.Assignment
	byRequest   map[string][]string
	events      []*models.OutboxEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:    make(map[string]*models.ServiceRequest),
		assignments: make(map[string]*models.Assignment),
		byRequest:   make(map[string][]string),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) ListRequestsByRequester(_ context.Context, requesterID string) ([]models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceRequest
	for _, r := range m.requests {
		if r.RequesterID == requesterID {
			out = append(out, *copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) TransitionRequest(_ context.Context, id string, from, to models.RequestStatus, at time.Time) (*models.ServiceRequest, error) {
	if err := lifecycle.CheckRequest(from, to); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return nil, fmt.Errorf("request %s is %s, not %s: %w", id, r.Status, from, models.ErrStaleState)
	}
	r.Status = to
	r.UpdatedAt = at
	if to != models.RequestAssigned && to != models.RequestAccepted && to != models.RequestInProgress && to != models.RequestCompleted {
		r.CurrentAssignmentID = nil
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) CancelRequest(_ context.Context, id string, from models.RequestStatus, at time.Time) (*models.ServiceRequest, []models.Assignment, error) {
	if err := lifecycle.CheckRequest(from, models.RequestCancelled); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return nil, nil, fmt.Errorf("request %s is %s, not %s: %w", id, r.Status, from, models.ErrStaleState)
	}
	var cancelled []models.Assignment
	for _, aid := range m.byRequest[id] {
		a := m.assignments[aid]
		if a.Status != models.AssignmentPending {
			continue
		}
		t := at
		a.Status = models.AssignmentCancelled
		a.RespondedAt = &t
		cancelled = append(cancelled, *a)
	}
	r.Status = models.RequestCancelled
	r.CurrentAssignmentID = nil
	r.UpdatedAt = at
	return copyRequest(r), cancelled, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[a.RequestID]
	if !ok {
		return fmt.Errorf("request %s: %w", a.RequestID, models.ErrNotFound)
	}
	if r.Status != models.RequestPending {
		return fmt.Errorf("request %s is %s: %w", r.ID, r.Status, models.ErrStaleState)
	}
	for _, aid := range m.byRequest[a.RequestID] {
		prior := m.assignments[aid]
		switch {
		case prior.Status == models.AssignmentPending:
			return fmt.Errorf("request %s already has pending assignment %s: %w", r.ID, prior.ID, models.ErrStaleState)
		case prior.CaregiverID == a.CaregiverID:
			return fmt.Errorf("caregiver %s already offered request %s: %w", a.CaregiverID, r.ID, models.ErrStaleState)
		case prior.RankPosition >= a.RankPosition:
			return fmt.Errorf("rank %d not after %d: %w", a.RankPosition, prior.RankPosition, models.ErrStaleState)
		}
	}
	cp := *a
	m.assignments[a.ID] = &cp
	m.byRequest[a.RequestID] = append(m.byRequest[a.RequestID], a.ID)
	id := a.ID
	r.Status = models.RequestAssigned
	r.CurrentAssignmentID = &id
	r.UpdatedAt = a.CreatedAt
	return nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, id string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAssignmentsByRequest(_ context.Context, requestID string) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Assignment, 0, len(m.byRequest[requestID]))
	for _, aid := range m.byRequest[requestID] {
		out = append(out, *m.assignments[aid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RankPosition < out[j].RankPosition })
	return out, nil
}

func (m *MemoryStore) ListAssignmentsByCaregiver(_ context.Context, caregiverID string, status models.AssignmentStatus) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.CaregiverID != caregiverID || (status != "" && a.Status != status) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListExpiredAssignments(_ context.Context, now time.Time, limit int) ([]models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Assignment
	for _, a := range m.assignments {
		if a.Status == models.AssignmentPending && a.ResponseDeadline.Before(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResponseDeadline.Equal(out[j].ResponseDeadline) {
			return out[i].ResponseDeadline.Before(out[j].ResponseDeadline)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListUnofferedRequests(_ context.Context, olderThan time.Time, limit int) ([]models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceRequest
	for _, r := range m.requests {
		if r.Status == models.RequestPending && r.CurrentAssignmentID == nil && r.UpdatedAt.Before(olderThan) {
			out = append(out, *copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ResolveAssignment(_ context.Context, res Resolution) (*models.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[res.AssignmentID]
	if !ok {
		return nil, fmt.Errorf("assignment %s: %w", res.AssignmentID, models.ErrNotFound)
	}
	if err := lifecycle.CheckAssignment(a.Status, res.Status); err != nil {
		return nil, fmt.Errorf("assignment %s: %w", a.ID, err)
	}
	r := m.requests[a.RequestID]
	pointsHere := r != nil && r.Status == models.RequestAssigned && r.CurrentAssignmentID != nil && *r.CurrentAssignmentID == a.ID
	switch res.Status {
	case models.AssignmentAccepted:
		if !pointsHere {
			return nil, fmt.Errorf("request %s no longer awaits assignment %s: %w", a.RequestID, a.ID, models.ErrStaleState)
		}
		r.Status = models.RequestAccepted
		r.UpdatedAt = res.At
	case models.AssignmentRejected, models.AssignmentTimeout:
		if pointsHere {
			r.Status = models.RequestPending
			r.CurrentAssignmentID = nil
			r.UpdatedAt = res.At
		}
	}
	t := res.At
	a.Status = res.Status
	a.RespondedAt = &t
	a.RejectionReason = res.Reason
	if res.Event != nil {
		ev := *res.Event
		m.events = append(m.events, &ev)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CaregiverOutcomes(_ context.Context, caregiverID string) (models.OutcomeCounts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var c models.OutcomeCounts
	for _, a := range m.assignments {
		if a.CaregiverID != caregiverID {
			continue
		}
		switch a.Status {
		case models.AssignmentAccepted:
			c.Accepted++
		case models.AssignmentRejected:
			c.Rejected++
		case models.AssignmentTimeout:
			c.Timeout++
		}
	}
	return c, nil
}

func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]models.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OutboxEvent
	for _, e := range m.events {
		if e.DeliveredAt != nil {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			t := at
			e.DeliveredAt = &t
			return nil
		}
	}
	return fmt.Errorf("outbox event %s: %w", id, models.ErrNotFound)
}

func copyRequest(r *models.ServiceRequest) *models.ServiceRequest {
	cp := *r
	cp.RequiredSkills = append([]string(nil), r.RequiredSkills...)
	cp.ChildrenAges = append([]int(nil), r.ChildrenAges...)
	if r.CurrentAssignmentID != nil {
		id := *r.CurrentAssignmentID
		cp.CurrentAssignmentID = &id
	}
	if r.MaxHourlyRate != nil {
		v := *r.MaxHourlyRate
		cp.MaxHourlyRate = &v
	}
	return &cp
}
