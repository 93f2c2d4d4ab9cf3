package storage

import (
	"context"
	"time"

	"github.com/example/care-matching/internal/models"
)

// Store persists service requests, assignments and the outbox. It is the
// single source of truth: every status change is a compare-and-set on the
// persisted status, so concurrent resolutions of the same row serialize.
type Store interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	ListRequestsByRequester(ctx context.Context, requesterID string) ([]models.ServiceRequest, error)
	// TransitionRequest moves a request from -> to. ErrStaleState if the
	// persisted status is no longer from.
	TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (*models.ServiceRequest, error)
	// CancelRequest cancels the request and any pending assignment in one
	// transaction. The cancelled assignments are returned.
	CancelRequest(ctx context.Context, id string, from models.RequestStatus, at time.Time) (*models.ServiceRequest, []models.Assignment, error)

	// CreateAssignment inserts a pending assignment and moves its request
	// pending -> assigned atomically. ErrStaleState if the request is no
	// longer pending.
	CreateAssignment(ctx context.Context, a *models.Assignment) error
	GetAssignment(ctx context.Context, id string) (*models.Assignment, error)
	// ListAssignmentsByRequest returns assignments ordered by rank position.
	ListAssignmentsByRequest(ctx context.Context, requestID string) ([]models.Assignment, error)
	// ListAssignmentsByCaregiver filters by status unless it is empty.
	ListAssignmentsByCaregiver(ctx context.Context, caregiverID string, status models.AssignmentStatus) ([]models.Assignment, error)
	// ListExpiredAssignments returns pending assignments with a deadline before now.
	ListExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]models.Assignment, error)
	// ListUnofferedRequests returns pending requests without a current
	// assignment that were last updated before olderThan, oldest first.
	ListUnofferedRequests(ctx context.Context, olderThan time.Time, limit int) ([]models.ServiceRequest, error)
	ResolveAssignment(ctx context.Context, res Resolution) (*models.Assignment, error)
	CaregiverOutcomes(ctx context.Context, caregiverID string) (models.OutcomeCounts, error)

	PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
}

// Resolution moves a pending assignment to a terminal status.
//
// accepted moves the request assigned -> accepted and fails the whole
// resolution if it cannot. rejected and timeout release the request back to
// pending when it still points at this assignment. Event, when set, is
// written in the same transaction.
type Resolution struct {
	AssignmentID string
	Status       models.AssignmentStatus
	At           time.Time
	Reason       string
	Event        *models.OutboxEvent
}
