// Package lifecycle holds the legal status transitions for service requests
// and assignments.
package lifecycle

import "github.com/example/care-matching/internal/models"

var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestPending:    {models.RequestAssigned, models.RequestNoMatches, models.RequestCancelled},
	models.RequestAssigned:   {models.RequestAccepted, models.RequestPending, models.RequestCancelled},
	models.RequestAccepted:   {models.RequestInProgress, models.RequestCancelled},
	models.RequestInProgress: {models.RequestCompleted, models.RequestCancelled},
	models.RequestCompleted:  nil,
	models.RequestCancelled:  nil,
	models.RequestNoMatches:  {models.RequestCancelled},
}

var assignmentTransitions = map[models.AssignmentStatus][]models.AssignmentStatus{
	models.AssignmentPending: {models.AssignmentAccepted, models.AssignmentRejected, models.AssignmentTimeout, models.AssignmentCancelled},
}

// CheckRequest returns an *models.InvalidTransitionError unless from -> to is legal.
func CheckRequest(from, to models.RequestStatus) error {
	for _, s := range requestTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &models.InvalidTransitionError{Entity: "request", From: string(from), To: string(to)}
}

// CheckAssignment returns models.ErrNotPending when the assignment was already
// resolved, and an InvalidTransitionError for any other illegal pair.
func CheckAssignment(from, to models.AssignmentStatus) error {
	if from != models.AssignmentPending {
		return models.ErrNotPending
	}
	for _, s := range assignmentTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &models.InvalidTransitionError{Entity: "assignment", From: string(from), To: string(to)}
}

// Cancellable reports whether the requester may cancel outright.
// Later states go through the session cancellation path.
func Cancellable(s models.RequestStatus) bool {
	switch s {
	case models.RequestPending, models.RequestAssigned, models.RequestNoMatches:
		return true
	}
	return false
}
