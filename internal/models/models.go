package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestAssigned   RequestStatus = "assigned"
	RequestAccepted   RequestStatus = "accepted"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestCancelled  RequestStatus = "cancelled"
	RequestNoMatches  RequestStatus = "no_matches"
)

type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAccepted  AssignmentStatus = "accepted"
	AssignmentRejected  AssignmentStatus = "rejected"
	AssignmentTimeout   AssignmentStatus = "timeout"
	AssignmentCancelled AssignmentStatus = "cancelled"
)

// ServiceRequest is a requester's ask for care at a given place and time.
// StartMinute is minutes after midnight UTC on Date.
type ServiceRequest struct {
	ID                  string        `json:"id"`
	RequesterID         string        `json:"requester_id"`
	Location            Coord         `json:"location"`
	Date                time.Time     `json:"date"`
	StartMinute         int           `json:"start_minute"`
	DurationHours       float64       `json:"duration_hours"`
	NumChildren         int           `json:"num_children"`
	ChildrenAges        []int         `json:"children_ages,omitempty"`
	SpecialRequirements string        `json:"special_requirements,omitempty"`
	RequiredSkills      []string      `json:"required_skills,omitempty"`
	MaxHourlyRate       *float64      `json:"max_hourly_rate,omitempty"`
	Status              RequestStatus `json:"status"`
	CurrentAssignmentID *string       `json:"current_assignment_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// EndMinute is the first minute after the requested session.
func (r *ServiceRequest) EndMinute() int {
	return r.StartMinute + int(r.DurationHours*60+0.5)
}

// StartsAt combines the request date and start time.
func (r *ServiceRequest) StartsAt() time.Time {
	d := r.Date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Add(time.Duration(r.StartMinute) * time.Minute)
}

// EndsAt is StartsAt plus the requested duration.
func (r *ServiceRequest) EndsAt() time.Time {
	return r.StartsAt().Add(time.Duration(r.DurationHours * float64(time.Hour)))
}

type Assignment struct {
	ID               string           `json:"id"`
	RequestID        string           `json:"request_id"`
	CaregiverID      string           `json:"caregiver_id"`
	Status           AssignmentStatus `json:"status"`
	ResponseDeadline time.Time        `json:"response_deadline"`
	RespondedAt      *time.Time       `json:"responded_at,omitempty"`
	RejectionReason  string           `json:"rejection_reason,omitempty"`
	RankPosition     int              `json:"rank_position"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Window is a daily availability slot in minutes after midnight, [Start, End].
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// CaregiverProfile is what the profile directory knows about a caregiver.
type CaregiverProfile struct {
	ID              string                    `json:"id"`
	Location        *Coord                    `json:"location,omitempty"`
	Skills          []string                  `json:"skills"`
	HourlyRate      *float64                  `json:"hourly_rate,omitempty"`
	ExperienceYears int                       `json:"experience_years"`
	Availability    map[time.Weekday][]Window `json:"availability"`
	Verified        bool                      `json:"verified"`
	AvailableNow    bool                      `json:"available_now"`
	AcceptanceRate  *float64                  `json:"acceptance_rate,omitempty"`
}

// Candidate is a caregiver snapshot evaluated against one request.
type Candidate struct {
	CaregiverProfile
	DistanceKm float64  `json:"distance_km"`
	Rating     *float64 `json:"rating,omitempty"`
}

// CandidateQuery carries the hard filters for candidate discovery.
type CandidateQuery struct {
	Center        Coord
	RadiusKm      float64
	MaxHourlyRate *float64
	Exclude       []string
}

// Excluded reports whether id is in the exclusion list.
func (q CandidateQuery) Excluded(id string) bool {
	for _, e := range q.Exclude {
		if e == id {
			return true
		}
	}
	return false
}

// OutcomeCounts tallies a caregiver's resolved assignments.
type OutcomeCounts struct {
	Accepted int
	Rejected int
	Timeout  int
}

func (c OutcomeCounts) Total() int { return c.Accepted + c.Rejected + c.Timeout }

// BookingIntent is handed to the booking creator once an assignment is accepted.
type BookingIntent struct {
	RequestID    string    `json:"request_id"`
	AssignmentID string    `json:"assignment_id"`
	CaregiverID  string    `json:"caregiver_id"`
	RequesterID  string    `json:"requester_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
}

// OutboxEvent is written in the same transaction as the change it describes.
type OutboxEvent struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	Key         string          `json:"key"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}

const TopicBookingRequested = "booking.requested"

// LocationUpdate is a caregiver position report.
type LocationUpdate struct {
	CaregiverID  string    `json:"caregiver_id"`
	Loc          Coord     `json:"loc"`
	AvailableNow bool      `json:"available_now"`
	Updated      time.Time `json:"updated"`
}
