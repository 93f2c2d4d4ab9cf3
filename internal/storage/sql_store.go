package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/care-matching/internal/lifecycle"
	"github.com/example/care-matching/internal/models"
)

const dateLayout = "2006-01-02"

// SQLStore implements Store on Postgres or SQLite.
type SQLStore struct {
	db *DB
}

func NewSQLStore(db *DB) *SQLStore {
	return &SQLStore{db: db}
}

const requestColumns = `id, requester_id, location_lat, location_lng, request_date, start_minute, duration_hours,
	num_children, children_ages, special_requirements, required_skills, max_hourly_rate, status,
	current_assignment_id, created_at, updated_at`

const assignmentColumns = `id, request_id, caregiver_id, status, response_deadline, responded_at,
	rejection_reason, rank_position, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	ages, err := json.Marshal(nonNilInts(r.ChildrenAges))
	if err != nil {
		return err
	}
	skills, err := json.Marshal(nonNilStrings(r.RequiredSkills))
	if err != nil {
		return err
	}
	var maxRate sql.NullFloat64
	if r.MaxHourlyRate != nil {
		maxRate = sql.NullFloat64{Float64: *r.MaxHourlyRate, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO service_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.RequesterID, r.Location.Lat, r.Location.Lng, r.Date.UTC().Format(dateLayout), r.StartMinute,
		r.DurationHours, r.NumChildren, string(ages), r.SpecialRequirements, string(skills), maxRate,
		string(r.Status), nullString(r.CurrentAssignmentID), toMillis(r.CreatedAt), toMillis(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	return s.getRequest(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) getRequest(ctx context.Context, q queryer, id string) (*models.ServiceRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+requestColumns+` FROM service_requests WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return r, nil
}

func (s *SQLStore) ListRequestsByRequester(ctx context.Context, requesterID string) ([]models.ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+requestColumns+` FROM service_requests
		WHERE requester_id = ? ORDER BY created_at DESC, id`), requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLStore) TransitionRequest(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (*models.ServiceRequest, error) {
	if err := lifecycle.CheckRequest(from, to); err != nil {
		return nil, err
	}
	q := `UPDATE service_requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	switch to {
	case models.RequestPending, models.RequestNoMatches, models.RequestCancelled:
		q = `UPDATE service_requests SET status = ?, updated_at = ?, current_assignment_id = NULL WHERE id = ? AND status = ?`
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), string(to), toMillis(at), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to update request: %w", err)
	}
	if err := s.expectOne(ctx, res, id); err != nil {
		return nil, err
	}
	return s.GetRequest(ctx, id)
}

// expectOne turns a zero-row CAS into ErrNotFound or ErrStaleState.
func (s *SQLStore) expectOne(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetRequest(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("request %s changed concurrently: %w", id, models.ErrStaleState)
}

func (s *SQLStore) CancelRequest(ctx context.Context, id string, from models.RequestStatus, at time.Time) (*models.ServiceRequest, []models.Assignment, error) {
	if err := lifecycle.CheckRequest(from, models.RequestCancelled); err != nil {
		return nil, nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, s.db.Rebind(`UPDATE assignments SET status = ?, responded_at = ?
		WHERE request_id = ? AND status = ? RETURNING `+assignmentColumns),
		string(models.AssignmentCancelled), toMillis(at), id, string(models.AssignmentPending))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to cancel assignments: %w", err)
	}
	cancelled, err := scanAssignments(rows)
	if err != nil {
		return nil, nil, err
	}

	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE service_requests SET status = ?, current_assignment_id = NULL, updated_at = ?
		WHERE id = ? AND status = ?`), string(models.RequestCancelled), toMillis(at), id, string(from))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to cancel request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, nil, err
	} else if n != 1 {
		if _, err := s.getRequest(ctx, tx, id); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("request %s changed concurrently: %w", id, models.ErrStaleState)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return r, cancelled, nil
}

func (s *SQLStore) CreateAssignment(ctx context.Context, a *models.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE service_requests SET status = ?, current_assignment_id = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		string(models.RequestAssigned), a.ID, toMillis(a.CreatedAt), a.RequestID, string(models.RequestPending))
	if err != nil {
		return fmt.Errorf("failed to assign request: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		if _, err := s.getRequest(ctx, tx, a.RequestID); err != nil {
			return err
		}
		return fmt.Errorf("request %s is no longer pending: %w", a.RequestID, models.ErrStaleState)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.RequestID, a.CaregiverID, string(a.Status), toMillis(a.ResponseDeadline), nullMillis(a.RespondedAt),
		a.RejectionReason, a.RankPosition, toMillis(a.CreatedAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("assignment for request %s conflicts with history: %w", a.RequestID, models.ErrStaleState)
		}
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetAssignment(ctx context.Context, id string) (*models.Assignment, error) {
	a, err := scanAssignment(s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAssignmentsByRequest(ctx context.Context, requestID string) ([]models.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+assignmentColumns+` FROM assignments
		WHERE request_id = ? ORDER BY rank_position`), requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return scanAssignments(rows)
}

func (s *SQLStore) ListAssignmentsByCaregiver(ctx context.Context, caregiverID string, status models.AssignmentStatus) ([]models.Assignment, error) {
	q := `SELECT ` + assignmentColumns + ` FROM assignments WHERE caregiver_id = ?`
	args := []any{caregiverID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id`
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	return scanAssignments(rows)
}

func (s *SQLStore) ListExpiredAssignments(ctx context.Context, now time.Time, limit int) ([]models.Assignment, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+assignmentColumns+` FROM assignments
		WHERE status = ? AND response_deadline < ? ORDER BY response_deadline, id LIMIT ?`),
		string(models.AssignmentPending), toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired assignments: %w", err)
	}
	return scanAssignments(rows)
}

func (s *SQLStore) ListUnofferedRequests(ctx context.Context, olderThan time.Time, limit int) ([]models.ServiceRequest, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+requestColumns+` FROM service_requests
		WHERE status = ? AND current_assignment_id IS NULL AND updated_at < ? ORDER BY updated_at, id LIMIT ?`),
		string(models.RequestPending), toMillis(olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unoffered requests: %w", err)
	}
	defer rows.Close()
	var out []models.ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLStore) ResolveAssignment(ctx context.Context, res Resolution) (*models.Assignment, error) {
	if err := lifecycle.CheckAssignment(models.AssignmentPending, res.Status); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var requestID string
	err = tx.QueryRowContext(ctx, s.db.Rebind(`SELECT request_id FROM assignments WHERE id = ?`), res.AssignmentID).Scan(&requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", res.AssignmentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}

	r, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE assignments SET status = ?, responded_at = ?, rejection_reason = ?
		WHERE id = ? AND status = ?`),
		string(res.Status), toMillis(res.At), res.Reason, res.AssignmentID, string(models.AssignmentPending))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve assignment: %w", err)
	}
	if n, err := r.RowsAffected(); err != nil {
		return nil, err
	} else if n != 1 {
		return nil, fmt.Errorf("assignment %s: %w", res.AssignmentID, models.ErrNotPending)
	}

	switch res.Status {
	case models.AssignmentAccepted:
		r, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE service_requests SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND current_assignment_id = ?`),
			string(models.RequestAccepted), toMillis(res.At), requestID, string(models.RequestAssigned), res.AssignmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to accept request: %w", err)
		}
		if n, err := r.RowsAffected(); err != nil {
			return nil, err
		} else if n != 1 {
			return nil, fmt.Errorf("request %s no longer awaits assignment %s: %w", requestID, res.AssignmentID, models.ErrStaleState)
		}
	case models.AssignmentRejected, models.AssignmentTimeout:
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE service_requests SET status = ?, current_assignment_id = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND current_assignment_id = ?`),
			string(models.RequestPending), toMillis(res.At), requestID, string(models.RequestAssigned), res.AssignmentID); err != nil {
			return nil, fmt.Errorf("failed to release request: %w", err)
		}
	}

	if res.Event != nil {
		if err := s.insertEvent(ctx, tx, res.Event); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetAssignment(ctx, res.AssignmentID)
}

func (s *SQLStore) CaregiverOutcomes(ctx context.Context, caregiverID string) (models.OutcomeCounts, error) {
	var c models.OutcomeCounts
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT status, COUNT(*) FROM assignments
		WHERE caregiver_id = ? AND status IN (?, ?, ?) GROUP BY status`),
		caregiverID, string(models.AssignmentAccepted), string(models.AssignmentRejected), string(models.AssignmentTimeout))
	if err != nil {
		return c, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, err
		}
		switch models.AssignmentStatus(status) {
		case models.AssignmentAccepted:
			c.Accepted = n
		case models.AssignmentRejected:
			c.Rejected = n
		case models.AssignmentTimeout:
			c.Timeout = n
		}
	}
	return c, rows.Err()
}

func (s *SQLStore) insertEvent(ctx context.Context, tx *sql.Tx, e *models.OutboxEvent) error {
	_, err := tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO outbox_events (id, topic, event_key, payload, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, NULL)`), e.ID, e.Topic, e.Key, string(e.Payload), toMillis(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to write outbox event: %w", err)
	}
	return nil
}

func (s *SQLStore) PendingEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT id, topic, event_key, payload, created_at FROM outbox_events
		WHERE delivered_at IS NULL ORDER BY created_at, id LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()
	var out []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		var payload string
		var created int64
		if err := rows.Scan(&e.ID, &e.Topic, &e.Key, &payload, &created); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE outbox_events SET delivered_at = ? WHERE id = ?`), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanRequest(row rowScanner) (*models.ServiceRequest, error) {
	var r models.ServiceRequest
	var date, ages, skills, status string
	var maxRate sql.NullFloat64
	var current sql.NullString
	var created, updated int64
	if err := row.Scan(&r.ID, &r.RequesterID, &r.Location.Lat, &r.Location.Lng, &date, &r.StartMinute, &r.DurationHours,
		&r.NumChildren, &ages, &r.SpecialRequirements, &skills, &maxRate, &status, &current, &created, &updated); err != nil {
		return nil, err
	}
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("bad request_date %q: %w", date, err)
	}
	r.Date = d
	if err := json.Unmarshal([]byte(ages), &r.ChildrenAges); err != nil {
		return nil, fmt.Errorf("bad children_ages: %w", err)
	}
	if err := json.Unmarshal([]byte(skills), &r.RequiredSkills); err != nil {
		return nil, fmt.Errorf("bad required_skills: %w", err)
	}
	if maxRate.Valid {
		v := maxRate.Float64
		r.MaxHourlyRate = &v
	}
	if current.Valid {
		v := current.String
		r.CurrentAssignmentID = &v
	}
	r.Status = models.RequestStatus(status)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func scanAssignment(row rowScanner) (*models.Assignment, error) {
	var a models.Assignment
	var status string
	var deadline, created int64
	var responded sql.NullInt64
	if err := row.Scan(&a.ID, &a.RequestID, &a.CaregiverID, &status, &deadline, &responded,
		&a.RejectionReason, &a.RankPosition, &created); err != nil {
		return nil, err
	}
	a.Status = models.AssignmentStatus(status)
	a.ResponseDeadline = fromMillis(deadline)
	a.RespondedAt = timePtr(responded)
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func scanAssignments(rows *sql.Rows) ([]models.Assignment, error) {
	defer rows.Close()
	var out []models.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
