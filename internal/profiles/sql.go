package profiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/care-matching/internal/geo"
	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/storage"
)

const roleCaregiver = "caregiver"

const caregiverColumns = `id, lat, lng, verified, available_now, hourly_rate, experience_years, skills, availability, acceptance_rate`

// SQLDirectory reads profiles and reviews from the shared database.
// Candidate discovery is a parameterised bounding-box query refined with
// haversine distance in Go.
type SQLDirectory struct {
	db *storage.DB
}

func NewSQLDirectory(db *storage.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

func (d *SQLDirectory) RequesterLocation(ctx context.Context, requesterID string) (models.Coord, error) {
	var lat, lng sql.NullFloat64
	err := d.db.QueryRowContext(ctx, d.db.Rebind(`SELECT lat, lng FROM requester_profiles WHERE id = ?`), requesterID).Scan(&lat, &lng)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && (!lat.Valid || !lng.Valid)) {
		return models.Coord{}, fmt.Errorf("requester %s: %w", requesterID, models.ErrIncompleteProfile)
	}
	if err != nil {
		return models.Coord{}, fmt.Errorf("failed to load requester: %w", err)
	}
	return models.Coord{Lat: lat.Float64, Lng: lng.Float64}, nil
}

func (d *SQLDirectory) CandidateProfile(ctx context.Context, id string) (models.CaregiverProfile, error) {
	p, err := scanCaregiver(d.db.QueryRowContext(ctx, d.db.Rebind(`SELECT `+caregiverColumns+` FROM caregiver_profiles
		WHERE id = ? AND role = ?`), id, roleCaregiver))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CaregiverProfile{}, fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.CaregiverProfile{}, fmt.Errorf("failed to load caregiver: %w", err)
	}
	return p, nil
}

func (d *SQLDirectory) UpdateAcceptanceRate(ctx context.Context, id string, rate float64) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE caregiver_profiles SET acceptance_rate = ? WHERE id = ?`), rate, id)
	if err != nil {
		return fmt.Errorf("failed to update acceptance rate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("caregiver %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Upsert applies a location report to the caregiver's profile row.
func (d *SQLDirectory) Upsert(ctx context.Context, u models.LocationUpdate) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`UPDATE caregiver_profiles SET lat = ?, lng = ?, available_now = ? WHERE id = ?`),
		u.Loc.Lat, u.Loc.Lng, u.AvailableNow, u.CaregiverID)
	if err != nil {
		return fmt.Errorf("failed to update location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("caregiver %s: %w", u.CaregiverID, models.ErrNotFound)
	}
	return nil
}

func (d *SQLDirectory) AverageRating(ctx context.Context, caregiverID string) (*float64, error) {
	var avg sql.NullFloat64
	var n int
	err := d.db.QueryRowContext(ctx, d.db.Rebind(`SELECT AVG(CAST(rating AS DOUBLE PRECISION)), COUNT(*) FROM reviews WHERE reviewee_id = ?`),
		caregiverID).Scan(&avg, &n)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate reviews: %w", err)
	}
	if n == 0 || !avg.Valid {
		return nil, nil
	}
	v := avg.Float64
	return &v, nil
}

func (d *SQLDirectory) FindCandidates(ctx context.Context, q models.CandidateQuery) ([]models.Candidate, error) {
	box := geo.BoundingBox(q.Center, q.RadiusKm)
	query := `SELECT ` + caregiverColumns + ` FROM caregiver_profiles
		WHERE role = ? AND verified = ? AND available_now = ?
		AND lat IS NOT NULL AND lng IS NOT NULL
		AND lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?`
	args := []any{roleCaregiver, true, true, box.MinLat, box.MaxLat, box.MinLng, box.MaxLng}
	if q.MaxHourlyRate != nil {
		query += ` AND (hourly_rate IS NULL OR hourly_rate <= ?)`
		args = append(args, *q.MaxHourlyRate)
	}
	if len(q.Exclude) > 0 {
		query += ` AND id NOT IN (` + storage.Placeholders(len(q.Exclude)) + `)`
		for _, id := range q.Exclude {
			args = append(args, id)
		}
	}
	rows, err := d.db.QueryContext(ctx, d.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	var out []models.Candidate
	for rows.Next() {
		p, err := scanCaregiver(rows)
		if err != nil {
			return nil, err
		}
		dist := geo.DistanceKm(q.Center, *p.Location)
		if dist >= q.RadiusKm {
			continue
		}
		out = append(out, models.Candidate{CaregiverProfile: p, DistanceKm: dist})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortCandidates(out)
	return out, nil
}

// PutRequester and PutCaregiver seed the directory for local runs and tests.
func (d *SQLDirectory) PutRequester(ctx context.Context, id string, loc *models.Coord) error {
	var lat, lng sql.NullFloat64
	if loc != nil {
		lat = sql.NullFloat64{Float64: loc.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: loc.Lng, Valid: true}
	}
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO requester_profiles (id, lat, lng) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lng = excluded.lng`), id, lat, lng)
	return err
}

func (d *SQLDirectory) PutCaregiver(ctx context.Context, p models.CaregiverProfile) error {
	skills, err := json.Marshal(p.Skills)
	if err != nil {
		return err
	}
	avail, err := json.Marshal(encodeAvailability(p.Availability))
	if err != nil {
		return err
	}
	var lat, lng, rate, acc sql.NullFloat64
	if p.Location != nil {
		lat = sql.NullFloat64{Float64: p.Location.Lat, Valid: true}
		lng = sql.NullFloat64{Float64: p.Location.Lng, Valid: true}
	}
	if p.HourlyRate != nil {
		rate = sql.NullFloat64{Float64: *p.HourlyRate, Valid: true}
	}
	if p.AcceptanceRate != nil {
		acc = sql.NullFloat64{Float64: *p.AcceptanceRate, Valid: true}
	}
	_, err = d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO caregiver_profiles (id, role, `+caregiverColumns[len("id, "):]+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET lat = excluded.lat, lng = excluded.lng, verified = excluded.verified,
			available_now = excluded.available_now, hourly_rate = excluded.hourly_rate,
			experience_years = excluded.experience_years, skills = excluded.skills,
			availability = excluded.availability, acceptance_rate = excluded.acceptance_rate`),
		p.ID, roleCaregiver, lat, lng, p.Verified, p.AvailableNow, rate, p.ExperienceYears, string(skills), string(avail), acc)
	return err
}

func (d *SQLDirectory) AddReview(ctx context.Context, id, caregiverID string, rating int) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`INSERT INTO reviews (id, reviewee_id, rating) VALUES (?, ?, ?)`), id, caregiverID, rating)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCaregiver(row rowScanner) (models.CaregiverProfile, error) {
	var p models.CaregiverProfile
	var lat, lng, rate, acc sql.NullFloat64
	var skills, avail string
	if err := row.Scan(&p.ID, &lat, &lng, &p.Verified, &p.AvailableNow, &rate, &p.ExperienceYears, &skills, &avail, &acc); err != nil {
		return p, err
	}
	if lat.Valid && lng.Valid {
		p.Location = &models.Coord{Lat: lat.Float64, Lng: lng.Float64}
	}
	if rate.Valid {
		v := rate.Float64
		p.HourlyRate = &v
	}
	if acc.Valid {
		v := acc.Float64
		p.AcceptanceRate = &v
	}
	if err := json.Unmarshal([]byte(skills), &p.Skills); err != nil {
		return p, fmt.Errorf("bad skills for %s: %w", p.ID, err)
	}
	var slots map[string][]slot
	if err := json.Unmarshal([]byte(avail), &slots); err != nil {
		return p, fmt.Errorf("bad availability for %s: %w", p.ID, err)
	}
	a, err := decodeAvailability(slots)
	if err != nil {
		return p, fmt.Errorf("bad availability for %s: %w", p.ID, err)
	}
	p.Availability = a
	return p, nil
}
