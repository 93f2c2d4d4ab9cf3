package storage

// schema is valid for both Postgres and SQLite. Timestamps are unix
// milliseconds, lists are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS service_requests (
		id TEXT PRIMARY KEY,
		requester_id TEXT NOT NULL,
		location_lat DOUBLE PRECISION NOT NULL,
		location_lng DOUBLE PRECISION NOT NULL,
		request_date TEXT NOT NULL,
		start_minute INTEGER NOT NULL,
		duration_hours DOUBLE PRECISION NOT NULL,
		num_children INTEGER NOT NULL DEFAULT 1,
		children_ages TEXT NOT NULL DEFAULT '[]',
		special_requirements TEXT NOT NULL DEFAULT '',
		required_skills TEXT NOT NULL DEFAULT '[]',
		max_hourly_rate DOUBLE PRECISION,
		status TEXT NOT NULL DEFAULT 'pending',
		current_assignment_id TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_requester ON service_requests(requester_id)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON service_requests(status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES service_requests(id),
		caregiver_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		response_deadline BIGINT NOT NULL,
		responded_at BIGINT,
		rejection_reason TEXT NOT NULL DEFAULT '',
		rank_position INTEGER NOT NULL,
		created_at BIGINT NOT NULL,
		UNIQUE (request_id, caregiver_id),
		UNIQUE (request_id, rank_position)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_one_pending ON assignments(request_id) WHERE status = 'pending'`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_caregiver ON assignments(caregiver_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_assignments_deadline ON assignments(status, response_deadline)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		event_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		delivered_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_undelivered ON outbox_events(delivered_at, created_at)`,
	`CREATE TABLE IF NOT EXISTS requester_profiles (
		id TEXT PRIMARY KEY,
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION
	)`,
	`CREATE TABLE IF NOT EXISTS caregiver_profiles (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL DEFAULT 'caregiver',
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		verified BOOLEAN NOT NULL DEFAULT FALSE,
		available_now BOOLEAN NOT NULL DEFAULT FALSE,
		hourly_rate DOUBLE PRECISION,
		experience_years INTEGER NOT NULL DEFAULT 0,
		skills TEXT NOT NULL DEFAULT '[]',
		availability TEXT NOT NULL DEFAULT '{}',
		acceptance_rate DOUBLE PRECISION
	)`,
	`CREATE INDEX IF NOT EXISTS idx_caregiver_geo ON caregiver_profiles(lat, lng)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		id TEXT PRIMARY KEY,
		reviewee_id TEXT NOT NULL,
		rating INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_reviewee ON reviews(reviewee_id)`,
}
