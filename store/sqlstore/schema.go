package sqlstore

import "context"

// schema is shared by SQLite and PostgreSQL. BOOLEAN columns scan into Go
// bools on both drivers.
const schema = `
	-- Contacts (supplied by the contacts collaborator) and their schedules
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT '',
		labels_json TEXT NOT NULL DEFAULT '[]',
		stop_type TEXT NOT NULL DEFAULT '',
		stop_color TEXT NOT NULL DEFAULT '',
		default_holder_id TEXT NOT NULL DEFAULT '',
		schedule_json TEXT,
		occurrences_completed INTEGER NOT NULL DEFAULT 0,
		last_scheduled_date TEXT,
		schedule_updated_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_contacts_owner
		ON contacts(owner_id, id);

	-- Route holders
	CREATE TABLE IF NOT EXISTS route_holders (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_route_holders_owner
		ON route_holders(owner_id);

	-- Routes
	CREATE TABLE IF NOT EXISTS routes (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		scheduled_date TEXT,
		holder_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_routes_owner_date_holder
		ON routes(owner_id, scheduled_date, holder_id);

	-- Waypoints: one physical table for contact visits and time gaps
	CREATE TABLE IF NOT EXISTS waypoints (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		route_id TEXT NOT NULL REFERENCES routes(id),
		stop_kind TEXT NOT NULL,
		contact_id TEXT,
		contact_name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		stop_type TEXT NOT NULL DEFAULT '',
		stop_color TEXT NOT NULL DEFAULT '',
		labels_json TEXT NOT NULL DEFAULT '[]',
		gap_label TEXT NOT NULL DEFAULT '',
		gap_minutes INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL,
		status TEXT NOT NULL,
		execution_order INTEGER,
		needs_reschedule BOOLEAN NOT NULL DEFAULT FALSE,
		missed_reason TEXT NOT NULL DEFAULT '',
		execution_notes TEXT NOT NULL DEFAULT '',
		rescheduled_date TEXT,
		completed_at TEXT,
		distance_miles TEXT,
		duration_minutes INTEGER NOT NULL DEFAULT 0,
		calendar_event_id TEXT NOT NULL DEFAULT '',
		occurrence_key TEXT,
		occurrence_counted BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_waypoints_owner_route
		ON waypoints(owner_id, route_id);
	CREATE INDEX IF NOT EXISTS idx_waypoints_owner_contact
		ON waypoints(owner_id, contact_id);
	CREATE INDEX IF NOT EXISTS idx_waypoints_owner_status
		ON waypoints(owner_id, status);

	-- A recurrence occurrence materializes at most once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_waypoints_occurrence
		ON waypoints(owner_id, occurrence_key)
		WHERE occurrence_key IS NOT NULL;

	-- Reschedule ledger (append-only, no foreign keys: history outlives routes)
	CREATE TABLE IF NOT EXISTS reschedule_history (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		waypoint_id TEXT NOT NULL,
		route_id TEXT NOT NULL,
		route_name TEXT NOT NULL DEFAULT '',
		contact_name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		original_date TEXT,
		rescheduled_date TEXT NOT NULL,
		missed_reason TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		completed_at TEXT,
		notes TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT UNIQUE,
		sequence INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_waypoint_sequence
		ON reschedule_history(waypoint_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_history_owner_created
		ON reschedule_history(owner_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_history_owner_waypoint
		ON reschedule_history(owner_id, waypoint_id);

	-- One open entry per waypoint
	CREATE UNIQUE INDEX IF NOT EXISTS idx_history_one_pending
		ON reschedule_history(waypoint_id)
		WHERE status = 'pending';

	-- Billing
	CREATE TABLE IF NOT EXISTS billing_clients (
		owner_id TEXT NOT NULL,
		label TEXT NOT NULL,
		model TEXT NOT NULL,
		rate_cents BIGINT,
		stop_type_rates_json TEXT NOT NULL DEFAULT '{}',
		bill_missed_visits BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, label)
	);

	CREATE TABLE IF NOT EXISTS billing_records (
		owner_id TEXT NOT NULL,
		source_key TEXT NOT NULL,
		waypoint_id TEXT NOT NULL,
		client_label TEXT NOT NULL,
		contact_name TEXT NOT NULL DEFAULT '',
		visit_type TEXT NOT NULL DEFAULT '',
		visit_date TEXT NOT NULL,
		route_holder_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		amount_cents BIGINT NOT NULL,
		warnings_json TEXT NOT NULL DEFAULT '[]',
		derived_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, source_key)
	);

	CREATE INDEX IF NOT EXISTS idx_billing_records_owner_date
		ON billing_records(owner_id, visit_date);

	-- Batch jobs
	CREATE TABLE IF NOT EXISTS job_checkpoints (
		job TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_runs (
		id TEXT PRIMARY KEY,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		processed INTEGER NOT NULL DEFAULT 0,
		failures_json TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_job_runs_job_started
		ON job_runs(job, started_at DESC);
	`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
