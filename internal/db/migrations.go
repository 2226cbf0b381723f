package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS gate_detections (
		detection_id         TEXT PRIMARY KEY,
		camera_id            TEXT NOT NULL,
		gate_name            TEXT NOT NULL,
		camera_role          TEXT NOT NULL,
		vehicle_type         TEXT NOT NULL,
		color                TEXT,
		make                 TEXT,
		model                TEXT,
		plate                TEXT,
		confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
		image_ref            TEXT,
		observed_at          TIMESTAMPTZ NOT NULL,
		registered_at        TIMESTAMPTZ NOT NULL,
		status               TEXT NOT NULL DEFAULT 'PENDING',
		verified             BOOLEAN NOT NULL DEFAULT FALSE,
		matched_detection_id TEXT,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_detections_gate_name ON gate_detections(gate_name);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_detections_registered_at ON gate_detections(registered_at);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_detections_plate ON gate_detections(plate);`,
	`CREATE TABLE IF NOT EXISTS verified_gate_events (
		event_id            TEXT PRIMARY KEY,
		gate_name           TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		vehicle_type        TEXT NOT NULL,
		color               TEXT,
		make                TEXT,
		model               TEXT,
		plate               TEXT,
		plate_conflict      BOOLEAN NOT NULL DEFAULT FALSE,
		alternate_plate     TEXT,
		entry_detection_id  TEXT NOT NULL,
		exit_detection_id   TEXT NOT NULL,
		entry_camera_id     TEXT NOT NULL,
		exit_camera_id      TEXT NOT NULL,
		entry_image_ref     TEXT,
		exit_image_ref      TEXT,
		verification_score  INT NOT NULL DEFAULT 0,
		dwell_time_seconds  INT NOT NULL DEFAULT 0,
		confidence          DOUBLE PRECISION NOT NULL DEFAULT 0,
		observed_at         TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_verified_gate_events_plate ON verified_gate_events(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_verified_gate_events_observed_at ON verified_gate_events(observed_at);`,
	`CREATE TABLE IF NOT EXISTS vehicle_sessions (
		session_id             TEXT PRIMARY KEY,
		identity               TEXT NOT NULL,
		plate                  TEXT,
		temp_id                TEXT,
		status                 TEXT NOT NULL,
		entry                  JSONB NOT NULL,
		exit                   JSONB,
		entry_time             TIMESTAMPTZ NOT NULL,
		exit_time              TIMESTAMPTZ,
		dwell_minutes          NUMERIC(10,2),
		metadata_match         BOOLEAN,
		requires_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
		alerts                 JSONB,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_sessions_plate ON vehicle_sessions(plate);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicle_sessions_status ON vehicle_sessions(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_vehicle_sessions_inside_identity
		ON vehicle_sessions(identity) WHERE status = 'INSIDE';`,
	`CREATE TABLE IF NOT EXISTS security_alerts (
		id          TEXT PRIMARY KEY,
		type        TEXT NOT NULL,
		severity    TEXT NOT NULL,
		subject     TEXT NOT NULL,
		session_id  TEXT,
		details     JSONB,
		timestamp   TIMESTAMPTZ NOT NULL,
		resolved    BOOLEAN NOT NULL DEFAULT FALSE
	);`,
	`CREATE INDEX IF NOT EXISTS idx_security_alerts_unresolved ON security_alerts(severity, timestamp DESC) WHERE resolved = FALSE;`,
	`CREATE TABLE IF NOT EXISTS manual_reviews (
		id                TEXT PRIMARY KEY,
		plate_or_identity TEXT NOT NULL,
		session_id        TEXT,
		image_ref         TEXT,
		confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason            TEXT NOT NULL,
		timestamp         TIMESTAMPTZ NOT NULL,
		decision          TEXT,
		corrected_plate   TEXT,
		reviewed_at       TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_manual_reviews_pending ON manual_reviews(timestamp) WHERE decision IS NULL;`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
