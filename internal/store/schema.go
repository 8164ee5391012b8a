package store

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subjects (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL,
		external_id  TEXT,
		sync_enabled INTEGER NOT NULL DEFAULT 0,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		UNIQUE (kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		subject_id  INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		event_date  TEXT NOT NULL,
		title       TEXT NOT NULL,
		start_time  TEXT NOT NULL,
		end_time    TEXT NOT NULL,
		badge       TEXT NOT NULL DEFAULT '',
		permalink   TEXT NOT NULL DEFAULT '',
		external_id TEXT,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		event_id   INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		person_id  INTEGER NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (event_id, person_id)
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS subjects (
		id           BIGSERIAL PRIMARY KEY,
		kind         TEXT NOT NULL,
		name         TEXT NOT NULL,
		external_id  TEXT,
		sync_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		UNIQUE (kind, name)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          BIGSERIAL PRIMARY KEY,
		subject_id  BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		event_date  TEXT NOT NULL,
		title       TEXT NOT NULL,
		start_time  TEXT NOT NULL,
		end_time    TEXT NOT NULL,
		badge       TEXT NOT NULL DEFAULT '',
		permalink   TEXT NOT NULL DEFAULT '',
		external_id TEXT,
		status      TEXT NOT NULL DEFAULT 'active',
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		event_id   BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		person_id  BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL,
		PRIMARY KEY (event_id, person_id)
	)`,
}

// Indexes are shared; both dialects accept partial unique indexes.
var commonIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_subject_date ON events (subject_id, event_date)`,
	`CREATE INDEX IF NOT EXISTS idx_events_date ON events (event_date)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_active_external
		ON events (subject_id, event_date, external_id)
		WHERE external_id IS NOT NULL AND status = 'active'`,
	`CREATE INDEX IF NOT EXISTS idx_participants_person ON participants (person_id)`,
}

// InitSchema creates tables and indexes if missing. It is idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := sqliteSchema
	if s.driver == DriverPostgres {
		stmts = postgresSchema
	}
	stmts = append(append([]string(nil), stmts...), commonIndexes...)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
