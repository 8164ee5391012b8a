package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"calsync/internal/model"
)

const subjectColumns = `id, kind, name, external_id, sync_enabled`

func scanSubject(row interface{ Scan(...any) error }) (model.Subject, error) {
	var (
		sub  model.Subject
		kind string
		ext  sql.NullString
	)
	if err := row.Scan(&sub.ID, &kind, &sub.Name, &ext, &sub.SyncEnabled); err != nil {
		return model.Subject{}, err
	}
	sub.Kind = model.SubjectKind(kind)
	sub.ExternalID = ext.String
	return sub, nil
}

// Subject returns the subject of the given kind and name, or ErrNotFound.
func (s *Store) Subject(ctx context.Context, kind model.SubjectKind, name string) (model.Subject, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT `+subjectColumns+` FROM subjects WHERE kind = ? AND name = ?`), string(kind), name)
	sub, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Subject{}, fmt.Errorf("%s %q: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		return model.Subject{}, fmt.Errorf("query subject: %w", err)
	}
	return sub, nil
}

// EnsureFacility returns the facility named name, creating it on first
// reference.
func (s *Store) EnsureFacility(ctx context.Context, name string) (model.Subject, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Subject{}, errors.New("facility name is empty")
	}
	now := nowText()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO subjects (kind, name, sync_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, name) DO NOTHING`),
		string(model.KindFacility), name, false, now, now); err != nil {
		return model.Subject{}, fmt.Errorf("insert facility %q: %w", name, err)
	}
	return s.Subject(ctx, model.KindFacility, name)
}

// AddPerson registers a person in the directory or updates its sync flag
// and external id.
func (s *Store) AddPerson(ctx context.Context, name, externalID string, syncEnabled bool) (model.Subject, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Subject{}, errors.New("person name is empty")
	}
	now := nowText()
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO subjects (kind, name, external_id, sync_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (kind, name) DO UPDATE SET
		   external_id = excluded.external_id,
		   sync_enabled = excluded.sync_enabled,
		   updated_at = excluded.updated_at`),
		string(model.KindPerson), name, model.StringPtr(externalID), syncEnabled, now, now); err != nil {
		return model.Subject{}, fmt.Errorf("upsert person %q: %w", name, err)
	}
	return s.Subject(ctx, model.KindPerson, name)
}

// SyncPeople returns the people whose own calendars are scraped.
func (s *Store) SyncPeople(ctx context.Context) ([]model.Subject, error) {
	return s.people(ctx, true)
}

// People returns every known person, synced or not.
func (s *Store) People(ctx context.Context) ([]model.Subject, error) {
	return s.people(ctx, false)
}

func (s *Store) people(ctx context.Context, syncOnly bool) ([]model.Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM subjects WHERE kind = ?`
	args := []any{string(model.KindPerson)}
	if syncOnly {
		query += ` AND sync_enabled = ?`
		args = append(args, true)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query+` ORDER BY name`), args...)
	if err != nil {
		return nil, fmt.Errorf("query people: %w", err)
	}
	defer rows.Close()

	var out []model.Subject
	for rows.Next() {
		sub, err := scanSubject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// LookupPerson resolves an attendee display name to a person id.
func (s *Store) LookupPerson(ctx context.Context, name string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id FROM subjects WHERE kind = ? AND name = ?`),
		string(model.KindPerson), strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup person: %w", err)
	}
	return id, true, nil
}
