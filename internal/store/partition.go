package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"calsync/internal/model"
	"calsync/internal/reconcile"
)

const eventColumns = `id, subject_id, event_date, title, start_time, end_time, badge, permalink, external_id, status, updated_at`

func (s *Store) scanEvent(row interface{ Scan(...any) error }) (model.Event, error) {
	var (
		ev        model.Event
		date      string
		ext       sql.NullString
		status    string
		updatedAt string
	)
	if err := row.Scan(&ev.ID, &ev.SubjectID, &date, &ev.Title, &ev.Start, &ev.End,
		&ev.Badge, &ev.Permalink, &ext, &status, &updatedAt); err != nil {
		return model.Event{}, err
	}
	d, err := model.ParseDay(date, s.loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("event %d: bad date %q: %w", ev.ID, date, err)
	}
	ev.Date = d
	if ext.Valid {
		ev.ExternalID = &ext.String
	}
	ev.Status = model.EventStatus(status)
	ev.UpdatedAt = parseTimestamp(updatedAt)
	return ev, nil
}

func (s *Store) scanEvents(rows *sql.Rows) ([]model.Event, error) {
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// BeginPartition opens a transaction scoped to one (subject, date).
func (s *Store) BeginPartition(ctx context.Context, subjectID int64, date time.Time) (reconcile.PartitionTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &partitionTx{
		s:         s,
		tx:        tx,
		subjectID: subjectID,
		date:      model.Day(date).Format(model.DateLayout),
	}, nil
}

type partitionTx struct {
	s         *Store
	tx        *sql.Tx
	subjectID int64
	date      string
	seq       int
}

func (t *partitionTx) Events(ctx context.Context) ([]model.Event, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.rebind(
		`SELECT `+eventColumns+` FROM events
		 WHERE subject_id = ? AND event_date = ? AND status = ?
		 ORDER BY id`),
		t.subjectID, t.date, string(model.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("query partition: %w", err)
	}
	return t.s.scanEvents(rows)
}

// savepoint runs fn inside a savepoint. A failing fn is rolled back to the
// savepoint so the enclosing transaction stays usable.
func (t *partitionTx) savepoint(ctx context.Context, fn func() error) error {
	t.seq++
	name := fmt.Sprintf("rec_%d", t.seq)
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *partitionTx) InsertEvent(ctx context.Context, ev *model.Event) error {
	return t.savepoint(ctx, func() error {
		now := nowText()
		updated := now
		if !ev.UpdatedAt.IsZero() {
			updated = ev.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		status := ev.Status
		if status == "" {
			status = model.StatusActive
		}
		var id int64
		err := t.tx.QueryRowContext(ctx, t.s.rebind(
			`INSERT INTO events (subject_id, event_date, title, start_time, end_time, badge, permalink, external_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 RETURNING id`),
			t.subjectID, t.date, ev.Title, ev.Start, ev.End, ev.Badge, ev.Permalink,
			ev.ExternalID, string(status), now, updated).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		ev.ID = id
		ev.SubjectID = t.subjectID
		ev.Status = status
		return nil
	})
}

func (t *partitionTx) UpdateEvent(ctx context.Context, ev model.Event) error {
	return t.savepoint(ctx, func() error {
		res, err := t.tx.ExecContext(ctx, t.s.rebind(
			`UPDATE events
			 SET title = ?, start_time = ?, end_time = ?, badge = ?, permalink = ?, external_id = ?, updated_at = ?
			 WHERE id = ? AND subject_id = ?`),
			ev.Title, ev.Start, ev.End, ev.Badge, ev.Permalink, ev.ExternalID,
			ev.UpdatedAt.UTC().Format(time.RFC3339Nano), ev.ID, t.subjectID)
		if err != nil {
			return fmt.Errorf("update event: %w", err)
		}
		return expectOne(res, ev.ID)
	})
}

func (t *partitionTx) DeleteEvent(ctx context.Context, id int64) error {
	return t.savepoint(ctx, func() error {
		// Links go first so the delete does not depend on FK enforcement.
		if _, err := t.tx.ExecContext(ctx, t.s.rebind(`DELETE FROM participants WHERE event_id = ?`), id); err != nil {
			return fmt.Errorf("delete participants: %w", err)
		}
		res, err := t.tx.ExecContext(ctx, t.s.rebind(`DELETE FROM events WHERE id = ? AND subject_id = ?`), id, t.subjectID)
		if err != nil {
			return fmt.Errorf("delete event: %w", err)
		}
		return expectOne(res, id)
	})
}

func (t *partitionTx) Commit() error   { return t.tx.Commit() }
func (t *partitionTx) Rollback() error { return t.tx.Rollback() }

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceParticipants deletes every link of eventID and inserts personIDs.
func (s *Store) ReplaceParticipants(ctx context.Context, eventID int64, personIDs []int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM participants WHERE event_id = ?`), eventID); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	now := nowText()
	seen := make(map[int64]bool, len(personIDs))
	for _, pid := range personIDs {
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if _, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO participants (event_id, person_id, created_at) VALUES (?, ?, ?)`),
			eventID, pid, now); err != nil {
			return fmt.Errorf("link person %d: %w", pid, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit participants: %w", err)
	}
	return nil
}

// Participants returns the person ids linked to eventID.
func (s *Store) Participants(ctx context.Context, eventID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT person_id FROM participants WHERE event_id = ? ORDER BY person_id`), eventID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// EventsForSubjects returns the active events of the given subjects, ordered
// by date and start time.
func (s *Store) EventsForSubjects(ctx context.Context, subjectIDs []int64) ([]model.Event, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(subjectIDs)+1)
	args = append(args, string(model.StatusActive))
	for _, id := range subjectIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT `+eventColumns+` FROM events
		 WHERE status = ? AND subject_id IN (`+placeholders(len(subjectIDs))+`)
		 ORDER BY event_date, start_time, id`), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return s.scanEvents(rows)
}
