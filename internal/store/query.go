package store

import (
	"context"
	"fmt"
	"strings"

	"calsync/internal/model"
)

// EventView is an event joined with its subject and participant names.
type EventView struct {
	model.Event
	Subject      string
	SubjectKind  model.SubjectKind
	Participants []string
}

// SearchFilter narrows Search. Empty fields do not filter.
type SearchFilter struct {
	Facility    string
	Date        string // YYYY-MM-DD
	Keyword     string // matched against title and badge
	Participant string // substring of a linked person's name
	Limit       int
}

// Stats counts the stored rows.
type Stats struct {
	Facilities   int `json:"facilities"`
	People       int `json:"people"`
	Dates        int `json:"dates"`
	Events       int `json:"events"`
	Participants int `json:"participants"`
}

const viewColumns = `e.id, e.subject_id, e.event_date, e.title, e.start_time, e.end_time, e.badge, e.permalink, e.external_id, e.status, e.updated_at, s.name, s.kind`

// Facilities lists facility names alphabetically.
func (s *Store) Facilities(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT name FROM subjects WHERE kind = ? ORDER BY name`, string(model.KindFacility))
}

// Dates lists the distinct days that have active events, newest first.
func (s *Store) Dates(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT DISTINCT event_date FROM events WHERE status = ? ORDER BY event_date DESC`, string(model.StatusActive))
}

func (s *Store) column(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Search returns active events matching f, ordered by date, start time and
// subject.
func (s *Store) Search(ctx context.Context, f SearchFilter) ([]EventView, error) {
	var (
		where = []string{"e.status = ?"}
		args  = []any{string(model.StatusActive)}
	)
	if f.Facility != "" {
		where = append(where, "s.kind = ?", "s.name = ?")
		args = append(args, string(model.KindFacility), f.Facility)
	}
	if f.Date != "" {
		where = append(where, "e.event_date = ?")
		args = append(args, f.Date)
	}
	if kw := strings.ToLower(strings.TrimSpace(f.Keyword)); kw != "" {
		where = append(where, "(LOWER(e.title) LIKE ? OR LOWER(e.badge) LIKE ?)")
		args = append(args, "%"+kw+"%", "%"+kw+"%")
	}
	if p := strings.ToLower(strings.TrimSpace(f.Participant)); p != "" {
		where = append(where, `EXISTS (SELECT 1 FROM participants p JOIN subjects u ON u.id = p.person_id
			WHERE p.event_id = e.id AND LOWER(u.name) LIKE ?)`)
		args = append(args, "%"+p+"%")
	}

	query := `SELECT ` + viewColumns + ` FROM events e JOIN subjects s ON s.id = e.subject_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY e.event_date, e.start_time, s.name, e.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.views(ctx, query, args...)
}

// EventsOn returns the events of one facility on one day.
func (s *Store) EventsOn(ctx context.Context, facility, date string) ([]EventView, error) {
	if _, err := s.Subject(ctx, model.KindFacility, facility); err != nil {
		return nil, err
	}
	return s.Search(ctx, SearchFilter{Facility: facility, Date: date})
}

func (s *Store) views(ctx context.Context, query string, args ...any) ([]EventView, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	var (
		out []EventView
		ids []int64
	)
	for rows.Next() {
		var (
			v    EventView
			kind string
		)
		ev, err := s.scanEvent(scanTail{rows: rows, tail: []any{&v.Subject, &kind}})
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan event: %w", err)
		}
		v.Event = ev
		v.SubjectKind = model.SubjectKind(kind)
		out = append(out, v)
		ids = append(ids, ev.ID)
	}
	err = rows.Err()
	// Release the connection before the participant query; sqlite runs on one.
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("scan events: %w", err)
	}

	names, err := s.participantNames(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Participants = names[out[i].ID]
	}
	return out, nil
}

// scanTail appends extra destinations after the event columns.
type scanTail struct {
	rows interface{ Scan(...any) error }
	tail []any
}

func (t scanTail) Scan(dest ...any) error {
	return t.rows.Scan(append(dest, t.tail...)...)
}

func (s *Store) participantNames(ctx context.Context, eventIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string, len(eventIDs))
	if len(eventIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT p.event_id, u.name FROM participants p JOIN subjects u ON u.id = p.person_id
		 WHERE p.event_id IN (`+placeholders(len(eventIDs))+`)
		 ORDER BY p.event_id, u.name`), args...)
	if err != nil {
		return nil, fmt.Errorf("query participant names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out[id] = append(out[id], name)
	}
	return out, rows.Err()
}

// Stats counts facilities, people, active days, active events and links.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	counts := []struct {
		dst   *int
		query string
		args  []any
	}{
		{&st.Facilities, `SELECT COUNT(*) FROM subjects WHERE kind = ?`, []any{string(model.KindFacility)}},
		{&st.People, `SELECT COUNT(*) FROM subjects WHERE kind = ?`, []any{string(model.KindPerson)}},
		{&st.Dates, `SELECT COUNT(DISTINCT event_date) FROM events WHERE status = ?`, []any{string(model.StatusActive)}},
		{&st.Events, `SELECT COUNT(*) FROM events WHERE status = ?`, []any{string(model.StatusActive)}},
		{&st.Participants, `SELECT COUNT(*) FROM participants`, nil},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.rebind(c.query), c.args...).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}
