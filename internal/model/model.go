package model

import (
	"fmt"
	"time"
)

// DateLayout is the persisted form of a calendar day.
const DateLayout = "2006-01-02"

// SubjectKind distinguishes shared facilities from individual people.
type SubjectKind string

const (
	KindFacility SubjectKind = "facility"
	KindPerson   SubjectKind = "person"
)

// Subject is a Facility or a Person whose calendar is tracked.
// Facilities are created on first reference; people are pre-seeded and
// only synced when SyncEnabled is set.
type Subject struct {
	ID         int64
	Kind       SubjectKind
	Name       string // unique per kind
	ExternalID string
	// SyncEnabled marks a person as eligible for calendar scraping.
	SyncEnabled bool
}

// EventStatus is the lifecycle status of a stored Event.
type EventStatus string

const (
	StatusActive    EventStatus = "active"
	StatusCancelled EventStatus = "cancelled"
)

// Event is a persisted calendar entry belonging to exactly one Subject.
type Event struct {
	ID        int64 // assigned by the store, immutable
	SubjectID int64
	Date      time.Time

	Title string
	// Start / End are time-of-day text as rendered by the source (e.g. "09:30").
	Start string
	End   string
	Badge string

	Permalink  string
	ExternalID *string // nil when the source exposes no identifier

	Status    EventStatus
	UpdatedAt time.Time
}

// DateKey returns the persisted day string for the event.
func (e Event) DateKey() string {
	return e.Date.Format(DateLayout)
}

// RawRecord is an ephemeral event description scraped from one week view.
// It never carries a local identifier.
type RawRecord struct {
	SubjectID int64
	Date      time.Time

	Title string
	Start string
	End   string
	Badge string

	Permalink  string
	ExternalID *string
}

// HasTimeRange reports whether both ends of the time range were extracted.
func (r RawRecord) HasTimeRange() bool {
	return r.Start != "" && r.End != ""
}

func (r RawRecord) String() string {
	return fmt.Sprintf("%s %s-%s %q", r.Date.Format(DateLayout), r.Start, r.End, r.Title)
}

// Participant links one Event to one known Person.
type Participant struct {
	EventID  int64
	PersonID int64
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDay parses a persisted day string in loc.
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(DateLayout, s, loc)
}

// StringPtr returns nil for empty strings, otherwise a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// StringValue dereferences p, returning "" for nil.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
