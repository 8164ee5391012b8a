package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// PartitionTx is a store transaction scoped to one (subject, date) pair.
// A failed mutation must leave the transaction usable for further
// attempts; the sql store guards each mutation with a savepoint.
type PartitionTx interface {
	// Events returns the active stored events of the partition.
	Events(ctx context.Context) ([]model.Event, error)
	// InsertEvent stores ev and sets ev.ID.
	InsertEvent(ctx context.Context, ev *model.Event) error
	UpdateEvent(ctx context.Context, ev model.Event) error
	// DeleteEvent removes the event and its participant links.
	DeleteEvent(ctx context.Context, id int64) error
	Commit() error
	Rollback() error
}

// PartitionStore opens partition transactions.
type PartitionStore interface {
	BeginPartition(ctx context.Context, subjectID int64, date time.Time) (PartitionTx, error)
}

// Diff summarises one committed partition.
type Diff struct {
	Subject model.Subject
	Date    time.Time

	Added      []model.Event
	Updated    []model.Event
	DeletedIDs []int64
	Unchanged  int
	Skipped    int

	// Changes holds the before/after descriptions per updated event id.
	Changes map[int64][]string
}

// Touched returns the events added or updated in this partition.
func (d Diff) Touched() []model.Event {
	out := make([]model.Event, 0, len(d.Added)+len(d.Updated))
	out = append(out, d.Added...)
	return append(out, d.Updated...)
}

// RecordError is one failed mutation inside a partition.
type RecordError struct {
	Op      string // insert, update, delete
	EventID int64
	Title   string
	Err     error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s %q (id=%d): %v", e.Op, e.Title, e.EventID, e.Err)
}

// PartitionError reports a partition that was rolled back.
type PartitionError struct {
	Subject  string
	Date     time.Time
	Failures []RecordError
	// Err is set when the transaction itself could not be opened, read or committed.
	Err error
}

func (e *PartitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "partition %s %s", e.Subject, e.Date.Format(model.DateLayout))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *PartitionError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Engine applies partition plans to the store.
type Engine struct {
	store PartitionStore
	now   func() time.Time
}

// NewEngine returns an Engine writing through store.
func NewEngine(store PartitionStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Reconcile brings the stored events of (subject, date) in line with raws.
//
// All mutations of the partition commit together. Every mutation is
// attempted even after an earlier one failed, so the returned
// *PartitionError lists all failing records; the partition is then rolled
// back and the zero Diff (with Subject and Date set) is returned.
func (e *Engine) Reconcile(ctx context.Context, subject model.Subject, date time.Time, raws []model.RawRecord) (Diff, error) {
	date = model.Day(date)
	diff := Diff{Subject: subject, Date: date}
	dateKey := date.Format(model.DateLayout)

	tx, err := e.store.BeginPartition(ctx, subject.ID, date)
	if err != nil {
		return diff, &PartitionError{Subject: subject.Name, Date: date, Err: fmt.Errorf("begin: %w", err)}
	}

	stored, err := tx.Events(ctx)
	if err != nil {
		_ = tx.Rollback()
		return diff, &PartitionError{Subject: subject.Name, Date: date, Err: fmt.Errorf("load stored events: %w", err)}
	}

	plan := Plan(raws, stored)
	for _, raw := range plan.Skipped {
		appLog.Warn("[skipped] malformed time range", "subject", subject.Name, "date", dateKey, "title", raw.Title, "start", raw.Start, "end", raw.End)
	}
	diff.Skipped = len(plan.Skipped)
	diff.Unchanged = len(plan.Unchanged)

	if plan.Mutations() == 0 {
		if err := tx.Commit(); err != nil {
			return Diff{Subject: subject, Date: date}, &PartitionError{Subject: subject.Name, Date: date, Err: fmt.Errorf("commit: %w", err)}
		}
		e.logUnchanged(subject, dateKey, plan)
		return diff, nil
	}

	var failures []RecordError
	now := e.now()

	// Deletes first so freed external ids can be reused by updates and inserts.
	for _, ev := range plan.Deletes {
		if err := tx.DeleteEvent(ctx, ev.ID); err != nil {
			failures = append(failures, RecordError{Op: "delete", EventID: ev.ID, Title: ev.Title, Err: err})
			continue
		}
		diff.DeletedIDs = append(diff.DeletedIDs, ev.ID)
	}

	for _, m := range plan.Updates {
		ev := m.Stored
		ev.Title = m.Raw.Title
		ev.Start = m.Raw.Start
		ev.End = m.Raw.End
		ev.Badge = m.Raw.Badge
		ev.Permalink = m.Raw.Permalink
		ev.ExternalID = m.Raw.ExternalID
		ev.UpdatedAt = now
		if err := tx.UpdateEvent(ctx, ev); err != nil {
			failures = append(failures, RecordError{Op: "update", EventID: ev.ID, Title: ev.Title, Err: err})
			continue
		}
		diff.Updated = append(diff.Updated, ev)
		if diff.Changes == nil {
			diff.Changes = make(map[int64][]string)
		}
		diff.Changes[ev.ID] = m.Changes
	}

	for _, raw := range plan.Adds {
		ev := model.Event{
			SubjectID:  subject.ID,
			Date:       date,
			Title:      raw.Title,
			Start:      raw.Start,
			End:        raw.End,
			Badge:      raw.Badge,
			Permalink:  raw.Permalink,
			ExternalID: raw.ExternalID,
			Status:     model.StatusActive,
			UpdatedAt:  now,
		}
		if err := tx.InsertEvent(ctx, &ev); err != nil {
			failures = append(failures, RecordError{Op: "insert", Title: ev.Title, Err: err})
			continue
		}
		diff.Added = append(diff.Added, ev)
	}

	if len(failures) > 0 {
		if err := tx.Rollback(); err != nil {
			appLog.Error("partition rollback failed", err, "subject", subject.Name, "date", dateKey)
		}
		for _, f := range failures {
			appLog.Error("partition mutation failed", f.Err, "subject", subject.Name, "date", dateKey, "op", f.Op, "event_id", f.EventID, "title", f.Title)
		}
		return Diff{Subject: subject, Date: date}, &PartitionError{Subject: subject.Name, Date: date, Failures: failures}
	}

	if err := tx.Commit(); err != nil {
		return Diff{Subject: subject, Date: date}, &PartitionError{Subject: subject.Name, Date: date, Err: fmt.Errorf("commit: %w", err)}
	}

	e.logApplied(subject, dateKey, plan, diff)
	return diff, nil
}

func (e *Engine) logUnchanged(subject model.Subject, dateKey string, plan PartitionPlan) {
	for _, m := range plan.Unchanged {
		appLog.Debug("[unchanged]", "subject", subject.Name, "date", dateKey, "title", m.Raw.Title, "key", m.Key)
	}
}

func (e *Engine) logApplied(subject model.Subject, dateKey string, plan PartitionPlan, diff Diff) {
	for _, ev := range diff.Added {
		appLog.Info("[added]", "subject", subject.Name, "date", dateKey, "id", ev.ID, "title", ev.Title, "time", ev.Start+"-"+ev.End, "badge", ev.Badge)
	}
	for _, m := range plan.Updates {
		appLog.Info("[updated]", "subject", subject.Name, "date", dateKey, "id", m.Stored.ID, "key", m.Key, "changes", strings.Join(m.Changes, ", "))
	}
	for _, ev := range plan.Deletes {
		appLog.Warn("[deleted] no longer present in source", "subject", subject.Name, "date", dateKey, "id", ev.ID, "title", ev.Title)
	}
	e.logUnchanged(subject, dateKey, plan)
}

// IsPartitionError reports whether err carries a *PartitionError.
func IsPartitionError(err error) bool {
	var pe *PartitionError
	return errors.As(err, &pe)
}
