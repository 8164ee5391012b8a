// Package syncer runs one synchronisation pass: it asks the scheduler for a
// mode, pulls week views for every subject, reconciles each (subject, date)
// partition and finally enriches participants.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"calsync/internal/enrich"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
)

// ErrPartitionFailures is returned by Run when at least one partition was
// rolled back. The run itself completed and its summary is valid.
var ErrPartitionFailures = errors.New("one or more partitions failed")

// WeekView is what the source renders for one subject and target day.
type WeekView struct {
	// Days are the calendar days the view covers, in order.
	Days    []time.Time
	Records []model.RawRecord
}

// Feed fetches week views.
type Feed interface {
	Week(ctx context.Context, subject model.Subject, target time.Time) (WeekView, error)
}

// Catalog provides subjects and stored events.
type Catalog interface {
	EnsureFacility(ctx context.Context, name string) (model.Subject, error)
	SyncPeople(ctx context.Context) ([]model.Subject, error)
	EventsForSubjects(ctx context.Context, subjectIDs []int64) ([]model.Event, error)
}

// Reconciler reconciles one partition.
type Reconciler interface {
	Reconcile(ctx context.Context, subject model.Subject, date time.Time, raws []model.RawRecord) (reconcile.Diff, error)
}

// Enricher rewrites participant links for a batch of events.
type Enricher interface {
	Run(ctx context.Context, events []model.Event) enrich.Summary
}

// Planner decides the mode and targets of a run.
type Planner interface {
	Plan(ctx context.Context, now time.Time, force bool) (schedule.Decision, error)
}

// Scope limits which subjects a run covers.
type Scope int

const (
	ScopeAll Scope = iota
	ScopeFacilities
	ScopePeople
)

func (s Scope) String() string {
	switch s {
	case ScopeFacilities:
		return "facilities"
	case ScopePeople:
		return "people"
	default:
		return "all"
	}
}

// ParseScope accepts "", "all", "facilities" and "people".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return ScopeAll, nil
	case "facilities", "facility":
		return ScopeFacilities, nil
	case "people", "person", "users":
		return ScopePeople, nil
	}
	return ScopeAll, fmt.Errorf("unknown scope %q", s)
}

// RunOptions tune a single run.
type RunOptions struct {
	Only      Scope
	ForceFull bool
}

// Config wires a Runner.
type Config struct {
	Feed       Feed
	Catalog    Catalog
	Reconciler Reconciler
	// Enricher may be nil, in which case participants are left untouched.
	Enricher Enricher
	Planner  Planner
	// Facilities are the facility names scanned each run.
	Facilities []string
	Metrics    *metrics.Metrics
}

// Runner executes sync runs. Runs must not overlap.
type Runner struct {
	cfg   Config
	clock func() time.Time
}

func NewRunner(cfg Config) *Runner {
	return &Runner{cfg: cfg, clock: time.Now}
}

// SubjectCounts are the per-subject outcomes of a run.
type SubjectCounts struct {
	Kind              model.SubjectKind
	Added             int
	Updated           int
	Deleted           int
	Unchanged         int
	Skipped           int
	FetchFailures     int
	PartitionFailures int
}

// Summary describes a finished run. It is produced even when the run fails.
type Summary struct {
	RunID     string
	Mode      schedule.Mode
	Weeks     int
	Scope     Scope
	StartedAt time.Time
	Elapsed   time.Duration

	Subjects map[string]*SubjectCounts
	// order keeps subjects in scan order for logging.
	order []string

	Enrichment enrich.Summary
	// EnrichmentFailures counts enrichment passes that could not start.
	EnrichmentFailures int
	FetchFailures      int
	PartitionFailures  int
}

// SubjectNames returns the scanned subjects in scan order.
func (s *Summary) SubjectNames() []string {
	return append([]string(nil), s.order...)
}

// Totals sums the per-subject counts.
func (s *Summary) Totals() SubjectCounts {
	var t SubjectCounts
	for _, c := range s.Subjects {
		t.Added += c.Added
		t.Updated += c.Updated
		t.Deleted += c.Deleted
		t.Unchanged += c.Unchanged
		t.Skipped += c.Skipped
		t.FetchFailures += c.FetchFailures
		t.PartitionFailures += c.PartitionFailures
	}
	return t
}

func (s *Summary) counts(sub model.Subject) *SubjectCounts {
	c, ok := s.Subjects[sub.Name]
	if !ok {
		c = &SubjectCounts{Kind: sub.Kind}
		s.Subjects[sub.Name] = c
		s.order = append(s.order, sub.Name)
	}
	return c
}

// Run performs one synchronisation pass at now.
//
// Fetch, partition and enrichment failures are logged and counted without
// stopping the run. Errors from planning or from loading subjects abort it. When any
// partition failed, the summary is returned together with
// ErrPartitionFailures.
func (r *Runner) Run(ctx context.Context, now time.Time, opts RunOptions) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Scope:     opts.Only,
		StartedAt: r.clock(),
		Subjects:  make(map[string]*SubjectCounts),
	}

	decision, err := r.cfg.Planner.Plan(ctx, now, opts.ForceFull)
	if err != nil {
		return sum, fmt.Errorf("plan run: %w", err)
	}
	sum.Mode = decision.Mode
	sum.Weeks = decision.Weeks

	appLog.Info("sync run started", "run_id", sum.RunID, "mode", decision.Mode, "weeks", decision.Weeks,
		"scope", opts.Only, "from", decision.RunAt.Format(model.DateLayout))

	subjects, err := r.subjects(ctx, opts.Only)
	if err != nil {
		return sum, err
	}
	if len(subjects) == 0 {
		appLog.Warn("no subjects to sync", "run_id", sum.RunID, "scope", opts.Only)
	}

	var touched []model.Event
	for _, sub := range subjects {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		touched = append(touched, r.syncSubject(ctx, sum, sub, decision.Targets)...)
	}

	r.enrich(ctx, sum, decision, subjects, touched)

	sum.Elapsed = r.clock().Sub(sum.StartedAt)
	r.cfg.Metrics.RunFinished(decision.Mode.String(), sum.Elapsed, r.clock())
	logSummary(sum)

	if sum.PartitionFailures > 0 {
		return sum, fmt.Errorf("%d partition(s): %w", sum.PartitionFailures, ErrPartitionFailures)
	}
	return sum, nil
}

func (r *Runner) subjects(ctx context.Context, scope Scope) ([]model.Subject, error) {
	var out []model.Subject
	if scope != ScopePeople {
		for _, name := range r.cfg.Facilities {
			sub, err := r.cfg.Catalog.EnsureFacility(ctx, name)
			if err != nil {
				return nil, fmt.Errorf("ensure facility %q: %w", name, err)
			}
			out = append(out, sub)
		}
	}
	if scope != ScopeFacilities {
		people, err := r.cfg.Catalog.SyncPeople(ctx)
		if err != nil {
			return nil, fmt.Errorf("load people: %w", err)
		}
		out = append(out, people...)
	}
	return out, nil
}

// syncSubject reconciles every partition of every target week of sub and
// returns the events it added or updated.
func (r *Runner) syncSubject(ctx context.Context, sum *Summary, sub model.Subject, targets []time.Time) []model.Event {
	counts := sum.counts(sub)
	kind := string(sub.Kind)
	var touched []model.Event

	for _, target := range targets {
		view, err := r.cfg.Feed.Week(ctx, sub, target)
		if err != nil {
			counts.FetchFailures++
			sum.FetchFailures++
			r.cfg.Metrics.FetchFailed()
			appLog.Error("week fetch failed", err, "subject", sub.Name, "target", target.Format(model.DateLayout))
			continue
		}

		parts, outside := partitions(view)
		for _, rec := range outside {
			appLog.Warn("[skipped] record outside the rendered week", "subject", sub.Name,
				"target", target.Format(model.DateLayout), "date", model.Day(rec.Date).Format(model.DateLayout),
				"title", rec.Title)
		}
		counts.Skipped += len(outside)
		r.cfg.Metrics.Events(kind, "skipped", len(outside))

		for _, p := range parts {
			diff, err := r.cfg.Reconciler.Reconcile(ctx, sub, p.date, p.records)
			if err != nil {
				counts.PartitionFailures++
				sum.PartitionFailures++
				r.cfg.Metrics.PartitionFailed()
				appLog.Error("partition failed", err, "subject", sub.Name, "date", p.date.Format(model.DateLayout))
				continue
			}
			counts.Added += len(diff.Added)
			counts.Updated += len(diff.Updated)
			counts.Deleted += len(diff.DeletedIDs)
			counts.Unchanged += diff.Unchanged
			counts.Skipped += diff.Skipped

			r.cfg.Metrics.Events(kind, "added", len(diff.Added))
			r.cfg.Metrics.Events(kind, "updated", len(diff.Updated))
			r.cfg.Metrics.Events(kind, "deleted", len(diff.DeletedIDs))
			r.cfg.Metrics.Events(kind, "unchanged", diff.Unchanged)
			r.cfg.Metrics.Events(kind, "skipped", diff.Skipped)

			touched = append(touched, diff.Touched()...)
		}
	}
	return touched
}

type partition struct {
	date    time.Time
	records []model.RawRecord
}

// partitions groups the records of view by day, in source order. Every
// rendered day yields a partition, even an empty one, so events that
// disappeared from the view are deleted. Records dated outside the rendered
// days are returned separately and never open a partition of their own.
func partitions(view WeekView) (parts []partition, outside []model.RawRecord) {
	byDay := make(map[string]*partition, len(view.Days))
	var keys []string
	for _, d := range view.Days {
		day := model.Day(d)
		k := day.Format(model.DateLayout)
		if _, ok := byDay[k]; ok {
			continue
		}
		byDay[k] = &partition{date: day}
		keys = append(keys, k)
	}

	for _, rec := range view.Records {
		p, ok := byDay[model.Day(rec.Date).Format(model.DateLayout)]
		if !ok {
			outside = append(outside, rec)
			continue
		}
		p.records = append(p.records, rec)
	}

	sort.Strings(keys)
	parts = make([]partition, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, *byDay[k])
	}
	return parts, outside
}

func (r *Runner) enrich(ctx context.Context, sum *Summary, decision schedule.Decision, subjects []model.Subject, touched []model.Event) {
	if r.cfg.Enricher == nil {
		return
	}

	events := touched
	if decision.EnrichAll() {
		ids := make([]int64, 0, len(subjects))
		for _, s := range subjects {
			ids = append(ids, s.ID)
		}
		all, err := r.cfg.Catalog.EventsForSubjects(ctx, ids)
		if err != nil {
			sum.EnrichmentFailures++
			appLog.Error("participant enrichment skipped, events could not be loaded", err, "run_id", sum.RunID)
			return
		}
		events = withinWindow(all, decision)
	}

	if len(events) == 0 {
		appLog.Info("participant enrichment skipped, nothing changed", "run_id", sum.RunID)
		return
	}

	appLog.Info("participant enrichment started", "run_id", sum.RunID, "events", len(events))
	sum.Enrichment = r.cfg.Enricher.Run(ctx, events)
	r.cfg.Metrics.ParticipantsLinked(sum.Enrichment.Linked)
}

// withinWindow keeps the events dated inside the scanned weeks.
func withinWindow(events []model.Event, d schedule.Decision) []model.Event {
	if len(d.Targets) == 0 {
		return nil
	}
	first := model.Day(d.Targets[0]).Format(model.DateLayout)
	last := model.Day(d.Targets[len(d.Targets)-1]).AddDate(0, 0, 6).Format(model.DateLayout)
	out := events[:0:0]
	for _, ev := range events {
		if k := ev.DateKey(); k >= first && k <= last {
			out = append(out, ev)
		}
	}
	return out
}

func logSummary(sum *Summary) {
	for _, name := range sum.order {
		c := sum.Subjects[name]
		appLog.Info("subject synced", "run_id", sum.RunID, "subject", name, "kind", c.Kind,
			"added", c.Added, "updated", c.Updated, "deleted", c.Deleted, "unchanged", c.Unchanged,
			"skipped", c.Skipped, "fetch_failures", c.FetchFailures, "partition_failures", c.PartitionFailures)
	}
	t := sum.Totals()
	appLog.Info("sync run finished", "run_id", sum.RunID, "mode", sum.Mode, "elapsed", sum.Elapsed.Round(time.Millisecond),
		"subjects", len(sum.order), "added", t.Added, "updated", t.Updated, "deleted", t.Deleted,
		"unchanged", t.Unchanged, "skipped", t.Skipped, "participants", sum.Enrichment.Linked,
		"unresolved", sum.Enrichment.Unresolved, "enrichment_failures", sum.EnrichmentFailures,
		"fetch_failures", sum.FetchFailures,
		"partition_failures", sum.PartitionFailures)
}
