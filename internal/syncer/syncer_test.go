package syncer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/enrich"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/reconcile"
	"calsync/internal/schedule"
	"calsync/internal/store"
)

// fakeFeed serves records per subject name and day. Days without an entry
// are rendered empty.
type fakeFeed struct {
	records map[string]map[string][]model.RawRecord
	// stray records are appended to every view of the subject with their
	// own date, wherever that falls.
	stray map[string][]model.RawRecord
	fail  map[string]bool
	calls int
}

func (f *fakeFeed) set(subject, day string, recs ...model.RawRecord) {
	if f.records == nil {
		f.records = make(map[string]map[string][]model.RawRecord)
	}
	if f.records[subject] == nil {
		f.records[subject] = make(map[string][]model.RawRecord)
	}
	f.records[subject][day] = recs
}

func (f *fakeFeed) Week(_ context.Context, subject model.Subject, target time.Time) (WeekView, error) {
	f.calls++
	if f.fail[subject.Name] {
		return WeekView{}, errors.New("page did not load")
	}
	var view WeekView
	for i := 0; i < 7; i++ {
		day := model.Day(target).AddDate(0, 0, i)
		view.Days = append(view.Days, day)
		for _, r := range f.records[subject.Name][day.Format(model.DateLayout)] {
			r.SubjectID = subject.ID
			r.Date = day
			view.Records = append(view.Records, r)
		}
	}
	for _, r := range f.stray[subject.Name] {
		r.SubjectID = subject.ID
		view.Records = append(view.Records, r)
	}
	return view, nil
}

type fakeEnricher struct {
	batches [][]model.Event
}

func (e *fakeEnricher) Run(_ context.Context, events []model.Event) enrich.Summary {
	e.batches = append(e.batches, events)
	return enrich.Summary{Events: len(events), Linked: len(events)}
}

type fixture struct {
	store    *store.Store
	feed     *fakeFeed
	enricher *fakeEnricher
	state    *schedule.MemoryState
	runner   *Runner
}

func newFixture(t *testing.T, facilities ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{
		Driver:   store.DriverSQLite,
		DSN:      filepath.Join(t.TempDir(), "sync.db"),
		Location: time.UTC,
	})
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	policy := schedule.DefaultPolicy()
	policy.Location = time.UTC
	state := &schedule.MemoryState{}
	f := &fixture{
		store:    st,
		feed:     &fakeFeed{},
		enricher: &fakeEnricher{},
		state:    state,
	}
	f.runner = NewRunner(Config{
		Feed:       f.feed,
		Catalog:    st,
		Reconciler: reconcile.NewEngine(st),
		Enricher:   f.enricher,
		Planner:    schedule.New(policy, state),
		Facilities: facilities,
		Metrics:    metrics.New(),
	})
	return f
}

func at(t *testing.T, s string) time.Time {
	t.Helper()
	v, err := time.ParseInLocation("2006-01-02 15:04", s, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func rec(title, start, end, ext string) model.RawRecord {
	return model.RawRecord{
		Title:      title,
		Start:      start,
		End:        end,
		Permalink:  "https://example.invalid/" + title,
		ExternalID: model.StringPtr(ext),
	}
}

func TestRun_FullThenIncremental(t *testing.T) {
	f := newFixture(t, "Room A")
	ctx := context.Background()
	f.feed.set("Room A", "2025-01-10", rec("Planning", "09:00", "10:00", "e1"), rec("Retro", "15:00", "16:00", "e2"))
	f.feed.set("Room A", "2025-02-03", rec("Offsite", "10:00", "17:00", "e3"))

	sum, err := f.runner.Run(ctx, at(t, "2025-01-10 00:05"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if sum.Mode != schedule.Full || sum.Weeks != 5 || f.feed.calls != 5 {
		t.Fatalf("mode=%s weeks=%d calls=%d, want full/5/5", sum.Mode, sum.Weeks, f.feed.calls)
	}
	if sum.RunID == "" {
		t.Error("RunID is empty")
	}
	c := sum.Subjects["Room A"]
	if c == nil || c.Added != 3 || c.Kind != model.KindFacility {
		t.Fatalf("counts = %+v", c)
	}
	if len(f.enricher.batches) != 1 || len(f.enricher.batches[0]) != 3 {
		t.Errorf("full run enrichment batches = %v", f.enricher.batches)
	}
	st, _ := f.state.Load(ctx)
	if st.LastFullSync == nil {
		t.Error("full run did not persist last_full_sync")
	}

	// Incremental run, nothing changed: no enrichment.
	f.feed.calls = 0
	sum, err = f.runner.Run(ctx, at(t, "2025-01-10 09:00"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if sum.Mode != schedule.Incremental || f.feed.calls != 1 {
		t.Fatalf("mode=%s calls=%d, want incremental/1", sum.Mode, f.feed.calls)
	}
	if got := sum.Totals(); got.Unchanged != 2 || got.Added != 0 {
		t.Errorf("incremental totals = %+v", got)
	}
	if len(f.enricher.batches) != 1 {
		t.Errorf("unchanged incremental run triggered enrichment")
	}
}

func TestRun_EmptiedDayDeletesAndTouchedIsEnriched(t *testing.T) {
	f := newFixture(t, "Room A")
	ctx := context.Background()
	f.feed.set("Room A", "2025-01-10", rec("Planning", "09:00", "10:00", "e1"))
	f.feed.set("Room A", "2025-01-11", rec("Cleanup", "08:00", "09:00", "e2"))

	if _, err := f.runner.Run(ctx, at(t, "2025-01-10 09:00"), RunOptions{}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	f.enricher.batches = nil

	f.feed.set("Room A", "2025-01-11")
	f.feed.set("Room A", "2025-01-10", rec("Planning", "09:30", "10:30", "e1"))
	sum, err := f.runner.Run(ctx, at(t, "2025-01-10 10:00"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	c := sum.Subjects["Room A"]
	if c.Deleted != 1 || c.Updated != 1 {
		t.Fatalf("counts = %+v, want 1 deleted 1 updated", c)
	}
	if len(f.enricher.batches) != 1 || len(f.enricher.batches[0]) != 1 || f.enricher.batches[0][0].Start != "09:30" {
		t.Errorf("enrichment batches = %+v", f.enricher.batches)
	}
}

func TestRun_FetchFailureIsCountedAndRunContinues(t *testing.T) {
	f := newFixture(t, "Room A", "Room B")
	f.feed.fail = map[string]bool{"Room A": true}
	f.feed.set("Room B", "2025-01-10", rec("Interview", "14:00", "15:00", ""))

	sum, err := f.runner.Run(context.Background(), at(t, "2025-01-10 09:00"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if sum.FetchFailures != 1 || sum.Subjects["Room A"].FetchFailures != 1 {
		t.Errorf("fetch failures = %d", sum.FetchFailures)
	}
	if sum.Subjects["Room B"].Added != 1 {
		t.Errorf("Room B counts = %+v", sum.Subjects["Room B"])
	}
}

func TestRun_PartitionFailureReturnsSentinel(t *testing.T) {
	f := newFixture(t, "Room A")
	// Two active events with the same external id on one day violate the
	// store's uniqueness constraint.
	f.feed.set("Room A", "2025-01-10", rec("One", "09:00", "10:00", "dup"), rec("Two", "11:00", "12:00", "dup"))
	f.feed.set("Room A", "2025-01-11", rec("Fine", "09:00", "10:00", "ok"))

	sum, err := f.runner.Run(context.Background(), at(t, "2025-01-10 09:00"), RunOptions{})
	if !errors.Is(err, ErrPartitionFailures) {
		t.Fatalf("Run() error = %v, want ErrPartitionFailures", err)
	}
	if sum.PartitionFailures != 1 {
		t.Errorf("PartitionFailures = %d, want 1", sum.PartitionFailures)
	}
	if sum.Subjects["Room A"].Added != 1 {
		t.Errorf("healthy partition not applied: %+v", sum.Subjects["Room A"])
	}
}

func TestRun_ScopeSelectsSubjects(t *testing.T) {
	f := newFixture(t, "Room A")
	ctx := context.Background()
	if _, err := f.store.AddPerson(ctx, "Sato Ken", "", true); err != nil {
		t.Fatalf("AddPerson() failed: %v", err)
	}

	sum, err := f.runner.Run(ctx, at(t, "2025-01-10 09:00"), RunOptions{Only: ScopePeople})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	names := sum.SubjectNames()
	if len(names) != 1 || names[0] != "Sato Ken" || sum.Subjects["Sato Ken"].Kind != model.KindPerson {
		t.Errorf("people scope subjects = %v", names)
	}

	sum, _ = f.runner.Run(ctx, at(t, "2025-01-10 09:00"), RunOptions{Only: ScopeFacilities})
	if names := sum.SubjectNames(); len(names) != 1 || names[0] != "Room A" {
		t.Errorf("facility scope subjects = %v", names)
	}
}

func TestRun_ForceFull(t *testing.T) {
	f := newFixture(t, "Room A")
	sum, err := f.runner.Run(context.Background(), at(t, "2025-01-10 15:00"), RunOptions{ForceFull: true})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if sum.Mode != schedule.Full || f.feed.calls != 5 {
		t.Errorf("forced run mode=%s calls=%d", sum.Mode, f.feed.calls)
	}
}

func TestParseScope(t *testing.T) {
	for in, want := range map[string]Scope{"": ScopeAll, "all": ScopeAll, "facilities": ScopeFacilities, "People": ScopePeople} {
		got, err := ParseScope(in)
		if err != nil || got != want {
			t.Errorf("ParseScope(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseScope("rooms"); err == nil {
		t.Error("ParseScope(rooms) succeeded")
	}
}

func TestPartitions_IncludesEmptyRenderedDays(t *testing.T) {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	view := WeekView{
		Days: []time.Time{day, day.AddDate(0, 0, 1)},
		Records: []model.RawRecord{
			{Date: day.AddDate(0, 0, 1), Title: "b"},
			{Date: day.AddDate(0, 0, 1), Title: "a"},
		},
	}
	ps, outside := partitions(view)
	if len(outside) != 0 {
		t.Errorf("outside = %+v, want none", outside)
	}
	if len(ps) != 2 || len(ps[0].records) != 0 || len(ps[1].records) != 2 {
		t.Fatalf("partitions() = %+v", ps)
	}
	if ps[1].records[0].Title != "b" {
		t.Error("source order not preserved within a partition")
	}
}

func TestPartitions_RecordsOutsideRenderedDaysOpenNoPartition(t *testing.T) {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	view := WeekView{
		Days: []time.Time{day},
		Records: []model.RawRecord{
			{Date: day, Title: "in"},
			{Date: day.AddDate(0, 0, -1), Title: "banner"},
		},
	}
	ps, outside := partitions(view)
	if len(ps) != 1 || len(ps[0].records) != 1 || ps[0].records[0].Title != "in" {
		t.Fatalf("partitions() = %+v", ps)
	}
	if len(outside) != 1 || outside[0].Title != "banner" {
		t.Errorf("outside = %+v", outside)
	}
}

func TestRun_RecordOutsideRenderedWeekLeavesThatDayAlone(t *testing.T) {
	f := newFixture(t, "Room A")
	ctx := context.Background()
	f.feed.set("Room A", "2025-01-09", rec("Standup", "09:00", "09:15", "s1"))
	if _, err := f.runner.Run(ctx, at(t, "2025-01-09 09:00"), RunOptions{}); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	// The next week view starts on the 10th but also carries a banner
	// without a time range dated the 9th.
	f.feed.stray = map[string][]model.RawRecord{"Room A": {{
		Date:  time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC),
		Title: "Holiday banner",
	}}}
	sum, err := f.runner.Run(ctx, at(t, "2025-01-10 09:00"), RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	c := sum.Subjects["Room A"]
	if c.Deleted != 0 || c.Skipped != 1 {
		t.Errorf("counts = %+v, want 0 deleted 1 skipped", c)
	}

	events, err := f.store.EventsOn(ctx, "Room A", "2025-01-09")
	if err != nil {
		t.Fatalf("EventsOn() failed: %v", err)
	}
	if len(events) != 1 || events[0].Title != "Standup" {
		t.Errorf("events on 2025-01-09 = %+v, want Standup kept", events)
	}
}

// failingCatalog serves subjects from the store but cannot list events.
type failingCatalog struct {
	*store.Store
}

func (failingCatalog) EventsForSubjects(context.Context, []int64) ([]model.Event, error) {
	return nil, errors.New("connection reset")
}

func TestRun_EnrichmentLoadFailureStillSummarises(t *testing.T) {
	f := newFixture(t, "Room A")
	f.runner.cfg.Catalog = failingCatalog{f.store}
	f.feed.set("Room A", "2025-01-10", rec("One", "09:00", "10:00", "dup"), rec("Two", "11:00", "12:00", "dup"))
	f.feed.set("Room A", "2025-01-11", rec("Fine", "09:00", "10:00", "ok"))

	sum, err := f.runner.Run(context.Background(), at(t, "2025-01-10 00:05"), RunOptions{})
	if !errors.Is(err, ErrPartitionFailures) {
		t.Fatalf("Run() error = %v, want ErrPartitionFailures", err)
	}
	if sum.Mode != schedule.Full || sum.EnrichmentFailures != 1 {
		t.Errorf("mode=%s enrichment failures=%d, want full/1", sum.Mode, sum.EnrichmentFailures)
	}
	if sum.Subjects["Room A"].Added != 1 {
		t.Errorf("counts = %+v", sum.Subjects["Room A"])
	}
	if len(f.enricher.batches) != 0 {
		t.Errorf("enricher ran with %v", f.enricher.batches)
	}
}
