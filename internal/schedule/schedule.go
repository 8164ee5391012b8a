package schedule

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const (
	DefaultFullWeeks        = 5
	DefaultIncrementalWeeks = 1
	DefaultMinFullInterval  = time.Hour
)

// DefaultFullSyncHours are the two half-day boundaries.
var DefaultFullSyncHours = []int{0, 12}

// Mode is the scan depth of one run.
type Mode int

const (
	Incremental Mode = iota
	Full
)

func (m Mode) String() string {
	if m == Full {
		return "full"
	}
	return "incremental"
}

// Policy gates Full runs to designated hours and a minimum interval.
type Policy struct {
	// FullSyncHours are local hours-of-day in which a Full run may start.
	FullSyncHours    []int
	MinFullInterval  time.Duration
	FullWeeks        int
	IncrementalWeeks int
	// Location is the zone the hour gate is evaluated in. Defaults to time.Local.
	Location *time.Location
}

// DefaultPolicy returns the twice-daily, five-week policy.
func DefaultPolicy() Policy {
	return Policy{
		FullSyncHours:    slices.Clone(DefaultFullSyncHours),
		MinFullInterval:  DefaultMinFullInterval,
		FullWeeks:        DefaultFullWeeks,
		IncrementalWeeks: DefaultIncrementalWeeks,
		Location:         time.Local,
	}
}

func (p Policy) normalized() Policy {
	if p.FullWeeks <= 0 {
		p.FullWeeks = DefaultFullWeeks
	}
	if p.IncrementalWeeks <= 0 {
		p.IncrementalWeeks = DefaultIncrementalWeeks
	}
	if p.MinFullInterval <= 0 {
		p.MinFullInterval = DefaultMinFullInterval
	}
	if p.Location == nil {
		p.Location = time.Local
	}
	return p
}

// Decision is the scope chosen for one run.
type Decision struct {
	Mode  Mode
	Weeks int
	RunAt time.Time
	// Targets holds one date per scanned week, starting at RunAt's day.
	Targets []time.Time
}

// EnrichAll reports whether participants are re-fetched for every event of
// the scanned subjects rather than only touched ones.
func (d Decision) EnrichAll() bool {
	return d.Mode == Full
}

// Decide picks Incremental or Full for a run at now given persisted state.
func (p Policy) Decide(now time.Time, st State) Decision {
	p = p.normalized()
	local := now.In(p.Location)

	mode := Incremental
	if p.fullAllowed(local, st) {
		mode = Full
	}
	weeks := p.IncrementalWeeks
	if mode == Full {
		weeks = p.FullWeeks
	}

	return Decision{
		Mode:    mode,
		Weeks:   weeks,
		RunAt:   local,
		Targets: WeekTargets(local, weeks),
	}
}

func (p Policy) fullAllowed(local time.Time, st State) bool {
	if !slices.Contains(p.FullSyncHours, local.Hour()) {
		return false
	}
	if st.LastFullSync == nil {
		return true
	}
	return local.Sub(*st.LastFullSync) >= p.MinFullInterval
}

// WeekTargets returns weeks dates seven days apart, the first being the day
// of from. The source renders one week per page, so each date addresses one
// page fetch.
func WeekTargets(from time.Time, weeks int) []time.Time {
	if weeks <= 0 {
		return nil
	}
	start := model.Day(from)
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:    rrule.WEEKLY,
		Count:   weeks,
		Dtstart: start,
	})
	if err != nil {
		// Only reachable with an invalid option set; fall back to plain arithmetic.
		appLog.Error("week rrule construction failed", err)
		out := make([]time.Time, 0, weeks)
		for i := 0; i < weeks; i++ {
			out = append(out, start.AddDate(0, 0, 7*i))
		}
		return out
	}
	return r.All()
}

// Scheduler combines a Policy with persisted State.
type Scheduler struct {
	policy Policy
	state  StateStore
}

// New returns a Scheduler persisting its decision history through state.
func New(policy Policy, state StateStore) *Scheduler {
	return &Scheduler{policy: policy.normalized(), state: state}
}

// Policy returns the normalized policy in effect.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Plan decides the scope of a run at now. When the run is Full, now is
// persisted as the last full sync before Plan returns, so a crash during
// reconciliation does not re-trigger Full scope on the next run. force
// bypasses the hour gate.
func (s *Scheduler) Plan(ctx context.Context, now time.Time, force bool) (Decision, error) {
	st, err := s.state.Load(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("load scheduler state: %w", err)
	}

	d := s.policy.Decide(now, st)
	if force && d.Mode != Full {
		d = Decision{
			Mode:    Full,
			Weeks:   s.policy.FullWeeks,
			RunAt:   d.RunAt,
			Targets: WeekTargets(d.RunAt, s.policy.FullWeeks),
		}
	}

	if d.Mode == Full {
		runAt := d.RunAt
		if err := s.state.Save(ctx, State{LastFullSync: &runAt}); err != nil {
			return Decision{}, fmt.Errorf("save scheduler state: %w", err)
		}
	}

	last := "never"
	if st.LastFullSync != nil {
		last = st.LastFullSync.Format(time.RFC3339)
	}
	appLog.Info("sync scope decided",
		"mode", d.Mode,
		"weeks", d.Weeks,
		"run_at", d.RunAt.Format(time.RFC3339),
		"last_full_sync", last,
		"forced", force,
	)
	return d, nil
}
