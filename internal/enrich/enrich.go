// Package enrich rewrites the participant links of events from the
// attendee lists rendered by the source.
package enrich

import (
	"context"
	"fmt"
	"strings"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// AttendeeFetcher returns the attendee display names shown on an event page.
type AttendeeFetcher interface {
	Attendees(ctx context.Context, permalink string) ([]string, error)
}

// Directory resolves a display name to a known person.
type Directory interface {
	LookupPerson(ctx context.Context, name string) (id int64, ok bool, err error)
}

// LinkWriter replaces the full participant set of an event.
type LinkWriter interface {
	ReplaceParticipants(ctx context.Context, eventID int64, personIDs []int64) error
}

// Result describes one enriched event.
type Result struct {
	EventID    int64
	Names      []string
	Linked     []int64
	Unresolved []string
}

// Summary aggregates a pass over many events.
type Summary struct {
	Events     int
	Linked     int
	Unresolved int
	Skipped    int
	Failed     int
}

// Pass performs participant enrichment.
type Pass struct {
	fetcher AttendeeFetcher
	dir     Directory
	links   LinkWriter
}

// NewPass wires the three collaborators.
func NewPass(fetcher AttendeeFetcher, dir Directory, links LinkWriter) *Pass {
	return &Pass{fetcher: fetcher, dir: dir, links: links}
}

// Enrich fetches the attendee list of ev and replaces its participant links
// with the names that resolve to known people. Unresolved names are
// returned in Result.Unresolved and are not an error.
func (p *Pass) Enrich(ctx context.Context, ev model.Event) (Result, error) {
	res := Result{EventID: ev.ID}

	names, err := p.fetcher.Attendees(ctx, ev.Permalink)
	if err != nil {
		return res, fmt.Errorf("fetch attendees: %w", err)
	}
	res.Names = names

	seen := make(map[int64]bool, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		id, ok, err := p.dir.LookupPerson(ctx, name)
		if err != nil {
			return res, fmt.Errorf("lookup %q: %w", name, err)
		}
		if !ok {
			res.Unresolved = append(res.Unresolved, name)
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		res.Linked = append(res.Linked, id)
	}

	if err := p.links.ReplaceParticipants(ctx, ev.ID, res.Linked); err != nil {
		return res, fmt.Errorf("replace participants: %w", err)
	}
	return res, nil
}

// Run enriches events in order. A failing event is logged and counted; it
// does not stop the pass.
func (p *Pass) Run(ctx context.Context, events []model.Event) Summary {
	var s Summary
	for _, ev := range events {
		if ev.Permalink == "" {
			s.Skipped++
			continue
		}
		s.Events++

		res, err := p.Enrich(ctx, ev)
		if err != nil {
			s.Failed++
			appLog.Error("participant enrichment failed", err, "event_id", ev.ID, "title", ev.Title)
			continue
		}

		s.Linked += len(res.Linked)
		s.Unresolved += len(res.Unresolved)
		if len(res.Unresolved) > 0 {
			appLog.Warn("attendees not found in directory", "event_id", ev.ID, "title", ev.Title, "names", strings.Join(res.Unresolved, ", "))
		}
		appLog.Info("participants linked", "event_id", ev.ID, "title", ev.Title, "linked", len(res.Linked), "listed", len(res.Names))
	}
	return s
}
