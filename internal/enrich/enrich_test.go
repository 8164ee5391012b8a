package enrich

import (
	"context"
	"errors"
	"testing"

	"calsync/internal/model"
)

type fakeFetcher struct {
	lists map[string][]string
	err   map[string]error
	calls int
}

func (f *fakeFetcher) Attendees(_ context.Context, permalink string) ([]string, error) {
	f.calls++
	if err := f.err[permalink]; err != nil {
		return nil, err
	}
	return f.lists[permalink], nil
}

type fakeDirectory map[string]int64

func (d fakeDirectory) LookupPerson(_ context.Context, name string) (int64, bool, error) {
	id, ok := d[name]
	return id, ok, nil
}

type fakeLinks struct {
	links map[int64][]int64
}

func (l *fakeLinks) ReplaceParticipants(_ context.Context, eventID int64, ids []int64) error {
	if l.links == nil {
		l.links = make(map[int64][]int64)
	}
	l.links[eventID] = append([]int64(nil), ids...)
	return nil
}

var people = fakeDirectory{"Sato Ken": 1, "Ito Mai": 2, "Mori Jun": 3}

func TestEnrich_ResolvesAndReportsUnknown(t *testing.T) {
	f := &fakeFetcher{lists: map[string][]string{"p1": {"Sato Ken", "Guest Speaker", " Ito Mai ", "Sato Ken"}}}
	links := &fakeLinks{}
	pass := NewPass(f, people, links)

	res, err := pass.Enrich(context.Background(), model.Event{ID: 10, Permalink: "p1"})
	if err != nil {
		t.Fatalf("Enrich() failed: %v", err)
	}
	if len(res.Linked) != 2 || res.Linked[0] != 1 || res.Linked[1] != 2 {
		t.Errorf("Linked = %v, want [1 2]", res.Linked)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != "Guest Speaker" {
		t.Errorf("Unresolved = %v", res.Unresolved)
	}
	if len(links.links[10]) != 2 {
		t.Errorf("stored links = %v", links.links[10])
	}
}

func TestEnrich_ShrunkListReplacesLinks(t *testing.T) {
	f := &fakeFetcher{lists: map[string][]string{"p1": {"Sato Ken", "Ito Mai", "Mori Jun"}}}
	links := &fakeLinks{}
	pass := NewPass(f, people, links)
	ev := model.Event{ID: 10, Permalink: "p1"}

	if _, err := pass.Enrich(context.Background(), ev); err != nil {
		t.Fatalf("first Enrich() failed: %v", err)
	}
	if len(links.links[10]) != 3 {
		t.Fatalf("links after first pass = %v, want 3", links.links[10])
	}

	f.lists["p1"] = []string{"Ito Mai"}
	if _, err := pass.Enrich(context.Background(), ev); err != nil {
		t.Fatalf("second Enrich() failed: %v", err)
	}
	if got := links.links[10]; len(got) != 1 || got[0] != 2 {
		t.Errorf("links after shrink = %v, want [2]", got)
	}
}

func TestRun_ContinuesAfterFailureAndSkipsMissingPermalink(t *testing.T) {
	f := &fakeFetcher{
		lists: map[string][]string{"ok": {"Mori Jun", "Nobody"}},
		err:   map[string]error{"broken": errors.New("page did not load")},
	}
	links := &fakeLinks{}
	pass := NewPass(f, people, links)

	s := pass.Run(context.Background(), []model.Event{
		{ID: 1, Permalink: "broken"},
		{ID: 2, Permalink: ""},
		{ID: 3, Permalink: "ok"},
	})
	if s.Events != 2 || s.Failed != 1 || s.Skipped != 1 || s.Linked != 1 || s.Unresolved != 1 {
		t.Errorf("Summary = %+v", s)
	}
	if f.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls)
	}
	if _, ok := links.links[1]; ok {
		t.Error("failed event had its links rewritten")
	}
}
