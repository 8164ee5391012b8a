package reconcile

import (
	"testing"

	"calsync/internal/model"
)

func TestEmbeddedID(t *testing.T) {
	cases := []struct {
		title  string
		want   int64
		wantOK bool
	}{
		{"[42] Meeting", 42, true},
		{"[7]Lunch", 7, true},
		{"Meeting [42]", 0, false},
		{"[abc] Meeting", 0, false},
		{"[0] Zero", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := EmbeddedID(tc.title)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("EmbeddedID(%q) = %d, %v; want %d, %v", tc.title, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestKeysFor_PriorityOrder(t *testing.T) {
	raw := model.RawRecord{Title: "[5] Sync", Start: "09:00", End: "10:00", ExternalID: model.StringPtr("E9")}
	keys := KeysFor(raw)
	if len(keys) != 3 {
		t.Fatalf("KeysFor() returned %d keys, want 3", len(keys))
	}
	want := []KeyKind{KeyEmbedded, KeyExternal, KeyContent}
	for i, k := range keys {
		if k.Kind != want[i] {
			t.Errorf("keys[%d].Kind = %s, want %s", i, k.Kind, want[i])
		}
	}
	if keys[2].Content != "09:00|10:00|[5] Sync" {
		t.Errorf("content key = %q", keys[2].Content)
	}
}

func TestResolver_EmbeddedBeatsExternal(t *testing.T) {
	stored := []model.Event{
		{ID: 10, Title: "Other", Start: "08:00", End: "09:00", ExternalID: model.StringPtr("E1")},
		{ID: 42, Title: "Meeting", Start: "09:00", End: "10:00", ExternalID: model.StringPtr("E2")},
	}
	r := NewResolver(stored)

	ev, kind, ok := r.Resolve(model.RawRecord{Title: "[42] Meeting", Start: "09:00", End: "10:00", ExternalID: model.StringPtr("E1")})
	if !ok || ev.ID != 42 || kind != KeyEmbedded {
		t.Fatalf("Resolve() = %d, %s, %v; want 42 via embedded-id", ev.ID, kind, ok)
	}

	rem := r.Remaining()
	if len(rem) != 1 || rem[0].ID != 10 {
		t.Errorf("Remaining() = %+v, want only id 10", rem)
	}
}

func TestResolver_FallsThroughToContentWhenExternalUnknown(t *testing.T) {
	stored := []model.Event{{ID: 3, Title: "Review", Start: "13:00", End: "14:00"}}
	r := NewResolver(stored)

	ev, kind, ok := r.Resolve(model.RawRecord{Title: "Review", Start: "13:00", End: "14:00", ExternalID: model.StringPtr("NEW")})
	if !ok || ev.ID != 3 || kind != KeyContent {
		t.Fatalf("Resolve() = %d, %s, %v; want 3 via content-key", ev.ID, kind, ok)
	}
}

func TestResolver_EmbeddedIDOutsidePartitionIgnored(t *testing.T) {
	stored := []model.Event{{ID: 8, Title: "[99] Visit", Start: "10:00", End: "11:00"}}
	r := NewResolver(stored)

	ev, kind, ok := r.Resolve(model.RawRecord{Title: "[99] Visit", Start: "10:00", End: "11:00"})
	if !ok || ev.ID != 8 || kind != KeyContent {
		t.Fatalf("Resolve() = %d, %s, %v; want 8 via content-key", ev.ID, kind, ok)
	}
}

func TestResolver_CandidateMatchesOnce(t *testing.T) {
	stored := []model.Event{
		{ID: 1, Title: "Standup", Start: "09:00", End: "09:15"},
		{ID: 2, Title: "Standup", Start: "09:00", End: "09:15"},
	}
	r := NewResolver(stored)
	raw := model.RawRecord{Title: "Standup", Start: "09:00", End: "09:15"}

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		ev, _, ok := r.Resolve(raw)
		if !ok {
			t.Fatalf("Resolve() #%d found no match", i+1)
		}
		if seen[ev.ID] {
			t.Fatalf("candidate %d matched twice", ev.ID)
		}
		seen[ev.ID] = true
	}
	if _, _, ok := r.Resolve(raw); ok {
		t.Error("third Resolve() matched although both candidates are consumed")
	}
	if len(r.Remaining()) != 0 {
		t.Errorf("Remaining() = %d, want 0", len(r.Remaining()))
	}
}

func TestDetect(t *testing.T) {
	stored := model.Event{Title: "Meeting", Start: "09:00", End: "10:00", Badge: "Internal", Permalink: "a", ExternalID: model.StringPtr("1")}

	same := model.RawRecord{Title: "Meeting", Start: "09:00", End: "10:00", Badge: "Internal", Permalink: "b", ExternalID: model.StringPtr("2")}
	if c := Detect(stored, same); c.Changed {
		t.Errorf("Detect() reported change for volatile fields only: %v", c.Descriptions)
	}

	moved := model.RawRecord{Title: "Meeting", Start: "09:30", End: "10:30", Badge: "Internal"}
	c := Detect(stored, moved)
	if !c.Changed || len(c.Descriptions) != 2 {
		t.Fatalf("Detect() = %+v, want two changes", c)
	}
	if c.Descriptions[0] != "start: 09:00 → 09:30" {
		t.Errorf("Descriptions[0] = %q", c.Descriptions[0])
	}
}
