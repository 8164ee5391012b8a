package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"calsync/internal/config"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/store"
)

type fakeQueries struct {
	events     []store.EventView
	lastFilter store.SearchFilter
}

func (f *fakeQueries) Facilities(context.Context) ([]string, error) {
	return []string{"Room A", "Room B"}, nil
}

func (f *fakeQueries) Dates(context.Context) ([]string, error) { return nil, nil }

func (f *fakeQueries) Search(_ context.Context, filter store.SearchFilter) ([]store.EventView, error) {
	f.lastFilter = filter
	return f.events, nil
}

func (f *fakeQueries) Stats(context.Context) (store.Stats, error) {
	return store.Stats{Facilities: 2, Events: len(f.events)}, nil
}

func (f *fakeQueries) EventsOn(_ context.Context, facility, _ string) ([]store.EventView, error) {
	if facility != "Room A" {
		return nil, store.ErrNotFound
	}
	return f.events, nil
}

func newTestServer(auth *config.BasicAuthConfig) (*fakeQueries, http.Handler) {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.BasicAuth = auth
	q := &fakeQueries{events: []store.EventView{{
		Event: model.Event{
			ID: 5, Date: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
			Title: "Design review", Start: "10:00", End: "11:00", Badge: "Internal",
			ExternalID: model.StringPtr("139027"),
		},
		Subject:      "Room A",
		SubjectKind:  model.KindFacility,
		Participants: []string{"Sato Ken"},
	}}}
	return q, NewServer(cfg, q, metrics.New()).Handler()
}

func get(t *testing.T, h http.Handler, path string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, m := range mod {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	_, h := newTestServer(nil)
	rec := get(t, h, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestFacilitiesAndDates(t *testing.T) {
	_, h := newTestServer(nil)

	var fac map[string][]string
	rec := get(t, h, "/api/facilities")
	if err := json.Unmarshal(rec.Body.Bytes(), &fac); err != nil || len(fac["facilities"]) != 2 {
		t.Errorf("/api/facilities = %s (%v)", rec.Body.String(), err)
	}

	rec = get(t, h, "/api/dates")
	if !strings.Contains(rec.Body.String(), `"dates":[]`) {
		t.Errorf("/api/dates = %s, want an empty list", rec.Body.String())
	}
}

func TestSearch_PassesFilterAndRendersEvents(t *testing.T) {
	q, h := newTestServer(nil)
	rec := get(t, h, "/api/search?facility=Room+A&date=2025-01-10&keyword=review&participant=sato&limit=20")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/search status = %d: %s", rec.Code, rec.Body.String())
	}
	want := store.SearchFilter{Facility: "Room A", Date: "2025-01-10", Keyword: "review", Participant: "sato", Limit: 20}
	if q.lastFilter != want {
		t.Errorf("filter = %+v, want %+v", q.lastFilter, want)
	}

	var resp eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Events[0].ExternalID != "139027" || resp.Events[0].Date != "2025-01-10" {
		t.Errorf("response = %+v", resp)
	}

	if rec := get(t, h, "/api/search?date=10-01-2025"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}
}

func TestEventsOn(t *testing.T) {
	_, h := newTestServer(nil)
	if rec := get(t, h, "/api/events/Room%20A/2025-01-10"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Design review") {
		t.Errorf("events = %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/api/events/Room%20Z/2025-01-10"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown facility status = %d", rec.Code)
	}
	if rec := get(t, h, "/api/events/Room%20A/tomorrow"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad date status = %d", rec.Code)
	}
}

func TestCalendarExport(t *testing.T) {
	_, h := newTestServer(nil)
	rec := get(t, h, "/calendar.ics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := rec.Body.String(); !strings.Contains(body, "BEGIN:VEVENT") || !strings.Contains(body, "calsync-5@example.com") {
		t.Errorf("calendar body:\n%s", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(nil)
	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "calsync_") {
		t.Errorf("/metrics = %d", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	_, h := newTestServer(&config.BasicAuthConfig{Username: "admin", Password: "secret"})

	if rec := get(t, h, "/health"); rec.Code != http.StatusOK {
		t.Errorf("/health with auth enabled = %d", rec.Code)
	}
	if rec := get(t, h, "/api/stats"); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /api/stats = %d", rec.Code)
	}
	rec := get(t, h, "/api/stats", func(r *http.Request) { r.SetBasicAuth("admin", "secret") })
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"facilities":2`) {
		t.Errorf("authenticated /api/stats = %d %s", rec.Code, rec.Body.String())
	}
}
