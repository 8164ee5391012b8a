package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"calsync/internal/config"
	"calsync/internal/ics"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/store"
)

// Queries is the read-only store surface the API serves from.
type Queries interface {
	Facilities(ctx context.Context) ([]string, error)
	Dates(ctx context.Context) ([]string, error)
	Search(ctx context.Context, f store.SearchFilter) ([]store.EventView, error)
	Stats(ctx context.Context) (store.Stats, error)
	EventsOn(ctx context.Context, facility, date string) ([]store.EventView, error)
}

// Server exposes stored schedules over HTTP. It never mutates events.
type Server struct {
	cfg     *config.Config
	q       Queries
	metrics *metrics.Metrics
	router  chi.Router
}

// NewServer constructs a new Server. m may be nil.
func NewServer(cfg *config.Config, q Queries, m *metrics.Metrics) *Server {
	s := &Server{cfg: cfg, q: q, metrics: m, router: chi.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.router)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials disable auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(accessLog)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/facilities", s.handleFacilities)
		r.Get("/dates", s.handleDates)
		r.Get("/search", s.handleSearch)
		r.Get("/stats", s.handleStats)
		r.Get("/events/{facility}/{date}", s.handleEventsOn)
	})
	r.Get("/calendar.ics", s.handleCalendar)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
}

// accessLog writes one debug line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start).Round(time.Microsecond),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleFacilities(w http.ResponseWriter, r *http.Request) {
	names, err := s.q.Facilities(r.Context())
	if err != nil {
		appLog.Error("api facilities failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load facilities")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"facilities": nonNil(names)})
}

func (s *Server) handleDates(w http.ResponseWriter, r *http.Request) {
	dates, err := s.q.Dates(r.Context())
	if err != nil {
		appLog.Error("api dates failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load dates")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"dates": nonNil(dates)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.q.Stats(r.Context())
	if err != nil {
		appLog.Error("api stats failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleSearch filters stored events.
//
// GET /api/search?facility=&date=YYYY-MM-DD&keyword=&participant=&limit=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	events, err := s.q.Search(r.Context(), f)
	if err != nil {
		appLog.Error("api search failed", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Count: len(events), Events: toDTOs(events)})
}

func (s *Server) handleEventsOn(w http.ResponseWriter, r *http.Request) {
	facility := chi.URLParam(r, "facility")
	date := chi.URLParam(r, "date")
	if !validDate(date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}
	events, err := s.q.EventsOn(r.Context(), facility, date)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown facility")
		return
	}
	if err != nil {
		appLog.Error("api events failed", err, "facility", facility, "date", date)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Facility: facility, Date: date, Count: len(events), Events: toDTOs(events)})
}

// handleCalendar renders the search result as an iCalendar feed. It takes
// the same query parameters as /api/search.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	f, ok := parseFilter(w, r)
	if !ok {
		return
	}
	events, err := s.q.Search(r.Context(), f)
	if err != nil {
		appLog.Error("calendar export failed", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	host := r.Host
	if i := strings.IndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	body := ics.Export(events, ics.Options{
		Host:     host,
		Name:     s.cfg.CalendarName,
		Location: s.cfg.Location(),
	})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `inline; filename="calsync.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func parseFilter(w http.ResponseWriter, r *http.Request) (store.SearchFilter, bool) {
	q := r.URL.Query()
	f := store.SearchFilter{
		Facility:    strings.TrimSpace(q.Get("facility")),
		Date:        strings.TrimSpace(q.Get("date")),
		Keyword:     q.Get("keyword"),
		Participant: q.Get("participant"),
		Limit:       parseIntDefault(q.Get("limit"), 500),
	}
	if f.Date != "" && !validDate(f.Date) {
		writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return f, false
	}
	if f.Limit <= 0 || f.Limit > 5000 {
		f.Limit = 500
	}
	return f, true
}

func validDate(s string) bool {
	_, err := time.Parse(model.DateLayout, s)
	return err == nil
}

// eventsResponse is the JSON shape of event listings.
type eventsResponse struct {
	Facility string     `json:"facility,omitempty"`
	Date     string     `json:"date,omitempty"`
	Count    int        `json:"count"`
	Events   []eventDTO `json:"events"`
}

// eventDTO is a JSON-friendly view of a stored event.
type eventDTO struct {
	ID           int64     `json:"id"`
	Subject      string    `json:"subject"`
	SubjectKind  string    `json:"subject_kind"`
	Date         string    `json:"date"`
	Title        string    `json:"title"`
	Start        string    `json:"start"`
	End          string    `json:"end"`
	Badge        string    `json:"badge,omitempty"`
	Permalink    string    `json:"permalink,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Participants []string  `json:"participants"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDTOs(events []store.EventView) []eventDTO {
	out := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, eventDTO{
			ID:           ev.ID,
			Subject:      ev.Subject,
			SubjectKind:  string(ev.SubjectKind),
			Date:         ev.DateKey(),
			Title:        ev.Title,
			Start:        ev.Start,
			End:          ev.End,
			Badge:        ev.Badge,
			Permalink:    ev.Permalink,
			ExternalID:   model.StringValue(ev.ExternalID),
			Participants: nonNil(ev.Participants),
			UpdatedAt:    ev.UpdatedAt,
		})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
