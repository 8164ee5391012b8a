// Package ics renders stored events as an iCalendar feed.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/store"
)

const productID = "-//calsync//calendar export//EN"

// Options controls the rendered calendar.
type Options struct {
	// Host is used in event UIDs: calsync-<id>@<host>.
	Host string
	// Name is the calendar display name (X-WR-CALNAME).
	Name string
	// Location is the zone the stored time-of-day text belongs to.
	Location *time.Location
	// Now stamps DTSTAMP; zero means time.Now.
	Now time.Time
}

// Export renders events as a VCALENDAR document.
//
// Start and end are combined from the stored day and HH:MM text in
// opts.Location. Events whose times do not parse become all-day events.
// An end earlier than the start is taken to be on the following day.
func Export(events []store.EventView, opts Options) string {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}
	cal.SetXWRTimezone(opts.Location.String())

	allDay := 0
	for _, v := range events {
		ev := cal.AddEvent(fmt.Sprintf("calsync-%d@%s", v.ID, opts.Host))
		ev.SetDtStampTime(opts.Now.UTC())
		if !v.UpdatedAt.IsZero() {
			ev.SetModifiedAt(v.UpdatedAt.UTC())
		}
		ev.SetSummary(v.Title)
		if v.Subject != "" {
			ev.SetLocation(v.Subject)
		}
		if v.Badge != "" {
			ev.SetProperty(ical.ComponentPropertyCategories, v.Badge)
		}
		if v.Permalink != "" {
			ev.SetProperty(ical.ComponentPropertyUrl, v.Permalink)
		}
		if len(v.Participants) > 0 {
			ev.SetDescription("Participants: " + strings.Join(v.Participants, ", "))
		}

		day := time.Date(v.Date.Year(), v.Date.Month(), v.Date.Day(), 0, 0, 0, 0, opts.Location)
		start, okStart := atClock(day, v.Start)
		end, okEnd := atClock(day, v.End)
		if !okStart || !okEnd {
			allDay++
			ev.SetAllDayStartAt(day)
			ev.SetAllDayEndAt(day.AddDate(0, 0, 1))
			continue
		}
		if end.Before(start) {
			end = end.AddDate(0, 0, 1)
		}
		ev.SetStartAt(start)
		ev.SetEndAt(end)
	}

	appLog.Debug("ics export rendered", "events", len(events), "all_day", allDay)
	return cal.Serialize()
}

// atClock places an "H:MM" or "HH:MM" time of day on day.
func atClock(day time.Time, clock string) (time.Time, bool) {
	clock = strings.TrimSpace(clock)
	if clock == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), true
}
