package source

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

var permalinkDate = regexp.MustCompile(`Date=da\.(\d+)\.(\d+)\.(\d+)`)

type weekPage struct {
	Found   bool    `json:"found"`
	Entries []entry `json:"entries"`
}

// entry is one event cell as extracted from the group-week table.
type entry struct {
	DateTime string `json:"dateTime"`
	Href     string `json:"href"`
	Title    string `json:"title"`
}

// DateFromPermalink extracts the event day from a permalink carrying
// "Date=da.Y.M.D".
func DateFromPermalink(href string, loc *time.Location) (time.Time, bool) {
	m := permalinkDate.FindStringSubmatch(href)
	if m == nil {
		return time.Time{}, false
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.Local
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
	// Reject dates that time.Date normalised (e.g. Feb 30).
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

// ExternalIDFromPermalink returns the sEID query parameter, or "".
func ExternalIDFromPermalink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(u.Query().Get("sEID"))
}

// SplitTimeRange splits "09:00-10:30" into its two ends. Either end is empty
// when the text holds no range.
func SplitTimeRange(s string) (start, end string) {
	parts := strings.Split(s, "-")
	if len(parts) < 2 {
		return "", ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// SplitTitle splits "badge: title" on the first colon. Without a colon the
// whole text is the title.
func SplitTitle(s string) (badge, title string) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) < 2 {
		return "", strings.TrimSpace(s)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// WeekURL builds the group-week page URL for a subject name and target day.
func WeekURL(base, uid, name string, target time.Time) string {
	q := fmt.Sprintf("da.%d.%d.%d", target.Year(), int(target.Month()), target.Day())
	return strings.TrimRight(base, "/") +
		"/o/ag.cgi?page=ScheduleIndex&CP=&uid=" + url.QueryEscape(uid) +
		"&gid=virtual&date=" + q +
		"&Text=" + strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
}

// toRecords converts extracted entries into raw records. Entries whose
// permalink carries no day are dropped; entries without a time range are
// kept with empty ends so reconciliation reports them as skipped.
func toRecords(subject model.Subject, entries []entry, loc *time.Location) []model.RawRecord {
	out := make([]model.RawRecord, 0, len(entries))
	for _, e := range entries {
		day, ok := DateFromPermalink(e.Href, loc)
		if !ok {
			appLog.Warn("entry without a day in its permalink", "subject", subject.Name, "href", e.Href, "title", e.Title)
			continue
		}
		start, end := SplitTimeRange(e.DateTime)
		badge, title := SplitTitle(e.Title)
		out = append(out, model.RawRecord{
			SubjectID:  subject.ID,
			Date:       day,
			Title:      title,
			Start:      start,
			End:        end,
			Badge:      badge,
			Permalink:  e.Href,
			ExternalID: model.StringPtr(ExternalIDFromPermalink(e.Href)),
		})
	}
	return out
}

// weekDays returns target and the six days after it.
func weekDays(target time.Time) []time.Time {
	day := model.Day(target)
	days := make([]time.Time, 7)
	for i := range days {
		days[i] = day.AddDate(0, 0, i)
	}
	return days
}
