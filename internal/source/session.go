// Package source drives the groupware web UI through a headless Chromium
// instance and turns its group-week pages into raw event records.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/syncer"
)

// ErrPageStructure is returned when a page lacks the elements the scraper
// relies on, usually because the session expired or the UI changed.
var ErrPageStructure = errors.New("unexpected page structure")

// Default session parameters.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultPageDelay = time.Second
	DefaultWidth     = 1280
	DefaultHeight    = 1024
)

// Login form selectors. The ids contain colons, so attribute selectors are
// used instead of #id.
const (
	selUsername    = `[id="username-:0-text"]`
	selPassword    = `[id="password-:1-text"]`
	selLoginButton = `.login-button`
	selServiceLink = `.c-index-Services-ServiceItem a`
)

// weekScript collects every event cell of the group-week table.
const weekScript = `(() => {
	const table = document.querySelector('#tblgroupweek');
	if (!table) return {found: false, entries: []};
	const entries = Array.from(table.querySelectorAll('.eventcell .eventInner')).map(inner => {
		const dt = inner.querySelector('.eventDateTime');
		const ev = inner.querySelector('.event');
		return {
			dateTime: dt ? dt.textContent.trim() : '',
			href: ev ? ev.href : '',
			title: ev ? (ev.getAttribute('title') || '') : '',
		};
	}).filter(e => e.href !== '');
	return {found: true, entries: entries};
})()`

const attendeesScript = `Array.from(document.querySelectorAll('.participant')).map(e => e.textContent.trim())`

// Options configures a Session.
type Options struct {
	// BaseURL is the groupware origin, e.g. "https://example.cybozu.com".
	BaseURL  string
	Username string
	Password string
	// UID is the viewer id the group-week page is rendered for.
	UID string

	Headless bool
	// ExecPath overrides the Chromium binary; empty uses chromedp's lookup.
	ExecPath string

	// Timeout bounds each page operation. Zero means DefaultTimeout.
	Timeout time.Duration
	// PageDelay is the settle time after navigation. Zero means DefaultPageDelay.
	PageDelay time.Duration

	// Location is the zone event days are interpreted in.
	Location *time.Location
}

// Session owns one browser for the duration of a run. It is not safe for
// concurrent use; pages are visited one at a time.
type Session struct {
	opts Options

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewSession launches Chromium. Call Close when done.
func NewSession(parent context.Context, opts Options) (*Session, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("source: BaseURL is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PageDelay <= 0 {
		opts.PageDelay = DefaultPageDelay
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(DefaultWidth, DefaultHeight),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Start the browser now so launch errors surface here.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("source: start browser: %w", err)
	}

	return &Session{
		opts:          opts,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Close shuts the browser down.
func (s *Session) Close() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
}

// run executes tasks on the browser tab, bounded by the session timeout and
// cancelled together with ctx.
func (s *Session) run(ctx context.Context, tasks chromedp.Tasks) error {
	tabCtx, cancel := context.WithTimeout(s.browserCtx, s.opts.Timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tabCtx, tasks)
}

// Login signs in and opens the scheduler service.
func (s *Session) Login(ctx context.Context) error {
	if s.opts.Username == "" {
		return fmt.Errorf("source: username is required for login")
	}
	err := s.run(ctx, chromedp.Tasks{
		chromedp.Navigate(strings.TrimRight(s.opts.BaseURL, "/") + "/"),
		chromedp.WaitVisible(selUsername, chromedp.ByQuery),
		chromedp.SendKeys(selUsername, s.opts.Username, chromedp.ByQuery),
		chromedp.SendKeys(selPassword, s.opts.Password, chromedp.ByQuery),
		chromedp.Click(selLoginButton, chromedp.ByQuery),
		chromedp.WaitVisible(selServiceLink, chromedp.ByQuery),
		chromedp.Click(selServiceLink, chromedp.ByQuery),
		chromedp.Sleep(s.opts.PageDelay),
	})
	if err != nil {
		return fmt.Errorf("source: login: %w", err)
	}
	appLog.Info("logged in to source", "base", s.opts.BaseURL, "user", s.opts.Username)
	return nil
}

// Week renders the group-week page of subject starting at target and
// returns its records together with the seven rendered days.
func (s *Session) Week(ctx context.Context, subject model.Subject, target time.Time) (syncer.WeekView, error) {
	target = model.Day(target.In(s.opts.Location))
	pageURL := WeekURL(s.opts.BaseURL, s.opts.UID, subject.Name, target)
	appLog.Debug("fetching week", "subject", subject.Name, "target", target.Format(model.DateLayout), "url", pageURL)

	var page weekPage
	err := s.run(ctx, chromedp.Tasks{
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.opts.PageDelay),
		chromedp.Evaluate(weekScript, &page),
	})
	if err != nil {
		return syncer.WeekView{}, fmt.Errorf("source: week %s %s: %w", subject.Name, target.Format(model.DateLayout), err)
	}
	if !page.Found {
		return syncer.WeekView{}, fmt.Errorf("source: week %s %s: group-week table: %w", subject.Name, target.Format(model.DateLayout), ErrPageStructure)
	}

	return syncer.WeekView{
		Days:    weekDays(target),
		Records: toRecords(subject, page.Entries, s.opts.Location),
	}, nil
}

// Attendees returns the participant names listed on an event page.
func (s *Session) Attendees(ctx context.Context, permalink string) ([]string, error) {
	if permalink == "" {
		return nil, fmt.Errorf("source: empty permalink")
	}
	var names []string
	err := s.run(ctx, chromedp.Tasks{
		chromedp.Navigate(permalink),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.opts.PageDelay),
		chromedp.Evaluate(attendeesScript, &names),
	})
	if err != nil {
		return nil, fmt.Errorf("source: attendees: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out, nil
}
