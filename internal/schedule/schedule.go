// Package schedule pulls and caches the conference schedule document and
// answers which events are ongoing right now.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
)

// ErrEventNotFound is returned when no event carries the requested code.
var ErrEventNotFound = errors.New("event not found")

// Person is one speaker of an event.
type Person struct {
	Name string `json:"name"`
}

// Event is one scheduled talk. Date is the ISO start time, Duration a
// "HH:MM" span.
type Event struct {
	Code        string   `json:"code"`
	Title       string   `json:"title"`
	Track       string   `json:"track"`
	Room        string   `json:"room"`
	URL         string   `json:"url"`
	Description string   `json:"description"`
	Date        string   `json:"date"`
	Duration    string   `json:"duration"`
	Persons     []Person `json:"persons"`
	DoNotRecord bool     `json:"do_not_record"`
}

// Start parses the event's start time.
func (e Event) Start() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, e.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("event %s: bad date %q: %w", e.Code, e.Date, err)
	}
	return t, nil
}

// Span parses the "HH:MM" duration.
func (e Event) Span() (time.Duration, error) {
	var h, m int
	if _, err := fmt.Sscanf(e.Duration, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("event %s: bad duration %q: %w", e.Code, e.Duration, err)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}

// Presenter returns the first listed speaker, or "Unknown".
func (e Event) Presenter() string {
	if len(e.Persons) == 0 {
		return "Unknown"
	}
	return e.Persons[0].Name
}

// Track is one event category with its display color.
type Track struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Conference is the schedule's header metadata.
type Conference struct {
	Title        string            `json:"title"`
	Start        string            `json:"start"`
	End          string            `json:"end"`
	DaysCount    int               `json:"daysCount"`
	URL          string            `json:"url"`
	TimeZoneName string            `json:"time_zone_name"`
	Colors       map[string]string `json:"colors"`
	Tracks       []Track           `json:"tracks"`
}

type conferenceDoc struct {
	Conference
	Days []dayDoc `json:"days"`
}

type dayDoc struct {
	Rooms map[string][]Event `json:"rooms"`
}

type scheduleDoc struct {
	URL        string        `json:"url"`
	Conference conferenceDoc `json:"conference"`
}

type scheduleEnvelope struct {
	Schedule scheduleDoc `json:"schedule"`
}

const cacheKey = "schedule"

// ongoingLead is how long before its start an event counts as ongoing.
const ongoingLead = 31 * time.Minute

// ongoingHorizon caps how far into a long event the window extends.
const ongoingHorizon = 12 * time.Hour

// Config configures a Provider.
type Config struct {
	URL string
	TTL time.Duration
	// Filter, when set, restricts events to this location name.
	Filter string
	// FakeNow pins the clock of the ongoing window. Testing only.
	FakeNow *time.Time
}

// Provider fetches the schedule JSON, caching it for the configured TTL.
// Safe for concurrent use.
type Provider struct {
	http   *resty.Client
	cache  *gocache.Cache
	url    string
	filter string
	fake   *time.Time

	mu  sync.Mutex
	doc *scheduleDoc
}

// NewProvider creates a Provider; no fetch happens until the first use.
func NewProvider(cfg Config) *Provider {
	return &Provider{
		http:   resty.New().SetTimeout(15 * time.Second),
		cache:  gocache.New(cfg.TTL, cfg.TTL),
		url:    cfg.URL,
		filter: cfg.Filter,
		fake:   cfg.FakeNow,
	}
}

func (p *Provider) now() time.Time {
	if p.fake != nil {
		return *p.fake
	}
	return time.Now()
}

// UpdateData refreshes the document unless the cache is still warm.
// It reports whether a fetch happened.
func (p *Provider) UpdateData(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, warm := p.cache.Get(cacheKey); warm && p.doc != nil {
		slog.Debug("using cached schedule data")
		return false, nil
	}

	slog.Info("fetching schedule", "url", p.url)
	var env scheduleEnvelope
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&env).
		Get(p.url)
	if err != nil {
		return false, fmt.Errorf("fetching schedule: %w", err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("fetching schedule: status %d", resp.StatusCode())
	}
	p.doc = &env.Schedule
	p.cache.SetDefault(cacheKey, struct{}{})
	return true, nil
}

// Conference returns the schedule header. UpdateData must have succeeded
// at least once.
func (p *Provider) Conference(ctx context.Context) (Conference, error) {
	if _, err := p.UpdateData(ctx); err != nil {
		return Conference{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Conference.Conference, nil
}

// AllEvents flattens every event of the schedule, filter applied.
func (p *Provider) AllEvents(ctx context.Context) ([]Event, error) {
	if _, err := p.UpdateData(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eventsLocked(), nil
}

func (p *Provider) eventsLocked() []Event {
	var out []Event
	for _, day := range p.doc.Conference.Days {
		for _, events := range day.Rooms {
			for _, ev := range events {
				if p.filter != "" && ev.Room != p.filter {
					continue
				}
				out = append(out, ev)
			}
		}
	}
	return out
}

// OngoingEvents returns today's events whose offset from now lies in
// (-31 min, +duration), capped to starts within 12 hours, sorted by start.
func (p *Provider) OngoingEvents(ctx context.Context) ([]Event, error) {
	if _, err := p.UpdateData(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var out []Event
	for _, ev := range p.eventsLocked() {
		start, err := ev.Start()
		if err != nil {
			slog.Warn("skipping event with bad date", "code", ev.Code, "error", err)
			continue
		}
		span, err := ev.Span()
		if err != nil {
			slog.Warn("skipping event with bad duration", "code", ev.Code, "error", err)
			continue
		}
		ys, ms, ds := start.Date()
		yn, mn, dn := now.Date()
		if ys != yn || ms != mn || ds != dn {
			continue
		}
		delta := now.Sub(start)
		if delta > ongoingHorizon {
			continue
		}
		if delta <= -ongoingLead || delta >= span {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		si, _ := out[i].Start()
		sj, _ := out[j].Start()
		return si.Before(sj)
	})
	return out, nil
}

// EventByID scans for the event with the given code.
func (p *Provider) EventByID(ctx context.Context, code string) (Event, error) {
	if _, err := p.UpdateData(ctx); err != nil {
		return Event{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.eventsLocked() {
		if ev.Code == code {
			return ev, nil
		}
	}
	return Event{}, fmt.Errorf("%w: %s", ErrEventNotFound, code)
}
