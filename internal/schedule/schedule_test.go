package schedule

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scheduleJSON(events map[string][]Event) []byte {
	doc := map[string]any{
		"schedule": map[string]any{
			"url": "https://conf.example/schedule.json",
			"conference": map[string]any{
				"title":          "ExampleConf",
				"start":          "2026-08-24",
				"end":            "2026-08-26",
				"daysCount":      3,
				"time_zone_name": "Europe/Berlin",
				"colors":         map[string]string{"primary": "#00ff00"},
				"tracks":         []map[string]string{{"name": "Security", "color": "#ff0000"}},
				"days":           []map[string]any{{"rooms": events}},
			},
		},
	}
	raw, _ := json.Marshal(doc)
	return raw
}

func testEvents() map[string][]Event {
	return map[string][]Event{
		"Main Hall": {
			{
				Code: "AAA111", Title: "Opening", Track: "Security", Room: "Main Hall",
				Date: "2026-08-24T10:00:00+02:00", Duration: "01:00",
				Persons: []Person{{Name: "Alex Doe"}},
			},
			{
				Code: "BBB222", Title: "Later Talk", Track: "Security", Room: "Main Hall",
				Date: "2026-08-24T09:00:00+02:00", Duration: "00:45",
			},
		},
		"Workshop": {
			{
				Code: "CCC333", Title: "Tomorrow", Track: "Security", Room: "Workshop",
				Date: "2026-08-25T10:00:00+02:00", Duration: "01:00",
				DoNotRecord: true,
			},
		},
	}
}

func newTestProvider(t *testing.T, hits *atomic.Int32, cfg Config) *Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write(scheduleJSON(testEvents()))
	}))
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	return NewProvider(cfg)
}

func TestCacheHitDoesNoHTTP(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, &hits, Config{})

	fetched, err := p.UpdateData(context.Background())
	require.NoError(t, err)
	assert.True(t, fetched)

	fetched, err = p.UpdateData(context.Background())
	require.NoError(t, err)
	assert.False(t, fetched)
	assert.Equal(t, int32(1), hits.Load())
}

func TestOngoingWindowWithFakeNow(t *testing.T) {
	var hits atomic.Int32
	fake := mustParse(t, "2026-08-24T10:15:00+02:00")
	p := newTestProvider(t, &hits, Config{FakeNow: &fake})

	events, err := p.OngoingEvents(context.Background())
	require.NoError(t, err)
	// AAA111 started 15 min ago and runs an hour: ongoing.
	// BBB222 started 75 min ago with 45 min duration: over.
	// CCC333 is tomorrow.
	require.Len(t, events, 1)
	assert.Equal(t, "AAA111", events[0].Code)
}

func TestOngoingIncludesUpcomingWithinLead(t *testing.T) {
	var hits atomic.Int32
	fake := mustParse(t, "2026-08-24T09:40:00+02:00")
	p := newTestProvider(t, &hits, Config{FakeNow: &fake})

	events, err := p.OngoingEvents(context.Background())
	require.NoError(t, err)
	// AAA111 starts in 20 min (inside the 31 min lead); BBB222 started
	// 40 min into its 45 min duration and is still running.
	require.Len(t, events, 2)
	assert.Equal(t, "BBB222", events[0].Code, "sorted by start time")
	assert.Equal(t, "AAA111", events[1].Code)
}

func TestLocationFilter(t *testing.T) {
	var hits atomic.Int32
	fake := mustParse(t, "2026-08-25T10:15:00+02:00")
	p := newTestProvider(t, &hits, Config{FakeNow: &fake, Filter: "Main Hall"})

	events, err := p.OngoingEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, events, "the Workshop event is filtered out")
}

func TestEventByID(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, &hits, Config{})

	ev, err := p.EventByID(context.Background(), "CCC333")
	require.NoError(t, err)
	assert.Equal(t, "Tomorrow", ev.Title)
	assert.True(t, ev.DoNotRecord)

	_, err = p.EventByID(context.Background(), "ZZZ999")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestPresenterFallback(t *testing.T) {
	assert.Equal(t, "Alex Doe", Event{Persons: []Person{{Name: "Alex Doe"}}}.Presenter())
	assert.Equal(t, "Unknown", Event{}.Presenter())
}

func TestConferenceHeader(t *testing.T) {
	var hits atomic.Int32
	p := newTestProvider(t, &hits, Config{})

	conf, err := p.Conference(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ExampleConf", conf.Title)
	assert.Equal(t, 3, conf.DaysCount)
	require.Len(t, conf.Tracks, 1)
	assert.Equal(t, "Security", conf.Tracks[0].Name)
}

func TestFetchErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewProvider(Config{URL: srv.URL, TTL: time.Minute})
	_, err := p.UpdateData(context.Background())
	assert.ErrorContains(t, err, "status 502")
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
