// Package votes keeps a per-day persisted vote counter per event code.
package votes

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoVotes is returned when removing a vote from an event at zero.
var ErrNoVotes = errors.New("no votes to remove")

const dayLayout = "2006-01-02"

// Tally is the day's vote counts, persisted to <dir>/<YYYY-MM-DD>.votes.
// The file rolls over at midnight. Safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	dir    string
	day    string
	counts map[string]int

	now func() time.Time
}

// NewTally opens (or creates) the tally for the current day.
func NewTally(dir string) (*Tally, error) {
	t := &Tally{dir: dir, now: time.Now}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureDayLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tally) path(day string) string {
	return filepath.Join(t.dir, day+".votes")
}

// ensureDayLocked loads or resets state when the calendar day changed.
func (t *Tally) ensureDayLocked() error {
	day := t.now().Format(dayLayout)
	if day == t.day {
		return nil
	}
	t.day = day
	t.counts = make(map[string]int)

	raw, err := os.ReadFile(t.path(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading votes file: %w", err)
	}
	if err := json.Unmarshal(raw, &t.counts); err != nil {
		slog.Warn("votes file corrupt, starting fresh", "path", t.path(day), "error", err)
		t.counts = make(map[string]int)
	}
	return nil
}

func (t *Tally) persistLocked() error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("creating votes dir: %w", err)
	}
	raw, err := json.Marshal(t.counts)
	if err != nil {
		return fmt.Errorf("encoding votes: %w", err)
	}
	tmp := t.path(t.day) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing votes: %w", err)
	}
	if err := os.Rename(tmp, t.path(t.day)); err != nil {
		return fmt.Errorf("replacing votes file: %w", err)
	}
	return nil
}

// Add increments the count for code and returns the new value.
func (t *Tally) Add(code string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureDayLocked(); err != nil {
		return 0, err
	}
	t.counts[code]++
	if err := t.persistLocked(); err != nil {
		return 0, err
	}
	return t.counts[code], nil
}

// Remove decrements the count for code; removing at zero fails.
func (t *Tally) Remove(code string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureDayLocked(); err != nil {
		return 0, err
	}
	if t.counts[code] <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoVotes, code)
	}
	t.counts[code]--
	if err := t.persistLocked(); err != nil {
		return 0, err
	}
	return t.counts[code], nil
}

// Counts returns a copy of today's counts.
func (t *Tally) Counts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureDayLocked(); err != nil {
		slog.Warn("vote day rollover failed", "error", err)
	}
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}
