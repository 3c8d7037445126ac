package transcript

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrForbidden is returned when a caller's key does not open a
	// room's transcript directory.
	ErrForbidden = errors.New("transcript access denied")
	// ErrNoTranscript is returned for rooms without stored sessions.
	ErrNoTranscript = errors.New("no transcript for room")
)

const accessFile = "access.conf"

// Store reads and gates the per-room transcript directories.
type Store struct {
	root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// SetAccessKey restricts a room's transcripts to callers holding key.
func (s *Store) SetAccessKey(roomID, key string) error {
	dir := filepath.Join(s.root, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating transcript dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, accessFile), []byte(key), 0o600); err != nil {
		return fmt.Errorf("writing access file: %w", err)
	}
	return nil
}

// accessible reports whether callerKey opens dir: either no access file
// exists, or its content equals the key.
func (s *Store) accessible(dir, callerKey string) bool {
	raw, err := os.ReadFile(filepath.Join(dir, accessFile))
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	if err != nil {
		slog.Warn("unreadable access file", "dir", dir, "error", err)
		return false
	}
	return strings.TrimSpace(string(raw)) == callerKey
}

// TranscriptInfo describes one room's stored sessions.
type TranscriptInfo struct {
	RoomID              string `json:"room_id"`
	FirstChunkTimestamp int64  `json:"firstChunkTimestamp"`
	LastChunkTimestamp  int64  `json:"lastChunkTimestamp"`
}

// List enumerates the rooms whose transcripts callerKey may read, with the
// time range covered by their session files.
func (s *Store) List(callerKey string) ([]TranscriptInfo, error) {
	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading transcript root: %w", err)
	}

	var out []TranscriptInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, entry.Name())
		if !s.accessible(dir, callerKey) {
			continue
		}
		starts, err := sessionStarts(dir)
		if err != nil {
			slog.Warn("skipping unreadable transcript dir", "dir", dir, "error", err)
			continue
		}
		if len(starts) == 0 {
			continue
		}
		out = append(out, TranscriptInfo{
			RoomID:              entry.Name(),
			FirstChunkTimestamp: starts[0].Unix(),
			LastChunkTimestamp:  starts[len(starts)-1].Unix(),
		})
	}
	return out, nil
}

// sessionStarts parses and sorts the session start times encoded in the
// snapshot file names of dir.
func sessionStarts(dir string) ([]time.Time, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var starts []time.Time
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		ts, err := time.ParseInLocation(snapshotLayout, strings.TrimSuffix(name, snapshotExt), time.Local)
		if err != nil {
			slog.Warn("snapshot file with unparsable name", "name", name)
			continue
		}
		starts = append(starts, ts)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	return starts, nil
}

// Compile renders every stored session of a room as plain text in lang,
// oldest first, each session under a human-readable header.
func (s *Store) Compile(callerKey, roomID, lang string) (string, error) {
	dir := filepath.Join(s.root, roomID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNoTranscript, roomID)
	}
	if !s.accessible(dir, callerKey) {
		return "", fmt.Errorf("%w: %s", ErrForbidden, roomID)
	}
	starts, err := sessionStarts(dir)
	if err != nil {
		return "", fmt.Errorf("listing sessions: %w", err)
	}
	if len(starts) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTranscript, roomID)
	}

	var chunks []string
	for _, start := range starts {
		path := filepath.Join(dir, start.Format(snapshotLayout)+snapshotExt)
		lines, err := LoadSnapshot(path)
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		body := FormatLines(lines, lang)
		if body == "" {
			continue
		}
		header := fmt.Sprintf("[Transcription started on %s]",
			start.Format("Monday, January 02, 2006 at 15:04"))
		chunks = append(chunks, header+"\n"+body)
	}
	return strings.Join(chunks, "\n\n"), nil
}

// FormatLines renders a line sequence as readable text in lang. Lines
// with no content in lang are skipped; an unknown speaker gets no label.
func FormatLines(lines []*Line, lang string) string {
	var out []string
	for _, line := range lines {
		var parts []string
		for _, sent := range line.Sentences {
			if text := sent.Content(lang); text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) == 0 {
			continue
		}
		label := ""
		if line.Speaker != -1 {
			label = fmt.Sprintf("%d: ", line.Speaker)
		}
		out = append(out, fmt.Sprintf("[%s%s - %s]\n%s",
			label, formatClock(line.Beg), formatClock(line.End), strings.Join(parts, " ")))
	}
	return strings.Join(out, "\n")
}

func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds/60)%60, seconds%60)
}
