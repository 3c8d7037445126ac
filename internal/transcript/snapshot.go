package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// snapshotLayout names session files by their start time.
const snapshotLayout = "2006-01-02_15-04"

// snapshotExt is the on-disk extension of a session snapshot.
const snapshotExt = ".snap"

// SessionSnapshot is one session's on-disk transcript file, fully
// rewritten on every update.
type SessionSnapshot struct {
	path string
}

// NewSessionSnapshot creates the room's directory and fixes the session
// file name from its start time.
func NewSessionSnapshot(root, roomID string, start time.Time) (*SessionSnapshot, error) {
	dir := filepath.Join(root, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating transcript dir: %w", err)
	}
	return &SessionSnapshot{
		path: filepath.Join(dir, start.Format(snapshotLayout)+snapshotExt),
	}, nil
}

// Path returns the snapshot file path.
func (s *SessionSnapshot) Path() string { return s.path }

// Write atomically replaces the snapshot with the given line sequence.
func (s *SessionSnapshot) Write(lines []*Line) error {
	raw, err := msgpack.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads one session file back into a line sequence.
func LoadSnapshot(path string) ([]*Line, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	var lines []*Line
	if err := msgpack.Unmarshal(raw, &lines); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	return lines, nil
}
