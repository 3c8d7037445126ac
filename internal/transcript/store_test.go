package transcript

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSession(t *testing.T, root, roomID string, start time.Time, lines []*Line) {
	t.Helper()
	snap, err := NewSessionSnapshot(root, roomID, start)
	require.NoError(t, err)
	require.NoError(t, snap.Write(lines))
}

func TestListOpenRoom(t *testing.T) {
	root := t.TempDir()
	first := time.Date(2026, 8, 24, 9, 0, 0, 0, time.Local)
	second := time.Date(2026, 8, 24, 14, 30, 0, 0, time.Local)
	writeSession(t, root, "room-a", first, sampleLines())
	writeSession(t, root, "room-a", second, sampleLines())

	store := NewStore(root)
	infos, err := store.List("anykey")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "room-a", infos[0].RoomID)
	assert.Equal(t, first.Unix(), infos[0].FirstChunkTimestamp)
	assert.Equal(t, second.Unix(), infos[0].LastChunkTimestamp)
}

func TestListRespectsAccessConf(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "private", time.Now(), sampleLines())

	store := NewStore(root)
	require.NoError(t, store.SetAccessKey("private", "secretkey"))

	infos, err := store.List("wrongkey")
	require.NoError(t, err)
	assert.Empty(t, infos)

	infos, err = store.List("secretkey")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestCompileFormat(t *testing.T) {
	root := t.TempDir()
	start := time.Date(2026, 8, 24, 14, 30, 0, 0, time.Local)
	writeSession(t, root, "room-a", start, sampleLines())

	store := NewStore(root)
	text, err := store.Compile("anykey", "room-a", "en")
	require.NoError(t, err)

	assert.Contains(t, text, "[Transcription started on Monday, August 24, 2026 at 14:30]")
	assert.Contains(t, text, "[0: 00:00:02 - 00:00:05]\nHello world.")
	// unknown speaker has no label
	assert.Contains(t, text, "[00:00:06 - 00:00:08]\nGoodbye.")
}

func TestCompileTranslatedLanguage(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "room-a", time.Now(), sampleLines())

	store := NewStore(root)
	text, err := store.Compile("anykey", "room-a", "de")
	require.NoError(t, err)

	assert.Contains(t, text, "Hallo Welt.")
	// the untranslated line is skipped entirely
	assert.NotContains(t, text, "00:00:06")
}

func TestCompileMultipleSessionsSorted(t *testing.T) {
	root := t.TempDir()
	late := time.Date(2026, 8, 24, 16, 0, 0, 0, time.Local)
	early := time.Date(2026, 8, 24, 9, 0, 0, 0, time.Local)
	writeSession(t, root, "room-a", late, sampleLines())
	writeSession(t, root, "room-a", early, sampleLines())

	store := NewStore(root)
	text, err := store.Compile("anykey", "room-a", "en")
	require.NoError(t, err)

	idxEarly := strings.Index(text, "09:00")
	idxLate := strings.Index(text, "16:00")
	require.GreaterOrEqual(t, idxEarly, 0)
	require.GreaterOrEqual(t, idxLate, 0)
	assert.Less(t, idxEarly, idxLate)
	assert.Contains(t, text, "\n\n", "sessions are separated by a blank line")
}

func TestCompileDenied(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "private", time.Now(), sampleLines())

	store := NewStore(root)
	require.NoError(t, store.SetAccessKey("private", "secretkey"))

	_, err := store.Compile("wrongkey", "private", "en")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestCompileUnknownRoom(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Compile("key", "ghost", "en")
	assert.ErrorIs(t, err, ErrNoTranscript)
}
