package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/schedule"
	"github.com/confcap/confcap/internal/transcript"
	"github.com/confcap/confcap/internal/translate"
)

type nopTranslator struct{}

func (nopTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	return text, nil
}

func (nopTranslator) Languages(ctx context.Context) ([]string, error) {
	return []string{"de", "fr"}, nil
}

type stubTranscriber struct {
	hyps chan asr.Hypothesis

	mu      sync.Mutex
	audio   [][]byte
	started bool
	stopped bool
	once    sync.Once
}

func newStubTranscriber() *stubTranscriber {
	return &stubTranscriber{hyps: make(chan asr.Hypothesis, 16)}
}

func (s *stubTranscriber) Start(onReady func()) error {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	if onReady != nil {
		onReady()
	}
	return nil
}

func (s *stubTranscriber) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("transcriber stopped")
	}
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	return nil
}

func (s *stubTranscriber) Hypotheses() <-chan asr.Hypothesis { return s.hyps }

func (s *stubTranscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.hyps) })
	return nil
}

func (s *stubTranscriber) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

// stubFactory hands out transcribers and remembers them.
type stubFactory struct {
	mu       sync.Mutex
	procs    []*stubTranscriber
	failNext bool
}

func (f *stubFactory) new(roomID, sourceLang string) (Transcriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("transcriber spawn failed")
	}
	p := newStubTranscriber()
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *stubFactory) failOnce() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *stubFactory) latest() *stubTranscriber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[len(f.procs)-1]
}

type fakeEvents struct {
	mu     sync.Mutex
	events []schedule.Event
}

func (f *fakeEvents) set(events []schedule.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = events
}

func (f *fakeEvents) OngoingEvents(ctx context.Context) ([]schedule.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schedule.Event(nil), f.events...), nil
}

func newTestManager(t *testing.T, events *fakeEvents, cfg ManagerConfig) (*Manager, *stubFactory) {
	t.Helper()
	factory := &stubFactory{}
	deps := Deps{
		Translator:     nopTranslator{},
		NewTranscriber: factory.new,
		Store:          transcript.NewStore(t.TempDir()),
		TranscriptRoot: t.TempDir(),
		TranslateCfg:   translate.WorkerConfig{PollInterval: 10 * time.Millisecond},
	}
	if cfg.SourceLangs == nil {
		cfg.SourceLangs = []string{"en"}
	}
	if cfg.TargetLangs == nil {
		cfg.TargetLangs = []string{"en", "de", "fr"}
	}
	if cfg.MaxActive == 0 {
		cfg.MaxActive = 2
	}
	if cfg.CloseAfter == 0 {
		cfg.CloseAfter = time.Minute
	}
	if cfg.DevRoomID == "" {
		cfg.DevRoomID = "dev_room"
	}
	return NewManager(events, deps, cfg), factory
}

// dialWS runs handler on the server side of a fresh websocket and returns
// the client side.
func dialWS(t *testing.T, handler func(ws *websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(c)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, reason string) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseUnsupportedData, ce.Code)
	assert.Contains(t, ce.Text, reason)
}

func hostOpts() ActivateOptions {
	return ActivateOptions{SourceLang: "en", TargetLang: "en", HostKey: "k"}
}

func mustRoom(t *testing.T, m *Manager, id string) *Room {
	t.Helper()
	r, ok := m.Get(context.Background(), id)
	require.True(t, ok)
	return r
}

func TestRoomListIncludesDevRoom(t *testing.T) {
	events := &fakeEvents{}
	events.set([]schedule.Event{{
		Code: "AAA111", Title: "Opening", Track: "Security", Room: "Main Hall",
		Persons: []schedule.Person{{Name: "Alex Doe"}},
	}})
	m, _ := newTestManager(t, events, ManagerConfig{})

	resp, err := m.RoomList(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"en"}, resp.AvailableSourceLangs)
	assert.Equal(t, 2, resp.MaxActiveRooms)
	require.Len(t, resp.Rooms, 2)
	assert.Equal(t, "AAA111", resp.Rooms[0].ID)
	assert.Equal(t, "Alex Doe", resp.Rooms[0].Presenter)
	assert.False(t, resp.Rooms[0].Active)
	assert.Equal(t, "dev_room", resp.Rooms[1].ID)
}

func TestUpdateRoomsKeepsActiveAfterEventEnds(t *testing.T) {
	events := &fakeEvents{}
	events.set([]schedule.Event{{Code: "AAA111", Title: "Opening"}})
	m, _ := newTestManager(t, events, ManagerConfig{})

	r, ok := m.Get(context.Background(), "AAA111")
	require.True(t, ok)
	require.NoError(t, r.Activate(hostOpts()))
	defer r.Deactivate(context.Background())

	events.set(nil)
	require.NoError(t, m.UpdateRooms(context.Background()))

	_, ok = m.Get(context.Background(), "AAA111")
	assert.True(t, ok, "active room survives losing its schedule slot")

	require.NoError(t, r.Deactivate(context.Background()))
	require.NoError(t, m.UpdateRooms(context.Background()))
	_, ok = m.Get(context.Background(), "AAA111")
	assert.False(t, ok, "inactive room without a slot is dropped")
}

func TestActivateDeactivate(t *testing.T) {
	m, factory := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	r, ok := m.Get(context.Background(), "dev_room")
	require.True(t, ok)

	require.NoError(t, r.Activate(hostOpts()))
	assert.True(t, r.Active())
	assert.Equal(t, "en", r.SourceLang())
	assert.Equal(t, 1, factory.count())

	require.NoError(t, r.Deactivate(context.Background()))
	assert.False(t, r.Active())
	assert.True(t, factory.latest().stopped)
	assert.ErrorIs(t, r.Deactivate(context.Background()), ErrNotActive)
}

func TestUnknownRoomClosesWithReason(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	conn := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "nope", hostOpts())
	})
	expectClose(t, conn, "Room <nope> not found")
}

func TestUnsupportedLanguagesClose(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})

	opts := hostOpts()
	opts.SourceLang = "xx"
	conn := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", opts)
	})
	expectClose(t, conn, "Source language xx not supported by transcription engine")

	opts = hostOpts()
	opts.TargetLang = "yy"
	conn = dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", opts)
	})
	expectClose(t, conn, "Target language yy not supported by translation service")
}

func TestDoNotRecordRefusesRecordingHost(t *testing.T) {
	events := &fakeEvents{}
	events.set([]schedule.Event{{Code: "AAA111", Title: "Secret", DoNotRecord: true}})
	m, _ := newTestManager(t, events, ManagerConfig{})

	opts := hostOpts()
	opts.SaveTranscript = true
	conn := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "AAA111", opts)
	})
	expectClose(t, conn, "Recording not permitted for room <AAA111>")
}

func TestHostSessionAndAudioPath(t *testing.T) {
	m, factory := newTestManager(t, &fakeEvents{}, ManagerConfig{})

	host := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})

	msg := readJSON(t, host)
	info, ok := msg["info"].(map[string]any)
	require.True(t, ok, "first message carries the host id: %v", msg)
	assert.NotEmpty(t, info["host_id"])

	msg = readJSON(t, host)
	info = msg["info"].(map[string]any)
	assert.Equal(t, "ready_to_receive_audio", info["signal"])

	require.NoError(t, host.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	require.Eventually(t, func() bool {
		return factory.latest().audioCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSecondHostRefused(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})

	host1 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	readJSON(t, host1) // host_id: session is established

	host2 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	expectClose(t, host2, "Multiple hosts not allowed")
	assert.True(t, mustRoom(t, m, "dev_room").Active(), "refusal leaves the room running")
}

func TestCapacityCap(t *testing.T) {
	events := &fakeEvents{}
	events.set([]schedule.Event{{Code: "AAA111"}, {Code: "BBB222"}})
	m, _ := newTestManager(t, events, ManagerConfig{MaxActive: 1})

	host1 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "AAA111", hostOpts())
	})
	readJSON(t, host1)
	assert.Equal(t, 1, m.ActiveCount())

	host2 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "BBB222", hostOpts())
	})
	expectClose(t, host2,
		"Unable to activate room <BBB222>: Maximum capacity of 1 instances reached")
}

func TestDeferredDeactivationAfterHostLeaves(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{CloseAfter: 50 * time.Millisecond})

	host := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	readJSON(t, host)
	require.Equal(t, 1, m.ActiveCount())

	host.Close()
	require.Eventually(t, func() bool {
		return !mustRoom(t, m, "dev_room").Active() && m.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelDeactivationKeepsRoomAlive(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	r := mustRoom(t, m, "dev_room")
	require.NoError(t, r.Activate(hostOpts()))
	defer r.Deactivate(context.Background())

	r.DeferDeactivation(30*time.Millisecond, nil)
	assert.True(t, r.CancelDeactivation())
	time.Sleep(80 * time.Millisecond)
	assert.True(t, r.Active())
	assert.False(t, r.CancelDeactivation(), "nothing pending anymore")
}

func TestRestartCancelsPendingDeactivation(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	r := mustRoom(t, m, "dev_room")
	require.NoError(t, r.Activate(hostOpts()))
	defer r.Deactivate(context.Background())

	r.DeferDeactivation(50*time.Millisecond, nil)
	require.NoError(t, r.RestartEngine("de"))

	time.Sleep(150 * time.Millisecond)
	assert.True(t, r.Active(), "restart supersedes the pending deactivation")
	assert.Equal(t, "de", r.SourceLang())
	assert.False(t, r.CancelDeactivation(), "nothing left pending")
}

func TestRestartFailureReleasesSlot(t *testing.T) {
	m, factory := newTestManager(t, &fakeEvents{}, ManagerConfig{
		SourceLangs: []string{"en", "de"},
		MaxActive:   1,
	})

	host1 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	readJSON(t, host1) // host_id
	readJSON(t, host1) // ready signal
	require.Equal(t, 1, m.ActiveCount())

	host1.Close()
	require.Eventually(t, func() bool {
		return mustRoom(t, m, "dev_room").Conn().HostID() == ""
	}, 2*time.Second, 10*time.Millisecond)

	// the next host asks for a different source language, forcing a
	// restart whose replacement worker fails to spawn
	factory.failOnce()
	opts := hostOpts()
	opts.SourceLang = "de"
	host2 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", opts)
	})
	expectClose(t, host2, "Internal server error")

	assert.False(t, mustRoom(t, m, "dev_room").Active())
	require.Equal(t, 0, m.ActiveCount(), "failed restart must free the admission slot")

	// the freed slot admits a fresh activation
	host3 := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	msg := readJSON(t, host3)
	_, ok := msg["info"].(map[string]any)
	require.True(t, ok, "host session established after recovery: %v", msg)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestClientReceivesBroadcastsAndStopNotice(t *testing.T) {
	m, factory := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	r := mustRoom(t, m, "dev_room")
	require.NoError(t, r.Activate(hostOpts()))

	client := dialWS(t, func(ws *websocket.Conn) {
		m.JoinRoomAsClient(context.Background(), ws, "dev_room", "en")
	})

	factory.latest().hyps <- asr.Hypothesis{Lines: []asr.HypothesisLine{
		{Beg: "00:00:00", End: "00:00:02", Text: "Hello world."},
	}}

	msg := readJSON(t, client)
	sents, ok := msg["last_n_sents"].([]any)
	require.True(t, ok, "broadcast chunk expected: %v", msg)
	require.NotEmpty(t, sents)

	require.NoError(t, r.Deactivate(context.Background()))
	msg = readJSON(t, client)
	assert.Equal(t, "ready_to_stop", msg["type"])
}

func TestClientRefusedWhenInactive(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{})
	client := dialWS(t, func(ws *websocket.Conn) {
		m.JoinRoomAsClient(context.Background(), ws, "dev_room", "de")
	})
	expectClose(t, client, "Room not active")
}

func TestRestartSignalSwapsEngineKeepingClients(t *testing.T) {
	m, factory := newTestManager(t, &fakeEvents{}, ManagerConfig{})

	host := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	readJSON(t, host) // host_id
	readJSON(t, host) // ready signal

	client := dialWS(t, func(ws *websocket.Conn) {
		m.JoinRoomAsClient(context.Background(), ws, "dev_room", "en")
	})
	require.Equal(t, 1, factory.count())

	payload, _ := json.Marshal(hostControl{Signal: "restart_backend_engine"})
	require.NoError(t, host.WriteMessage(websocket.TextMessage, payload))

	require.Eventually(t, func() bool {
		return factory.count() == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mustRoom(t, m, "dev_room").Active())

	// the replacement engine feeds the same, still-open client socket
	factory.latest().hyps <- asr.Hypothesis{Lines: []asr.HypothesisLine{
		{Beg: "00:00:00", End: "00:00:01", Text: "After restart."},
	}}
	msg := readJSON(t, client)
	_, ok := msg["last_n_sents"]
	assert.True(t, ok, "client still wired after restart: %v", msg)
}

func TestAdminDeactivateReleasesSlot(t *testing.T) {
	m, _ := newTestManager(t, &fakeEvents{}, ManagerConfig{MaxActive: 1})

	host := dialWS(t, func(ws *websocket.Conn) {
		m.ActivateRoomAsHost(context.Background(), ws, "dev_room", hostOpts())
	})
	readJSON(t, host)
	require.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.DeactivateRoom(context.Background(), "dev_room"))
	assert.Equal(t, 0, m.ActiveCount())
	assert.False(t, mustRoom(t, m, "dev_room").Active())
}
