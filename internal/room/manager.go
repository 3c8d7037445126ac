package room

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confcap/confcap/internal/metrics"
	"github.com/confcap/confcap/internal/schedule"
)

// EventSource yields the events that should currently have a room.
// *schedule.Provider satisfies it.
type EventSource interface {
	OngoingEvents(ctx context.Context) ([]schedule.Event, error)
}

// ManagerConfig is the fleet policy.
type ManagerConfig struct {
	SourceLangs []string
	TargetLangs []string
	MaxActive   int
	CloseAfter  time.Duration
	DevRoomID   string
}

// ListResponse is the /room_list payload.
type ListResponse struct {
	AvailableSourceLangs []string `json:"available_source_langs"`
	AvailableTargetLangs []string `json:"available_target_langs"`
	MaxActiveRooms       int      `json:"max_active_rooms"`
	Rooms                []Data   `json:"rooms"`
}

// Manager owns the room fleet: it refreshes rooms from the schedule,
// admits hosts and clients, and enforces the active-room cap.
type Manager struct {
	events EventSource
	deps   Deps
	cfg    ManagerConfig

	mu          sync.Mutex
	rooms       map[string]*Room
	order       []string
	activeCount int
}

// NewManager builds a Manager with only the development room present;
// UpdateRooms fills in the schedule's events on demand.
func NewManager(events EventSource, deps Deps, cfg ManagerConfig) *Manager {
	m := &Manager{
		events: events,
		deps:   deps,
		cfg:    cfg,
		rooms:  make(map[string]*Room),
	}
	dev := NewDevRoom(cfg.DevRoomID, deps)
	m.rooms[dev.ID] = dev
	m.order = []string{dev.ID}
	return m
}

// UpdateRooms syncs the fleet with the currently ongoing events. Rooms
// whose event ended stay as long as they are active, and the development
// room is always present. A schedule fetch failure keeps the old fleet.
func (m *Manager) UpdateRooms(ctx context.Context) error {
	events, err := m.events.OngoingEvents(ctx)
	if err != nil {
		slog.Warn("room refresh skipped, schedule unavailable", "error", err)
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Room, len(events)+1)
	order := make([]string, 0, len(events)+1)
	for _, ev := range events {
		if existing, ok := m.rooms[ev.Code]; ok {
			next[ev.Code] = existing
		} else {
			next[ev.Code] = NewRoom(ev, m.deps)
			slog.Info("room added", "room_id", ev.Code, "title", ev.Title)
		}
		order = append(order, ev.Code)
	}
	// active rooms outlive their schedule slot
	for _, id := range m.order {
		r := m.rooms[id]
		if _, kept := next[id]; kept || id == m.cfg.DevRoomID {
			continue
		}
		if r.Active() {
			next[id] = r
			order = append(order, id)
		} else {
			slog.Info("room removed", "room_id", id)
		}
	}
	dev := m.rooms[m.cfg.DevRoomID]
	next[dev.ID] = dev
	order = append(order, dev.ID)

	m.rooms = next
	m.order = order
	return nil
}

// Get returns the room with the given id after a fleet refresh.
func (m *Manager) Get(ctx context.Context, roomID string) (*Room, bool) {
	m.UpdateRooms(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	return r, ok
}

// RoomList builds the /room_list payload.
func (m *Manager) RoomList(ctx context.Context) (ListResponse, error) {
	if err := m.UpdateRooms(ctx); err != nil {
		m.mu.Lock()
		empty := len(m.order) <= 1
		m.mu.Unlock()
		if empty {
			return ListResponse{}, err
		}
		// stale fleet beats no fleet
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := ListResponse{
		AvailableSourceLangs: m.cfg.SourceLangs,
		AvailableTargetLangs: m.cfg.TargetLangs,
		MaxActiveRooms:       m.cfg.MaxActive,
		Rooms:                make([]Data, 0, len(m.order)),
	}
	for _, id := range m.order {
		resp.Rooms = append(resp.Rooms, m.rooms[id].Data())
	}
	return resp, nil
}

// ActivateRoomAsHost admits ws as the host of roomID, activating or
// restarting the room as needed, and blocks for the host session. All
// refusals close the websocket with code 1003 and a reason.
func (m *Manager) ActivateRoomAsHost(ctx context.Context, ws *websocket.Conn, roomID string, opts ActivateOptions) {
	r, ok := m.Get(ctx, roomID)
	if !ok {
		closeWith(ws, fmt.Sprintf("Room <%s> not found", roomID))
		return
	}
	if r.DoNotRecord && opts.SaveTranscript {
		closeWith(ws, fmt.Sprintf("Recording not permitted for room <%s>", roomID))
		return
	}
	if !contains(m.cfg.SourceLangs, opts.SourceLang) {
		closeWith(ws, fmt.Sprintf("Source language %s not supported by transcription engine", opts.SourceLang))
		return
	}
	if !contains(m.cfg.TargetLangs, opts.TargetLang) {
		closeWith(ws, fmt.Sprintf("Target language %s not supported by translation service", opts.TargetLang))
		return
	}

	if r.Active() {
		if opts.SourceLang == r.SourceLang() {
			r.CancelDeactivation()
			slog.Info("host rejoining active room", "room_id", roomID)
			r.Conn().NotifyEngineReady()
		} else {
			if err := r.RestartEngine(opts.SourceLang); err != nil {
				slog.Error("engine restart for new host", "room_id", roomID, "error", err)
				// a failed restart leaves the room inactive; its
				// admission slot must not stay reserved
				if !r.Active() {
					m.releaseActive()
				}
				closeWith(ws, "Internal server error")
				return
			}
		}
	} else {
		if !m.admitActive() {
			closeWith(ws, fmt.Sprintf(
				"Unable to activate room <%s>: Maximum capacity of %d instances reached",
				roomID, m.cfg.MaxActive))
			return
		}
		if err := r.Activate(opts); err != nil {
			m.releaseActive()
			slog.Error("room activation", "room_id", roomID, "error", err)
			closeWith(ws, "Internal server error")
			return
		}
	}

	r.Conn().ListenToHost(ws, opts.TargetLang)

	// a refused second host returns immediately; the attached host's
	// session must not start the room's deactivation timer
	if r.Conn().HostID() == "" {
		r.DeferDeactivation(m.cfg.CloseAfter, m.releaseActive)
	}
}

// JoinRoomAsClient admits ws as a transcript subscriber and blocks for
// the client session.
func (m *Manager) JoinRoomAsClient(ctx context.Context, ws *websocket.Conn, roomID, targetLang string) {
	r, ok := m.Get(ctx, roomID)
	if !ok {
		closeWith(ws, fmt.Sprintf("Room <%s> not found", roomID))
		return
	}
	if !r.Active() {
		closeWith(ws, "Room not active")
		return
	}
	r.Conn().ConnectClient(ws, targetLang)
}

// DeactivateRoom tears a room down immediately. Admin path.
func (m *Manager) DeactivateRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("room <%s> not found", roomID)
	}
	if err := r.Deactivate(ctx); err != nil {
		return err
	}
	m.releaseActive()
	return nil
}

// admitActive reserves one active-room slot, refusing at the cap.
func (m *Manager) admitActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount >= m.cfg.MaxActive {
		return false
	}
	m.activeCount++
	metrics.ActiveRooms.Set(float64(m.activeCount))
	return true
}

func (m *Manager) releaseActive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount > 0 {
		m.activeCount--
	}
	metrics.ActiveRooms.Set(float64(m.activeCount))
}

// ActiveCount returns the number of reserved active-room slots.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

// ActiveRooms returns the currently active rooms, for shutdown teardown.
func (m *Manager) ActiveRooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Room
	for _, id := range m.order {
		if r := m.rooms[id]; r.Active() {
			out = append(out, r)
		}
	}
	return out
}

func closeWith(ws *websocket.Conn, reason string) {
	conn := &wsConn{c: ws}
	conn.close(websocket.CloseUnsupportedData, reason)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
