// Package room composes the reconciler, translation worker and ASR worker
// process into activatable rooms, and fans transcript updates out to the
// host and client websockets.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/gorilla/websocket"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/metrics"
	"github.com/confcap/confcap/internal/transcript"
	"github.com/confcap/confcap/internal/translate"
)

const writeTimeout = 10 * time.Second

// wsConn serializes writes to one websocket.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return w.sendRaw(data)
}

func (w *wsConn) sendRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	w.c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	w.c.Close()
}

type clientConn struct {
	id   string
	lang string
	ws   *wsConn
}

// hostControl is the JSON shape of control messages from the host.
type hostControl struct {
	Signal string `json:"signal"`
}

type infoMessage struct {
	Info map[string]string `json:"info"`
}

// ConnectionManager multiplexes one room's host and client websockets and
// bridges the ASR output into the reconciler and broadcasts back out. It
// survives engine restarts; its wiring is swapped with Rebind.
type ConnectionManager struct {
	roomID string

	mu          sync.Mutex
	host        *wsConn
	hostID      string
	hostLang    string
	clients     []*clientConn
	engineReady bool
	rebinding   bool

	// per-activation wiring, replaced by Rebind
	rec       *transcript.Reconciler
	tw        *translate.Worker
	sendAudio func(ctx context.Context, pcm []byte) error
	restart   func() error
}

// NewConnectionManager creates an empty manager for roomID.
func NewConnectionManager(roomID string) *ConnectionManager {
	return &ConnectionManager{roomID: roomID}
}

// Rebind installs a fresh activation's reconciler, translation worker,
// audio sink and restart hook, and starts the two bridge tasks. Open
// websockets are untouched, which is what keeps clients alive across
// engine restarts.
func (cm *ConnectionManager) Rebind(
	rec *transcript.Reconciler,
	tw *translate.Worker,
	hyps <-chan asr.Hypothesis,
	sendAudio func(ctx context.Context, pcm []byte) error,
	restart func() error,
) {
	cm.mu.Lock()
	cm.rec = rec
	cm.tw = tw
	cm.sendAudio = sendAudio
	cm.restart = restart
	cm.engineReady = false
	cm.rebinding = false
	cm.mu.Unlock()

	go cm.bridgeHypotheses(rec, hyps)
	go cm.bridgeBroadcasts(rec)
}

// bridgeHypotheses feeds the worker's emissions into the reconciler. It
// ends when the worker process exits and its channel closes.
func (cm *ConnectionManager) bridgeHypotheses(rec *transcript.Reconciler, hyps <-chan asr.Hypothesis) {
	for hyp := range hyps {
		metrics.HypothesesTotal.Inc()
		rec.SubmitHypothesis(hyp)
	}
	slog.Debug("hypothesis bridge closed", "room_id", cm.roomID)
}

// bridgeBroadcasts fans reconciler updates out to the host and clients.
// When the update channel closes at deactivation it announces the end to
// the clients; after a restart the replacement bridge has already taken
// over and the announcement is skipped.
func (cm *ConnectionManager) bridgeBroadcasts(rec *transcript.Reconciler) {
	for chunk := range rec.Updates() {
		payload, err := json.Marshal(chunk)
		if err != nil {
			slog.Error("encoding broadcast chunk", "room_id", cm.roomID, "error", err)
			continue
		}
		metrics.BroadcastsTotal.Inc()

		cm.mu.Lock()
		host := cm.host
		clients := append([]*clientConn(nil), cm.clients...)
		cm.mu.Unlock()

		if host != nil {
			if err := host.sendRaw(payload); err != nil {
				slog.Warn("send to host failed", "room_id", cm.roomID, "error", err)
			}
		}
		for _, cl := range clients {
			if err := cl.ws.sendRaw(payload); err != nil {
				slog.Info("removing dead client", "room_id", cm.roomID, "client_id", cl.id)
				cm.removeClient(cl)
			}
		}
	}

	cm.mu.Lock()
	superseded := cm.rebinding || cm.rec != rec
	clients := append([]*clientConn(nil), cm.clients...)
	cm.mu.Unlock()
	if superseded {
		return
	}
	for _, cl := range clients {
		if err := cl.ws.sendJSON(map[string]string{"type": "ready_to_stop"}); err != nil {
			slog.Debug("ready_to_stop not delivered", "room_id", cm.roomID, "client_id", cl.id)
		}
	}
	slog.Info("broadcast bridge closed", "room_id", cm.roomID)
}

// beginRebind marks the wiring as mid-swap so the outgoing broadcast
// bridge does not announce ready_to_stop during an engine restart.
func (cm *ConnectionManager) beginRebind() {
	cm.mu.Lock()
	cm.rebinding = true
	cm.mu.Unlock()
}

// abortRebind ends a rebind whose replacement pipeline failed to come up.
// The ready_to_stop the outgoing bridge suppressed is delivered now so
// clients do not wait on a dead room.
func (cm *ConnectionManager) abortRebind() {
	cm.mu.Lock()
	cm.rebinding = false
	clients := append([]*clientConn(nil), cm.clients...)
	cm.mu.Unlock()
	for _, cl := range clients {
		if err := cl.ws.sendJSON(map[string]string{"type": "ready_to_stop"}); err != nil {
			slog.Debug("ready_to_stop not delivered", "room_id", cm.roomID, "client_id", cl.id)
		}
	}
}

// NotifyEngineReady records that the worker is warm and tells the host it
// may start streaming audio.
func (cm *ConnectionManager) NotifyEngineReady() {
	cm.mu.Lock()
	cm.engineReady = true
	host := cm.host
	cm.mu.Unlock()
	if host != nil {
		if err := host.sendJSON(infoMessage{Info: map[string]string{"signal": "ready_to_receive_audio"}}); err != nil {
			slog.Warn("ready signal not delivered", "room_id", cm.roomID, "error", err)
		}
	}
}

// HostID returns the current host session id, "" when no host is attached.
func (cm *ConnectionManager) HostID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.hostID
}

// ListenToHost attaches ws as the room's host and blocks until it
// disconnects. A second concurrent host is refused with close code 1003.
func (cm *ConnectionManager) ListenToHost(ws *websocket.Conn, targetLang string) {
	conn := &wsConn{c: ws}

	cm.mu.Lock()
	if cm.host != nil {
		cm.mu.Unlock()
		slog.Warn("second host refused", "room_id", cm.roomID)
		conn.close(websocket.CloseUnsupportedData, "Multiple hosts not allowed")
		return
	}
	cm.host = conn
	cm.hostID = uuid.NewString()
	cm.hostLang = targetLang
	tw := cm.tw
	rec := cm.rec
	ready := cm.engineReady
	hostID := cm.hostID
	cm.mu.Unlock()

	tw.Subscribe(targetLang)
	metrics.RoomSubscribers.WithLabelValues(cm.roomID).Inc()
	slog.Info("host connected", "room_id", cm.roomID, "host_id", hostID)

	if err := conn.sendJSON(infoMessage{Info: map[string]string{"host_id": hostID}}); err != nil {
		slog.Warn("host_id not delivered", "room_id", cm.roomID, "error", err)
	}
	if last := rec.LastChunk(); last != nil {
		if err := conn.sendJSON(last); err != nil {
			slog.Warn("replay to host failed", "room_id", cm.roomID, "error", err)
		}
	}
	if ready {
		conn.sendJSON(infoMessage{Info: map[string]string{"signal": "ready_to_receive_audio"}})
	}

	cm.hostLoop(ws)

	// an engine restart may have swapped the worker mid-session;
	// release the subscription on whichever worker is current now
	cm.mu.Lock()
	cm.host = nil
	cm.hostID = ""
	cm.hostLang = ""
	tw = cm.tw
	cm.mu.Unlock()
	tw.Unsubscribe(targetLang)
	metrics.RoomSubscribers.WithLabelValues(cm.roomID).Dec()
	slog.Info("host disconnected", "room_id", cm.roomID)
}

func (cm *ConnectionManager) hostLoop(ws *websocket.Conn) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			cm.mu.Lock()
			send := cm.sendAudio
			cm.mu.Unlock()
			if err := send(context.Background(), data); err != nil {
				slog.Warn("audio chunk dropped", "room_id", cm.roomID, "error", err)
			}
		case websocket.TextMessage:
			var ctl hostControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				slog.Warn("undecodable host control message", "room_id", cm.roomID, "error", err)
				continue
			}
			if ctl.Signal == "restart_backend_engine" {
				cm.mu.Lock()
				restart := cm.restart
				cm.mu.Unlock()
				slog.Info("engine restart requested by host", "room_id", cm.roomID)
				if err := restart(); err != nil {
					slog.Error("engine restart failed", "room_id", cm.roomID, "error", err)
				}
			}
		}
	}
}

// ConnectClient attaches ws as a transcript subscriber and blocks until
// it disconnects.
func (cm *ConnectionManager) ConnectClient(ws *websocket.Conn, targetLang string) {
	id, err := gonanoid.New()
	if err != nil {
		id = uuid.NewString()
	}
	cl := &clientConn{id: id, lang: targetLang, ws: &wsConn{c: ws}}

	cm.mu.Lock()
	cm.clients = append(cm.clients, cl)
	tw := cm.tw
	rec := cm.rec
	count := len(cm.clients)
	cm.mu.Unlock()

	tw.Subscribe(targetLang)
	metrics.RoomSubscribers.WithLabelValues(cm.roomID).Inc()
	slog.Info("client connected", "room_id", cm.roomID, "client_id", id, "clients", count)

	if last := rec.LastChunk(); last != nil {
		if err := cl.ws.sendJSON(last); err != nil {
			slog.Warn("replay to client failed", "room_id", cm.roomID, "client_id", id)
		}
	}

	// clients only listen; the read loop just notices the disconnect
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	cm.removeClient(cl)
	slog.Info("client disconnected", "room_id", cm.roomID, "client_id", id)
}

// removeClient detaches cl and releases its language subscription.
// Safe to call twice; only the first call has an effect.
func (cm *ConnectionManager) removeClient(cl *clientConn) {
	cm.mu.Lock()
	found := false
	for i, c := range cm.clients {
		if c == cl {
			cm.clients = append(cm.clients[:i], cm.clients[i+1:]...)
			found = true
			break
		}
	}
	tw := cm.tw
	cm.mu.Unlock()
	if !found {
		return
	}
	tw.Unsubscribe(cl.lang)
	metrics.RoomSubscribers.WithLabelValues(cm.roomID).Dec()
}
