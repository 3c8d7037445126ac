package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/confcap/confcap/internal/auth"
	"github.com/confcap/confcap/internal/room"
)

type wsHandler struct {
	deps     Deps
	upgrader websocket.Upgrader
}

func newWSHandler(deps Deps) *wsHandler {
	h := &wsHandler{deps: deps}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *wsHandler) checkOrigin(r *http.Request) bool {
	allowed := h.deps.Cfg.Server.AllowedOrigins
	if len(allowed) == 0 || (len(allowed) == 1 && allowed[0] == "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == origin {
			return true
		}
	}
	return false
}

// cookieValue returns the named cookie's value, "" when absent.
func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func cookieBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(cookieValue(r, name))
	if err != nil {
		return false
	}
	return v
}

func closeWS(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}

// ServeHTTP handles /room/{room_id}/{role}/{source_lang}/{target_lang}.
// The session runs in the request goroutine until the peer disconnects.
func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room_id")
	role := chi.URLParam(r, "role")
	sourceLang := chi.URLParam(r, "source_lang")
	targetLang := chi.URLParam(r, "target_lang")

	hostKey := cookieValue(r, "authenticated")
	saveTranscript := cookieBool(r, roomID+"-allow_store")
	clientDownload := cookieBool(r, roomID+"-allow_client_download")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade", "error", err)
		return
	}

	switch role {
	case "host":
		if !h.deps.Auth.Validate(hostKey, auth.PowerHost) {
			slog.Info("host auth refused", "room_id", roomID)
			closeWS(ws, websocket.ClosePolicyViolation, "Authentication failed")
			return
		}
		h.deps.Rooms.ActivateRoomAsHost(r.Context(), ws, roomID, room.ActivateOptions{
			SourceLang:       sourceLang,
			TargetLang:       targetLang,
			HostKey:          hostKey,
			SaveTranscript:   saveTranscript,
			PublicTranscript: clientDownload,
		})
	case "client":
		h.deps.Rooms.JoinRoomAsClient(r.Context(), ws, roomID, targetLang)
	default:
		closeWS(ws, websocket.CloseUnsupportedData, "Unknown role "+role)
	}
}
