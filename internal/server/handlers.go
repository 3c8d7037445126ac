package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/confcap/confcap/internal/auth"
	"github.com/confcap/confcap/internal/transcript"
)

type handler struct {
	deps  Deps
	ready *atomic.Bool
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// respondFail is the uniform refusal body for auth, validation and
// capacity failures on the JSON surface.
func respondFail(w http.ResponseWriter) {
	respondJSON(w, map[string]string{"status": "fail"}, http.StatusServiceUnavailable)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondFail(w)
		return false
	}
	return true
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		respondJSON(w, map[string]string{"status": "not ready"}, http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type loginRequest struct {
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (h *handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	creds, err := h.deps.Auth.Login(req.Password, req.Role)
	if err != nil {
		slog.Info("login refused", "role", req.Role)
		respondFail(w)
		return
	}
	respondJSON(w, map[string]any{
		"status":       "ok",
		"key":          creds.Key,
		"power":        creds.Power,
		"expire_hours": creds.ExpireHours,
	}, http.StatusOK)
}

type keyRequest struct {
	Key string `json:"key"`
}

func (h *handler) Auth(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	power, ok := h.deps.Auth.Lookup(req.Key)
	if !ok {
		respondFail(w)
		return
	}
	respondJSON(w, map[string]string{"status": "valid", "power": power.String()}, http.StatusOK)
}

func (h *handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !h.deps.Auth.Validate(req.Key, auth.PowerHost) {
		respondFail(w)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (h *handler) RoomList(w http.ResponseWriter, r *http.Request) {
	resp, err := h.deps.Rooms.RoomList(r.Context())
	if err != nil {
		slog.Error("room list", "error", err)
		respondFail(w)
		return
	}
	respondJSON(w, resp, http.StatusOK)
}

// voteEntry is one votable event with its current count.
type voteEntry struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Track     string `json:"track,omitempty"`
	Room      string `json:"room,omitempty"`
	Presenter string `json:"presenter,omitempty"`
	Votes     int    `json:"votes"`
}

// VoteList returns the schedule's votable events (do_not_record excluded)
// with their current counts.
func (h *handler) VoteList(w http.ResponseWriter, r *http.Request) {
	events, err := h.deps.Events.AllEvents(r.Context())
	if err != nil {
		slog.Error("vote list", "error", err)
		respondFail(w)
		return
	}
	counts := h.deps.Votes.Counts()
	entries := make([]voteEntry, 0, len(events))
	for _, ev := range events {
		if ev.DoNotRecord {
			continue
		}
		entries = append(entries, voteEntry{
			Code:      ev.Code,
			Title:     ev.Title,
			Track:     ev.Track,
			Room:      ev.Room,
			Presenter: ev.Presenter(),
			Votes:     counts[ev.Code],
		})
	}
	respondJSON(w, map[string]any{"status": "ok", "votes": entries}, http.StatusOK)
}

func (h *handler) VoteAdd(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Votes.Add(chi.URLParam(r, "code"))
	if err != nil {
		slog.Error("vote add", "error", err)
		respondFail(w)
		return
	}
	respondJSON(w, map[string]any{"status": "ok", "count": count}, http.StatusOK)
}

func (h *handler) VoteRemove(w http.ResponseWriter, r *http.Request) {
	count, err := h.deps.Votes.Remove(chi.URLParam(r, "code"))
	if err != nil {
		respondFail(w)
		return
	}
	respondJSON(w, map[string]any{"status": "ok", "count": count}, http.StatusOK)
}

// transcriptEntry pairs a stored transcript with its event metadata.
type transcriptEntry struct {
	ID                  string `json:"id"`
	Title               string `json:"title,omitempty"`
	Track               string `json:"track,omitempty"`
	Location            string `json:"location,omitempty"`
	Presenter           string `json:"presenter,omitempty"`
	Description         string `json:"description,omitempty"`
	FirstChunkTimestamp int64  `json:"firstChunkTimestamp"`
	LastChunkTimestamp  int64  `json:"lastChunkTimestamp"`
}

func (h *handler) TranscriptList(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	infos, err := h.deps.Store.List(req.Key)
	if err != nil {
		slog.Error("transcript list", "error", err)
		respondFail(w)
		return
	}
	entries := make([]transcriptEntry, 0, len(infos))
	for _, info := range infos {
		ev, err := h.deps.Events.EventByID(r.Context(), info.RoomID)
		if err != nil {
			// dev-room sessions and stale directories have no event
			slog.Warn("transcript without schedule entry skipped", "room_id", info.RoomID)
			continue
		}
		entries = append(entries, transcriptEntry{
			ID:                  info.RoomID,
			Title:               ev.Title,
			Track:               ev.Track,
			Location:            ev.Room,
			Presenter:           ev.Presenter(),
			Description:         ev.Description,
			FirstChunkTimestamp: info.FirstChunkTimestamp,
			LastChunkTimestamp:  info.LastChunkTimestamp,
		})
	}
	respondJSON(w, entries, http.StatusOK)
}

func (h *handler) Transcript(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	roomID := chi.URLParam(r, "id")
	lang := chi.URLParam(r, "lang")

	text, err := h.deps.Store.Compile(req.Key, roomID, lang)
	if err != nil {
		if !errors.Is(err, transcript.ErrForbidden) && !errors.Is(err, transcript.ErrNoTranscript) {
			slog.Error("transcript compile", "room_id", roomID, "error", err)
		}
		respondFail(w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}

func (h *handler) CloseRoom(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !h.deps.Auth.Validate(req.Key, auth.PowerAdmin) {
		respondFail(w)
		return
	}
	roomID := chi.URLParam(r, "id")
	if err := h.deps.Rooms.DeactivateRoom(r.Context(), roomID); err != nil {
		slog.Warn("room close refused", "room_id", roomID, "error", err)
		respondFail(w)
		return
	}
	slog.Info("room closed by admin", "room_id", roomID)
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
