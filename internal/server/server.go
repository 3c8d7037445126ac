// Package server is the HTTP/WS front: it validates inputs, resolves auth
// keys and delegates to the room manager, vote tally and transcript store.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/confcap/confcap/internal/auth"
	"github.com/confcap/confcap/internal/config"
	"github.com/confcap/confcap/internal/room"
	"github.com/confcap/confcap/internal/schedule"
	"github.com/confcap/confcap/internal/telemetry"
	"github.com/confcap/confcap/internal/transcript"
	"github.com/confcap/confcap/internal/votes"
)

const readTimeout = 30 * time.Second

// EventLookup resolves schedule metadata for the vote and transcript
// listings. *schedule.Provider satisfies it.
type EventLookup interface {
	AllEvents(ctx context.Context) ([]schedule.Event, error)
	EventByID(ctx context.Context, code string) (schedule.Event, error)
}

// Deps wires the front onto the application services.
type Deps struct {
	Cfg    *config.Config
	Auth   *auth.Manager
	Rooms  *room.Manager
	Events EventLookup
	Votes  *votes.Tally
	Store  *transcript.Store
}

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
	deps   Deps
	ready  atomic.Bool
}

func NewServer(deps Deps) *Server {
	s := &Server{cfg: deps.Cfg, deps: deps}
	router := chi.NewRouter()

	router.Use(telemetry.Middleware)
	router.Use(Recovery)
	router.Use(Logger)
	router.Use(CORS(deps.Cfg.Server.AllowedOrigins))

	h := &handler{deps: deps, ready: &s.ready}
	router.Get("/health", h.Health)
	router.Post("/login", h.Login)
	router.Post("/auth", h.Auth)
	router.Post("/validate", h.Validate)
	router.Get("/room_list", h.RoomList)
	router.Get("/vote", h.VoteList)
	router.Get("/vote/{code}/add", h.VoteAdd)
	router.Get("/vote/{code}/remove", h.VoteRemove)
	router.Post("/transcript_list", h.TranscriptList)
	router.Post("/room/{id}/transcript/{lang}", h.Transcript)
	router.Post("/room/{id}/close", h.CloseRoom)
	router.Handle("/metrics", promhttp.Handler())

	ws := newWSHandler(deps)
	router.Get("/room/{room_id}/{role}/{source_lang}/{target_lang}", ws.ServeHTTP)

	s.router = router
	return s
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// SetReady flips /health from "not ready" to "ok". Called once the
// backing services are primed.
func (s *Server) SetReady() { s.ready.Store(true) }

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: readTimeout,
		// websocket sessions are long-lived
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
