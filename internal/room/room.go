package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/schedule"
	"github.com/confcap/confcap/internal/transcript"
	"github.com/confcap/confcap/internal/translate"
)

// stopTimeout bounds how long a worker process gets to exit cleanly.
const stopTimeout = 10 * time.Second

// ErrNotActive is returned for lifecycle operations on an inactive room.
var ErrNotActive = errors.New("room not active")

// Transcriber is one room's ASR worker handle. *asr.Process satisfies it.
type Transcriber interface {
	Start(onReady func()) error
	SendAudio(ctx context.Context, pcm []byte) error
	Hypotheses() <-chan asr.Hypothesis
	Stop(ctx context.Context) error
}

// Deps carries everything a room needs to activate.
type Deps struct {
	Translator     translate.Translator
	NewTranscriber func(roomID, sourceLang string) (Transcriber, error)
	Store          *transcript.Store
	TranscriptRoot string
	TranslateCfg   translate.WorkerConfig
}

// ActivateOptions are the host's session parameters.
type ActivateOptions struct {
	SourceLang       string
	TargetLang       string
	HostKey          string
	SaveTranscript   bool
	PublicTranscript bool
}

// Data is the room's wire representation. SourceLang appears only while
// active, HostConnectionID only while a host is attached.
type Data struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	Track            string `json:"track"`
	Location         string `json:"location"`
	Presenter        string `json:"presenter"`
	URL              string `json:"url,omitempty"`
	DoNotRecord      bool   `json:"do_not_record,omitempty"`
	Active           bool   `json:"active"`
	SourceLang       string `json:"source_lang,omitempty"`
	HostConnectionID string `json:"host_connection_id,omitempty"`
}

// Room is one captionable event. Identity is immutable; the transcription
// pipeline attached to it comes and goes with activation.
type Room struct {
	ID          string
	Title       string
	Description string
	Track       string
	Location    string
	Presenter   string
	URL         string
	DoNotRecord bool

	deps Deps

	mu         sync.Mutex
	active     bool
	sourceLang string
	opts       ActivateOptions
	rec        *transcript.Reconciler
	tw         *translate.Worker
	proc       Transcriber
	conn       *ConnectionManager

	cancelDeferred context.CancelFunc
}

// NewRoom builds an inactive room from a schedule event.
func NewRoom(ev schedule.Event, deps Deps) *Room {
	return &Room{
		ID:          ev.Code,
		Title:       ev.Title,
		Description: ev.Description,
		Track:       ev.Track,
		Location:    ev.Room,
		Presenter:   ev.Presenter(),
		URL:         ev.URL,
		DoNotRecord: ev.DoNotRecord,
		deps:        deps,
	}
}

// NewDevRoom builds the always-present development room.
func NewDevRoom(id string, deps Deps) *Room {
	return &Room{
		ID:        id,
		Title:     "Development Room",
		Track:     "Development",
		Location:  "Development",
		Presenter: "Unknown",
		deps:      deps,
	}
}

// Active reports whether a transcription pipeline is attached.
func (r *Room) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SourceLang returns the active session's source language, "" if inactive.
func (r *Room) SourceLang() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceLang
}

// Conn returns the room's connection manager, creating it on first use.
// The manager outlives activations so websockets survive restarts.
func (r *Room) Conn() *ConnectionManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connLocked()
}

func (r *Room) connLocked() *ConnectionManager {
	if r.conn == nil {
		r.conn = NewConnectionManager(r.ID)
	}
	return r.conn
}

// Data snapshots the room for the room list.
func (r *Room) Data() Data {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := Data{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Track:       r.Track,
		Location:    r.Location,
		Presenter:   r.Presenter,
		URL:         r.URL,
		DoNotRecord: r.DoNotRecord,
		Active:      r.active,
	}
	if r.active {
		d.SourceLang = r.sourceLang
	}
	if r.conn != nil {
		d.HostConnectionID = r.conn.HostID()
	}
	return d
}

// Activate builds the session pipeline: reconciler, translation worker,
// worker process, all rebound onto the connection manager. The host's
// target language is subscribed later, when the host websocket attaches.
func (r *Room) Activate(opts ActivateOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return fmt.Errorf("room %s already active", r.ID)
	}
	return r.activateLocked(opts)
}

func (r *Room) activateLocked(opts ActivateOptions) error {
	// a reactivation, restart path included, invalidates any pending
	// deferred deactivation
	r.cancelPendingDeactivationLocked()

	recCfg := transcript.ReconcilerConfig{SourceLang: opts.SourceLang}
	if opts.SaveTranscript {
		snap, err := transcript.NewSessionSnapshot(r.deps.TranscriptRoot, r.ID, time.Now())
		if err != nil {
			return fmt.Errorf("activating room %s: %w", r.ID, err)
		}
		recCfg.Snapshot = snap
		if !opts.PublicTranscript {
			if err := r.deps.Store.SetAccessKey(r.ID, opts.HostKey); err != nil {
				return fmt.Errorf("activating room %s: %w", r.ID, err)
			}
		}
	}

	rec, err := transcript.NewReconciler(recCfg)
	if err != nil {
		return fmt.Errorf("activating room %s: %w", r.ID, err)
	}
	tw := translate.NewWorker(rec, r.deps.Translator, r.deps.TranslateCfg)
	proc, err := r.deps.NewTranscriber(r.ID, opts.SourceLang)
	if err != nil {
		rec.Close()
		return fmt.Errorf("activating room %s: %w", r.ID, err)
	}

	conn := r.connLocked()
	conn.Rebind(rec, tw, proc.Hypotheses(), proc.SendAudio, func() error {
		return r.RestartEngine("")
	})
	tw.Start()
	if err := proc.Start(conn.NotifyEngineReady); err != nil {
		tw.Stop()
		rec.Close()
		return fmt.Errorf("activating room %s: %w", r.ID, err)
	}

	r.rec = rec
	r.tw = tw
	r.proc = proc
	r.sourceLang = opts.SourceLang
	r.opts = opts
	r.active = true
	slog.Info("room activated", "room_id", r.ID, "source_lang", opts.SourceLang,
		"save_transcript", opts.SaveTranscript)
	return nil
}

// RestartEngine tears down the worker pipeline and rebuilds it, reusing
// the connection manager so attached websockets survive. An empty
// sourceLang keeps the current one. Translation subscriptions carry over.
func (r *Room) RestartEngine(sourceLang string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotActive
	}
	if sourceLang == "" {
		sourceLang = r.sourceLang
	}
	slog.Info("restarting engine", "room_id", r.ID, "source_lang", sourceLang)

	targets := r.tw.Targets()
	r.connLocked().beginRebind()
	r.teardownLocked()

	opts := r.opts
	opts.SourceLang = sourceLang
	r.active = false
	if err := r.activateLocked(opts); err != nil {
		// the replacement pipeline never came up: end the rebind epoch
		// so clients get the ready_to_stop the teardown suppressed
		r.connLocked().abortRebind()
		r.sourceLang = ""
		return err
	}
	r.tw.SetTargets(targets)
	return nil
}

// Deactivate stops the pipeline. Clients receive a ready_to_stop once the
// broadcast channel drains.
func (r *Room) Deactivate(ctx context.Context) error {
	r.cancelPendingDeactivation()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return ErrNotActive
	}
	r.teardownLocked()
	r.active = false
	r.sourceLang = ""
	slog.Info("room deactivated", "room_id", r.ID)
	return nil
}

func (r *Room) teardownLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := r.proc.Stop(ctx); err != nil {
		slog.Warn("worker process stop", "room_id", r.ID, "error", err)
	}
	r.tw.Stop()
	r.rec.Close()
	r.rec = nil
	r.tw = nil
	r.proc = nil
}

// DeferDeactivation schedules a Deactivate after delay, replacing any
// pending one. onDeactivate runs only if the deactivation happens.
func (r *Room) DeferDeactivation(delay time.Duration, onDeactivate func()) {
	r.cancelPendingDeactivation()

	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancelDeferred = cancel
	r.mu.Unlock()

	slog.Info("deactivation deferred", "room_id", r.ID, "delay", delay)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		r.mu.Lock()
		r.cancelDeferred = nil
		r.mu.Unlock()
		if err := r.Deactivate(context.Background()); err != nil {
			slog.Warn("deferred deactivation", "room_id", r.ID, "error", err)
			return
		}
		if onDeactivate != nil {
			onDeactivate()
		}
	}()
}

// CancelDeactivation cancels a pending deferred deactivation, reporting
// whether one was pending.
func (r *Room) CancelDeactivation() bool {
	return r.cancelPendingDeactivation()
}

func (r *Room) cancelPendingDeactivation() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelPendingDeactivationLocked()
}

func (r *Room) cancelPendingDeactivationLocked() bool {
	cancel := r.cancelDeferred
	r.cancelDeferred = nil
	if cancel == nil {
		return false
	}
	cancel()
	slog.Info("pending deactivation cancelled", "room_id", r.ID)
	return true
}
