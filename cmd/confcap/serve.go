package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/auth"
	"github.com/confcap/confcap/internal/config"
	"github.com/confcap/confcap/internal/room"
	"github.com/confcap/confcap/internal/schedule"
	"github.com/confcap/confcap/internal/server"
	"github.com/confcap/confcap/internal/telemetry"
	"github.com/confcap/confcap/internal/transcript"
	"github.com/confcap/confcap/internal/translate"
	"github.com/confcap/confcap/internal/votes"
)

// serveCmd starts the captioning service
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the captioning service",
		Long: `Start the HTTP/WS front and the room fleet.

Each room a host activates gets its own recognition worker process
(spawned as "confcap asr-worker") and a translation worker polling the
MT service. The MT service's supported languages are queried once at
startup; a failure there is fatal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	shutdownTracer, err := telemetry.Init("confcap")
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTracer(context.Background())
	}

	mt := translate.NewClient(cfg.Translator.URL)
	targetLangs, err := mt.Languages(ctx)
	if err != nil {
		return fmt.Errorf("querying translation service languages: %w", err)
	}
	slog.Info("translation service ready", "url", cfg.Translator.URL, "target_langs", targetLangs)

	var fakeNow *time.Time
	if cfg.Schedule.FakeNow != "" {
		t, err := config.ParseFakeNow(cfg.Schedule.FakeNow)
		if err != nil {
			return err
		}
		fakeNow = &t
		slog.Warn("schedule clock pinned", "fake_now", t)
	}
	sched := schedule.NewProvider(schedule.Config{
		URL:     cfg.Schedule.URL,
		TTL:     cfg.CacheTTL(),
		Filter:  cfg.Schedule.Filter,
		FakeNow: fakeNow,
	})

	tally, err := votes.NewTally(cfg.Data.VotesDir)
	if err != nil {
		return fmt.Errorf("opening vote tally: %w", err)
	}
	store := transcript.NewStore(cfg.Data.TranscriptDir)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}
	deps := room.Deps{
		Translator: mt,
		NewTranscriber: func(roomID, sourceLang string) (room.Transcriber, error) {
			return asr.NewProcess(exe,
				"asr-worker",
				"--config", cfgPath,
				"--room", roomID,
				"--source-lang", sourceLang,
			), nil
		},
		Store:          store,
		TranscriptRoot: cfg.Data.TranscriptDir,
	}
	rooms := room.NewManager(sched, deps, room.ManagerConfig{
		SourceLangs: cfg.ASR.Langs,
		TargetLangs: targetLangs,
		MaxActive:   cfg.Rooms.MaxActive,
		CloseAfter:  cfg.CloseAfter(),
		DevRoomID:   cfg.Rooms.DevRoomID,
	})

	srv := server.NewServer(server.Deps{
		Cfg:    &cfg,
		Auth:   auth.NewManager(cfg.HostPassword, cfg.AdminPassword),
		Rooms:  rooms,
		Events: sched,
		Votes:  tally,
		Store:  store,
	})

	// MT languages and the schedule provider are primed at this point
	srv.SetReady()

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for _, r := range rooms.ActiveRooms() {
			if err := r.Deactivate(shutdownCtx); err != nil {
				slog.Warn("room teardown", "room_id", r.ID, "error", err)
			}
		}
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("server stopped")
		return nil
	}
}
