package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/confcap/confcap/internal/asr"
	"github.com/confcap/confcap/internal/config"
)

// workerCmd runs one room's recognition worker. The serve process spawns
// it and speaks framed msgpack over stdin/stdout; logs go to stderr.
func workerCmd() *cobra.Command {
	var roomID, sourceLang string
	cmd := &cobra.Command{
		Use:    "asr-worker",
		Short:  "Run one room's recognition worker (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), roomID, sourceLang)
		},
	}
	cmd.Flags().StringVar(&roomID, "room", "", "room id this worker serves")
	cmd.Flags().StringVar(&sourceLang, "source-lang", "en", "language to transcribe")
	cmd.MarkFlagRequired("room")
	return cmd
}

func runWorker(ctx context.Context, roomID, sourceLang string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)
	slog.Info("asr worker starting", "room_id", roomID, "source_lang", sourceLang,
		"engine_url", cfg.ASR.EngineURL)

	engine, err := asr.DialEngine(ctx, asr.EngineConfig{
		URL:            cfg.ASR.EngineURL,
		Model:          cfg.ASR.Model,
		SourceLang:     sourceLang,
		Diarization:    cfg.ASR.Diarization,
		VAC:            cfg.ASR.VAC,
		BufferTrimming: cfg.ASR.BufferTrimming,
		MinChunkSize:   cfg.ASR.MinChunkSize,
		VACChunkSize:   cfg.ASR.VACChunkSize,
		Device:         cfg.ASR.Device,
		ComputeType:    cfg.ASR.ComputeType,
	})
	if err != nil {
		return fmt.Errorf("dialing recognition engine: %w", err)
	}

	if err := asr.RunWorker(ctx, os.Stdin, os.Stdout, engine); err != nil {
		return fmt.Errorf("worker loop: %w", err)
	}
	slog.Info("asr worker stopped", "room_id", roomID)
	return nil
}
