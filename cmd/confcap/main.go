package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "confcap",
		Short: "confcap - live conference captioning and translation",
		Long: `confcap captions conference rooms in real time: one recognition
worker process per active room, sentence-level transcript reconciliation,
and machine translation into every language the audience asks for.`,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yml", "path to the YAML configuration file")

	rootCmd.AddCommand(
		serveCmd(),
		workerCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging routes slog to stderr; stdout stays free for the worker's
// framed IPC.
func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// versionCmd shows version information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("confcap %s\n", version)
			fmt.Printf("  Commit:     %s\n", commit)
			fmt.Printf("  Build Date: %s\n", buildDate)
		},
	}
}
