// Package main provides the CLI entry point for the OpenMates core
// service: the AI request orchestration pipeline behind the edge.
//
// Start the server:
//
//	openmates serve --config core.yaml
//
// Verify the environment before serving:
//
//	openmates doctor
//
// Configuration can also come from environment variables, notably
// VAULT_URL, VAULT_TOKEN, and SERVER_ENVIRONMENT; a .env file in the
// working directory is loaded on boot.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "openmates",
		Short: "OpenMates core - AI request orchestration pipeline",
		Long: `OpenMates core turns encrypted user messages into streamed assistant
responses: provider routing, skill dispatch, credit accounting, and
zero-knowledge persistence.

Tasks arrive from the edge over the Redis intake list; events stream
back per task over pub/sub.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDoctorCmd(),
	)
	return rootCmd
}
