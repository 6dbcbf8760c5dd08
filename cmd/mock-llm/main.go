// Package main implements an OpenAI-compatible mock LLM server for running
// semforge executions offline.
//
// Responses come from fixture files named by model:
//
//	writer.txt          returned for every call to model "writer"
//	writer.1.txt        returned for the first call, then writer.txt
//	checker.2.error     second call to "checker" fails; the file holds the HTTP status
//
// Numbered fixtures are served in order and the base file repeats once they
// run out, which is how a rejection → retry → approval loop is scripted.
// Files ending in .json must hold valid JSON; .txt is returned verbatim.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		addr       string
		latency    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mock-llm",
		Short: "Serve scripted chat completions from fixture files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if fixtureDir == "" {
				return fmt.Errorf("--fixtures (or MOCK_LLM_FIXTURES) is required")
			}

			fixtures, err := loadFixtures(fixtureDir)
			if err != nil {
				return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
			}
			for model, seq := range fixtures {
				slog.Info("Fixture loaded", "model", model, "responses", len(seq))
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv := &http.Server{
				Addr:              addr,
				Handler:           newServer(fixtures, latency, slog.Default()).routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				_ = srv.Shutdown(shutdownCtx)
			}()

			slog.Info("Mock LLM server listening", "addr", addr, "latency", latency)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture files")
	cmd.Flags().StringVar(&addr, "addr", ":11434", "Listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "Delay added before every completion")
	return cmd
}
