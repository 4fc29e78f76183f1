// Package main implements a mock LLM server for offline testing of the
// studyboard gateway. It serves OpenAI-compatible /v1/chat/completions
// responses from fixture files, routing by the "model" field in the request.
//
// Usage:
//
//	mock-llm --fixtures /path/to/fixtures --port 11434
//
// Fixture files are plain text named by model ("qwen-vl.txt" maps to model
// "qwen-vl"); the file content becomes the assistant message. Numbered files
// ("qwen-vl.1.txt", "qwen-vl.2.txt") are served in order before the base file,
// which then repeats. A fixture whose first line is "HTTP <status>" answers
// with that status instead, for exercising retry and fallback paths.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
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
		port       int
	)

	cmd := &cobra.Command{
		Use:          "mock-llm",
		Short:        "OpenAI-compatible LLM server backed by fixture files",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_LLM_FIXTURES")
			}
			if fixtureDir == "" {
				fixtureDir = "/fixtures"
			}
			return run(cmd.Context(), fixtureDir, port)
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory containing fixture response files (or MOCK_LLM_FIXTURES)")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	return cmd
}

func run(parent context.Context, fixtureDir string, port int) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	fixtures, err := loadFixtures(fixtureDir)
	if err != nil {
		return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
	}
	models := make([]string, 0, len(fixtures))
	for model := range fixtures {
		models = append(models, model)
	}
	sort.Strings(models)
	for _, model := range models {
		logger.Info("Fixture model loaded", "model", model, "fixtures", len(fixtures[model]))
	}

	s := newServer(fixtures, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("Mock LLM server listening", "addr", srv.Addr, "models", len(models))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}
