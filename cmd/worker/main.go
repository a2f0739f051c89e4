package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/docmend/docmend/internal/config"
	"github.com/docmend/docmend/internal/domain"
	"github.com/docmend/docmend/internal/platform/docker"
)

// Sandbox verification harness: runs one known-good snippet through the full
// isolation path so a broken Docker setup is caught before the server takes
// real traffic.
func main() {
	// 1. Initialize logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)
	slog.Info("Starting sandbox verification...")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize sandbox engine (fails fast if Docker is unavailable).
	// Generous timeout to allow for cold image pulls.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	engine, err := docker.NewEngine(ctx, cfg.KillGrace)
	if err != nil {
		slog.Error("Failed to initialize sandbox engine", "error", err)
		os.Exit(1)
	}

	// 3. Run the verification snippet
	slog.Info("Running verification snippet...")
	res, err := engine.Execute(ctx, domain.ExecRequest{
		TaskID:    "verify",
		SnippetID: "verify",
		Attempt:   1,
		Language:  domain.LangPython,
		Code:      "print('sandbox verified')",
		Timeout:   cfg.SnippetTimeout,
		Limits:    cfg.Limits(),
	})
	if err != nil {
		slog.Error("Verification failed", "error", err)
		os.Exit(1)
	}
	if !res.Success {
		slog.Error("Verification snippet did not pass",
			"errorKind", res.ErrorKind, "stderr", res.Stderr)
		os.Exit(1)
	}

	slog.Info("Sandbox verified", "stdout", res.Stdout, "duration", res.Duration)
}
