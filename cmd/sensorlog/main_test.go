package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/vjranagit/sensorlog/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	replay := filepath.Join(dir, "replay.txt")
	if err := os.WriteFile(replay, []byte("T=21.5 : u=40\nT=22\n"), 0644); err != nil {
		t.Fatalf("Failed to write replay file: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Source.Address = "file://" + replay
	cfg.Storage.Path = filepath.Join(dir, "log.csv")
	cfg.Storage.Schema = []string{"T", "u"}
	cfg.Ingest.PollInterval = time.Millisecond
	cfg.Server.Enabled = false
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunFailsBeforeIngestingWhenArchiveCannotOpen(t *testing.T) {
	cfg := testConfig(t)

	// A regular file where the archive directory should be.
	blocker := filepath.Join(t.TempDir(), "archive")
	if err := os.WriteFile(blocker, []byte("not a directory"), 0644); err != nil {
		t.Fatalf("Failed to write blocker: %v", err)
	}
	cfg.Archive.Enabled = true
	cfg.Archive.Path = blocker

	err := run(context.Background(), cfg, discardLogger())
	if err == nil || !strings.Contains(err.Error(), "failed to open archive") {
		t.Fatalf("Expected archive open error, got %v", err)
	}

	// Nothing was ingested: the log holds only its header.
	data, err := os.ReadFile(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	if string(data) != "timestamp,T,u\n" {
		t.Errorf("Expected header only, got %q", data)
	}
}

func TestRunIngestsUntilCancelled(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, discardLogger()) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		data, _ := os.ReadFile(cfg.Storage.Path)
		if strings.Count(string(data), "\n") == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for records, log %q", data)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
