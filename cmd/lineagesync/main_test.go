package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/lineagesync/internal/checkpoint"
	"github.com/agentworkforce/lineagesync/internal/config"
)

const validLine = `{"id":"A","kind":"vertex-upsert","version":1,"timestamp":"2026-03-01T12:00:00Z","source":"repo-a","payload":{"typeName":"Table"}}`

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("debug", "console"); err != nil {
		t.Fatalf("expected console debug logger, got %v", err)
	}
	if _, err := newLogger("loud", "json"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestValidateEventsReportsInvalidLines(t *testing.T) {
	input := strings.Join([]string{
		validLine,
		"",
		`{"id":"A","kind":"vertex-upsert","version":0}`,
	}, "\n")
	var out bytes.Buffer
	err := validateEvents(strings.NewReader(input), &out)
	if err == nil {
		t.Fatalf("expected validation failure")
	}
	if !strings.Contains(out.String(), "line 3:") {
		t.Fatalf("expected line 3 to be reported, got %q", out.String())
	}
	if !strings.Contains(out.String(), "1 valid, 1 invalid") {
		t.Fatalf("expected summary, got %q", out.String())
	}
}

func TestValidateCommandAcceptsCleanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(validLine+"\n"+validLine+"\n"), 0o600); err != nil {
		t.Fatalf("write events: %v", err)
	}
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("validate failed: %v (%s)", err, out.String())
	}
	if !strings.Contains(out.String(), "2 valid, 0 invalid") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCheckpointCommandPrintsPersistedCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	ts := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if err := checkpoint.NewFileBackend(path).Save(context.Background(), checkpoint.Checkpoint{Timestamp: ts, UpdatedAt: ts}); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"checkpoint", "--dsn", "file://" + filepath.ToSlash(path)})
	if err := root.Execute(); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if !strings.Contains(out.String(), `"timestamp": "2026-03-01T12:30:00Z"`) {
		t.Fatalf("expected persisted timestamp, got %s", out.String())
	}
}

func TestCheckpointCommandWithNothingSaved(t *testing.T) {
	var out bytes.Buffer
	if err := printCheckpoint(context.Background(), &out, "memory://"); err != nil {
		t.Fatalf("print checkpoint: %v", err)
	}
	if !strings.Contains(out.String(), `"timestamp": null`) {
		t.Fatalf("expected null timestamp, got %s", out.String())
	}
}

func TestBuildMembership(t *testing.T) {
	registry, w, err := buildMembership(config.MembershipConfig{KnownSources: []string{"repo-a"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("static membership: %v", err)
	}
	if w != nil || !registry.IsKnownSource("repo-a") || registry.IsKnownSource("repo-b") {
		t.Fatalf("unexpected static membership")
	}

	path := filepath.Join(t.TempDir(), "cohort.yaml")
	if err := os.WriteFile(path, []byte("members:\n  - id: repo-b\n"), 0o600); err != nil {
		t.Fatalf("write cohort: %v", err)
	}
	registry, w, err = buildMembership(config.MembershipConfig{File: path, KnownSources: []string{"repo-a"}}, zap.NewNop())
	if err != nil {
		t.Fatalf("file membership: %v", err)
	}
	if w == nil || !registry.IsKnownSource("repo-b") || registry.IsKnownSource("repo-a") {
		t.Fatalf("expected the cohort file to take precedence")
	}

	if _, _, err := buildMembership(config.MembershipConfig{}, zap.NewNop()); err == nil {
		t.Fatalf("expected error without any membership source")
	}
}

func TestRedactDSN(t *testing.T) {
	got := redactDSN("postgres://lineage:hunter2@db:5432/lineage?sslmode=disable")
	if strings.Contains(got, "hunter2") {
		t.Fatalf("expected password to be redacted, got %s", got)
	}
	if got := redactDSN("memory://"); got != "memory://" {
		t.Fatalf("expected passthrough, got %s", got)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := &config.Config{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: 5 * time.Second,
		Membership:      config.MembershipConfig{KnownSources: []string{"repo-a"}},
		Feed:            config.FeedConfig{Mode: config.FeedModePoll},
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}
