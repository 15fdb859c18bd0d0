package scoredeck

import (
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("scoredeck", flag.ContinueOnError)
	cfg, args, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "scoredeck.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.SnapshotEvery != 25 {
		t.Fatalf("expected default snapshot cadence 25, got %d", cfg.SnapshotEvery)
	}
	if len(args) != 0 {
		t.Fatalf("expected no positional args, got %v", args)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("scoredeck", flag.ContinueOnError)
	cfg, args, err := ParseConfig(fs, []string{"-db", "/tmp/x.db", "-snapshot-every", "10", "verify"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "/tmp/x.db" {
		t.Fatalf("expected db override, got %q", cfg.DBPath)
	}
	if cfg.SnapshotEvery != 10 {
		t.Fatalf("expected snapshot cadence 10, got %d", cfg.SnapshotEvery)
	}
	if len(args) != 1 || args[0] != "verify" {
		t.Fatalf("expected [verify], got %v", args)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "log.db"), SnapshotEvery: 25}
	err := Run(context.Background(), cfg, []string{"frobnicate"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestRunRequiresSubcommand(t *testing.T) {
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "log.db"), SnapshotEvery: 25}
	err := Run(context.Background(), cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRunVerifyOnFreshLog(t *testing.T) {
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "log.db"), SnapshotEvery: 25}
	if err := Run(context.Background(), cfg, []string{"verify"}); err != nil {
		t.Fatalf("verify on empty log: %v", err)
	}
}

func TestRunAppendThenVerify(t *testing.T) {
	ctx := context.Background()
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "log.db"), SnapshotEvery: 25}

	if err := Run(ctx, cfg, []string{"append", "player/added", `{"id":"p1","name":"Alice"}`}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := Run(ctx, cfg, []string{"append", "-id", "e2", "player/added", `{"id":"p2","name":"Bob"}`}); err != nil {
		t.Fatalf("append with pinned id: %v", err)
	}
	// Retrying the pinned id is a no-op, not an error.
	if err := Run(ctx, cfg, []string{"append", "-id", "e2", "player/added", `{"id":"p2","name":"Bob"}`}); err != nil {
		t.Fatalf("idempotent retry: %v", err)
	}
	if err := Run(ctx, cfg, []string{"verify"}); err != nil {
		t.Fatalf("verify after appends: %v", err)
	}
}

func TestRunAppendRejectsInvalidPayload(t *testing.T) {
	cfg := Config{DBPath: filepath.Join(t.TempDir(), "log.db"), SnapshotEvery: 25}
	err := Run(context.Background(), cfg, []string{"append", "player/added", `{"name":"NoID"}`})
	if err == nil {
		t.Fatal("invalid payload committed")
	}
}
