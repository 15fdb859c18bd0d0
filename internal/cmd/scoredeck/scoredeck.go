// Package scoredeck parses CLI flags and runs log maintenance commands:
// append, export, import, verify, and state.
package scoredeck

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/louisbranch/scoredeck/internal/engine/bundle"
	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/integrity"
	"github.com/louisbranch/scoredeck/internal/engine/snapshot"
	"github.com/louisbranch/scoredeck/internal/engine/storage/sqlite"
	"github.com/louisbranch/scoredeck/internal/platform/config"
	"github.com/louisbranch/scoredeck/internal/platform/id"
	"github.com/louisbranch/scoredeck/internal/platform/otel"
	"github.com/louisbranch/scoredeck/internal/scoring"
)

// Config holds scoredeck command configuration.
type Config struct {
	DBPath        string `env:"SCOREDECK_DB" envDefault:"scoredeck.db"`
	SnapshotEvery int    `env:"SCOREDECK_SNAPSHOT_EVERY" envDefault:"25"`
}

// ParseConfig parses environment and flags into a Config, returning the
// remaining positional arguments.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, []string, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, nil, err
	}
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the log database file")
	fs.IntVar(&cfg.SnapshotEvery, "snapshot-every", cfg.SnapshotEvery, "snapshot interval in events")
	if err := fs.Parse(args); err != nil {
		return Config{}, nil, err
	}
	return cfg, fs.Args(), nil
}

// Run dispatches the subcommand in args against the configured log.
func Run(ctx context.Context, cfg Config, args []string) error {
	shutdown, err := otel.Setup(ctx, "scoredeck")
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdown(context.Background())

	if len(args) == 0 {
		return fmt.Errorf("usage: scoredeck [flags] <append|export|import|verify|state> [args]")
	}

	switch args[0] {
	case "append":
		return runAppend(ctx, cfg, args[1:])
	case "export":
		return runExport(ctx, cfg, args[1:])
	case "import":
		return runImport(ctx, cfg, args[1:])
	case "verify":
		return runVerify(ctx, cfg)
	case "state":
		return runState(ctx, cfg, args[1:])
	default:
		return fmt.Errorf("unknown command %q (want append, export, import, verify, or state)", args[0])
	}
}

func openStore(cfg Config) (*sqlite.Store, error) {
	return sqlite.Open(cfg.DBPath, scoring.Registry(), scoring.Reducer{},
		sqlite.WithSnapshotEvery(cfg.SnapshotEvery),
	)
}

// runAppend commits one event from the command line. A fresh event ID is
// minted unless -id pins one for idempotent retries.
func runAppend(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("append", flag.ContinueOnError)
	eventID := fs.String("id", "", "event id (defaults to a generated one)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: scoredeck append [-id <eventId>] <type> <payload-json>")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	evt := event.Event{
		ID:      *eventID,
		Type:    event.Type(fs.Arg(0)),
		Payload: []byte(fs.Arg(1)),
	}
	if evt.ID == "" {
		generated, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate event id: %w", err)
		}
		evt.ID = generated
	}

	commit, err := store.AppendEvent(ctx, evt)
	if err != nil {
		return err
	}
	slog.Info("event committed", "eventId", evt.ID, "seq", commit.Seq, "duplicate", commit.Duplicate)
	return nil
}

// runExport writes the full log as a JSON bundle to stdout or -o file.
func runExport(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("o", "", "output file (defaults to stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := bundle.Export(ctx, store)
	if err != nil {
		return err
	}
	data, err := bundle.Encode(b)
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	slog.Info("bundle exported", "file", *out, "events", len(b.Events))
	return nil
}

// runImport replaces the log with the bundle in the given file ("-" reads
// stdin).
func runImport(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: scoredeck import <bundle.json>")
	}

	var data []byte
	var err error
	if fs.Arg(0) == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(fs.Arg(0))
	}
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}

	b, err := bundle.Decode(data)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	height, err := bundle.Import(ctx, store, b)
	if err != nil {
		return err
	}
	slog.Info("bundle imported", "db", cfg.DBPath, "height", height)
	return nil
}

// runVerify checks the log invariants and fails when any are violated.
func runVerify(ctx context.Context, cfg Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := integrity.VerifyLog(ctx, store, scoring.Registry())
	if err != nil {
		return err
	}
	if !report.OK() {
		return fmt.Errorf("log verification failed (%d events checked):\n  %s",
			report.Checked, strings.Join(report.Problems, "\n  "))
	}
	slog.Info("log verified", "db", cfg.DBPath, "height", report.Height, "events", report.Checked)
	return nil
}

// runState prints the aggregate at the log head, or at -height N.
func runState(ctx context.Context, cfg Config, args []string) error {
	fs := flag.NewFlagSet("state", flag.ContinueOnError)
	height := fs.Uint64("height", 0, "derive the aggregate as of this height (0 means head)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr := snapshot.Manager{
		Store:    store,
		Reducer:  scoring.Reducer{},
		Registry: scoring.Registry(),
	}

	var state any
	at := *height
	if at == 0 {
		at, state, err = mgr.Rehydrate(ctx)
	} else {
		state, err = mgr.StateAt(ctx, at)
	}
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(map[string]any{"height": at, "state": state}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
