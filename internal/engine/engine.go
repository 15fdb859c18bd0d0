// Package engine exposes the instance runtime bound to one durable event
// log: validated appends, the in-memory aggregate cache, change
// subscriptions, historical previews, and convergence with sibling
// instances sharing the log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/notify"
	"github.com/louisbranch/scoredeck/internal/engine/snapshot"
	"github.com/louisbranch/scoredeck/internal/engine/storage"
)

// ErrClosed is returned by operations on a closed instance.
var ErrClosed = errors.New("instance is closed")

// ErrPreviewSuperseded is returned when a newer PreviewAt call started
// before this one finished. Preview is last-request-wins: a stale result
// must never shadow a newer one.
var ErrPreviewSuperseded = errors.New("preview superseded by a newer request")

const catchUpPageSize = 200

// Config carries the runtime knobs for one instance.
type Config struct {
	// LogName identifies the log in logs and trace attributes.
	LogName string
	// UseChannel enables the broadcast signal path when a notifier handle
	// is supplied.
	UseChannel bool
	// PollInterval sets the fallback polling cadence over the durable sync
	// signal. Zero means notify.DefaultPollInterval; a negative value
	// disables polling.
	PollInterval time.Duration
	// Replay controls how corrupt records are treated during replay.
	Replay storage.ReplayPolicy
	// OnWarn receives non-fatal anomaly reports. Nil logs them.
	OnWarn storage.WarnFunc
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Deps are the explicit handles an instance owns. They are injected rather
// than discovered so multiple logs and tests stay isolated.
type Deps struct {
	Store    storage.LogStore
	Reducer  storage.Reducer
	Registry *event.Registry
	// Notifier is the broadcast channel shared with sibling instances.
	// Optional; the durable signal poller covers its absence.
	Notifier notify.Notifier
}

type emission struct {
	state  any
	height uint64
}

// Instance is the public runtime bound to one log. Operations on one
// instance are serialized; they never interleave mid-transaction.
type Instance struct {
	cfg      Config
	store    storage.LogStore
	reducer  storage.Reducer
	registry *event.Registry
	notifier notify.Notifier
	logger   *slog.Logger
	warn     storage.WarnFunc
	tracer   trace.Tracer

	mu         sync.Mutex
	height     uint64
	state      any
	subs       map[int]func(state any, height uint64)
	nextSub    int
	previewGen uint64
	closed     bool

	emitMu   sync.Mutex
	lastEmit uint64

	cancelSignal func()
	poller       *notify.Poller
}

// New rehydrates the aggregate from the store and starts the sync paths.
// The instance takes ownership of the store handle; Close releases it.
func New(ctx context.Context, cfg Config, deps Deps) (*Instance, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store handle is required")
	}
	if deps.Reducer == nil {
		return nil, fmt.Errorf("reducer is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("event registry is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	warn := cfg.OnWarn
	if warn == nil {
		warn = slogWarn(logger, cfg.LogName)
	}

	mgr := snapshot.Manager{
		Store:    deps.Store,
		Reducer:  deps.Reducer,
		Registry: deps.Registry,
		Replay:   cfg.Replay,
		Warn:     warn,
	}
	height, state, err := mgr.Rehydrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate log %q: %w", cfg.LogName, err)
	}

	in := &Instance{
		cfg:      cfg,
		store:    deps.Store,
		reducer:  deps.Reducer,
		registry: deps.Registry,
		notifier: deps.Notifier,
		logger:   logger,
		warn:     warn,
		tracer:   otel.Tracer("github.com/louisbranch/scoredeck/internal/engine"),
		height:   height,
		state:    state,
		subs:     make(map[int]func(any, uint64)),
		lastEmit: height,
	}

	if cfg.UseChannel && deps.Notifier != nil {
		in.cancelSignal = deps.Notifier.Subscribe(in.onSignal)
	}
	if cfg.PollInterval >= 0 {
		in.poller = notify.NewPoller(deps.Store, cfg.PollInterval, in.onPoll)
		in.poller.Start()
	}

	return in, nil
}

// Append validates and commits one event, applies it to the in-memory
// aggregate, and notifies subscribers and siblings. Re-appending an event ID
// already in the log resolves to the original commit's height without any
// further effect.
func (in *Instance) Append(ctx context.Context, evt event.Event) (uint64, error) {
	ctx, span := in.tracer.Start(ctx, "engine.Append", trace.WithAttributes(
		attribute.String("log.name", in.cfg.LogName),
		attribute.String("event.type", string(evt.Type)),
	))
	defer span.End()

	if err := in.registry.Validate(evt); err != nil {
		return 0, err
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0, ErrClosed
	}

	commit, err := in.store.AppendEvent(ctx, evt)
	if err != nil {
		in.mu.Unlock()
		return 0, err
	}
	if commit.Duplicate {
		in.mu.Unlock()
		return commit.Seq, nil
	}

	var emits []emission
	if commit.Seq == in.height+1 {
		in.state = in.reducer.Reduce(in.state, evt)
		in.height = commit.Seq
		emits = []emission{{state: in.state, height: in.height}}
	} else {
		// A sibling advanced the log past us; fold forward from the store.
		emits = in.catchUpLocked(ctx)
	}
	in.mu.Unlock()

	in.emit(emits)
	in.broadcast(commit.Seq)
	return commit.Seq, nil
}

// AppendMany commits events in list order inside one transaction: either the
// whole batch commits or none of it does. Duplicate IDs commit once. It
// returns the log height after the batch.
func (in *Instance) AppendMany(ctx context.Context, events []event.Event) (uint64, error) {
	ctx, span := in.tracer.Start(ctx, "engine.AppendMany", trace.WithAttributes(
		attribute.String("log.name", in.cfg.LogName),
		attribute.Int("batch.size", len(events)),
	))
	defer span.End()

	for i, evt := range events {
		if err := in.registry.Validate(evt); err != nil {
			return 0, fmt.Errorf("event %d: %w", i, err)
		}
	}

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return 0, ErrClosed
	}
	if len(events) == 0 {
		height := in.height
		in.mu.Unlock()
		return height, nil
	}

	commit, err := in.store.BatchAppend(ctx, events)
	if err != nil {
		in.mu.Unlock()
		return 0, err
	}

	emits := in.catchUpLocked(ctx)
	height := in.height
	in.mu.Unlock()

	in.emit(emits)
	if !commit.Duplicate {
		in.broadcast(commit.Seq)
	}
	return height, nil
}

// State returns the aggregate after the last locally- or remotely-applied
// commit.
func (in *Instance) State() any {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Height returns the sequence of the most recently applied event.
func (in *Instance) Height() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.height
}

// Subscribe registers fn to run after every applied commit, at most once per
// distinct height and in non-decreasing height order. The returned cancel
// func is idempotent. Callbacks must not block.
func (in *Instance) Subscribe(fn func(state any, height uint64)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return func() {}
	}
	id := in.nextSub
	in.nextSub++
	in.subs[id] = fn
	return func() {
		in.mu.Lock()
		defer in.mu.Unlock()
		delete(in.subs, id)
	}
}

// Close stops the sync paths, drops subscribers, and releases the store
// handle. No callbacks fire after Close returns.
func (in *Instance) Close() error {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.subs = make(map[int]func(any, uint64))
	cancelSignal := in.cancelSignal
	poller := in.poller
	in.mu.Unlock()

	if cancelSignal != nil {
		cancelSignal()
	}
	if poller != nil {
		poller.Stop()
	}
	return in.store.Close()
}

// onSignal handles a broadcast height signal from a sibling.
func (in *Instance) onSignal(height uint64) {
	in.mu.Lock()
	behind := !in.closed && height > in.height
	in.mu.Unlock()
	if behind {
		in.syncFromStore()
	}
}

// onPoll handles a durable sync-counter change.
func (in *Instance) onPoll() {
	in.syncFromStore()
}

func (in *Instance) syncFromStore() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	emits := in.catchUpLocked(context.Background())
	in.mu.Unlock()
	in.emit(emits)
}

// catchUpLocked folds committed events past the in-memory height into the
// aggregate, one emission per applied height. Callers hold in.mu.
func (in *Instance) catchUpLocked(ctx context.Context) []emission {
	var emits []emission
	for {
		events, err := in.store.ListEvents(ctx, in.height, catchUpPageSize)
		if err != nil {
			in.warn(storage.WarnLogReadFailed, map[string]any{
				"log":    in.cfg.LogName,
				"height": in.height,
				"error":  err.Error(),
			})
			return emits
		}
		if len(events) == 0 {
			return emits
		}
		for i := range events {
			state, height, err := snapshot.Fold(in.reducer, in.registry, in.cfg.Replay, in.warn, in.state, in.height, events[i:i+1])
			if err != nil {
				in.logger.Error("replay halted", "log", in.cfg.LogName, "error", err)
				return emits
			}
			in.state = state
			in.height = height
			emits = append(emits, emission{state: state, height: height})
		}
	}
}

// emit delivers emissions in non-decreasing height order, skipping heights
// an earlier emitter already delivered.
func (in *Instance) emit(emits []emission) {
	if len(emits) == 0 {
		return
	}
	in.emitMu.Lock()
	defer in.emitMu.Unlock()
	for _, e := range emits {
		if e.height <= in.lastEmit {
			continue
		}
		in.lastEmit = e.height

		in.mu.Lock()
		if in.closed {
			in.mu.Unlock()
			return
		}
		fns := make([]func(any, uint64), 0, len(in.subs))
		for _, fn := range in.subs {
			fns = append(fns, fn)
		}
		in.mu.Unlock()

		for _, fn := range fns {
			fn(e.state, e.height)
		}
	}
}

func (in *Instance) broadcast(height uint64) {
	if in.cfg.UseChannel && in.notifier != nil {
		in.notifier.Notify(height)
	}
}

func slogWarn(logger *slog.Logger, logName string) storage.WarnFunc {
	return func(code string, info map[string]any) {
		attrs := make([]any, 0, 2*len(info)+4)
		attrs = append(attrs, "log", logName, "code", code)
		for key, value := range info {
			attrs = append(attrs, key, value)
		}
		logger.Warn("log anomaly", attrs...)
	}
}
