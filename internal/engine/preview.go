package engine

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/louisbranch/scoredeck/internal/engine/snapshot"
)

// PreviewAt derives the aggregate as of the given height without touching
// the live state, rebuilding from the nearest usable snapshot at or below
// it. Concurrent previews are last-request-wins: an older call that
// finishes after a newer one started returns ErrPreviewSuperseded.
func (in *Instance) PreviewAt(ctx context.Context, height uint64) (any, error) {
	ctx, span := in.tracer.Start(ctx, "engine.PreviewAt", trace.WithAttributes(
		attribute.String("log.name", in.cfg.LogName),
		attribute.Int64("preview.height", int64(height)),
	))
	defer span.End()

	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil, ErrClosed
	}
	in.previewGen++
	gen := in.previewGen
	mgr := snapshot.Manager{
		Store:    in.store,
		Reducer:  in.reducer,
		Registry: in.registry,
		Replay:   in.cfg.Replay,
		Warn:     in.warn,
	}
	in.mu.Unlock()

	state, err := mgr.StateAt(ctx, height)
	if err != nil {
		return nil, err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil, ErrClosed
	}
	if gen != in.previewGen {
		return nil, ErrPreviewSuperseded
	}
	return state, nil
}
