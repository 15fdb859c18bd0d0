package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/scoredeck/internal/engine"
	"github.com/louisbranch/scoredeck/internal/engine/event"
	"github.com/louisbranch/scoredeck/internal/engine/notify"
	"github.com/louisbranch/scoredeck/internal/engine/storage/sqlite"
	"github.com/louisbranch/scoredeck/internal/scoring"
)

func newInstance(t *testing.T, path string, hub notify.Notifier, pollInterval time.Duration) *engine.Instance {
	t.Helper()
	store, err := sqlite.Open(path, scoring.Registry(), scoring.Reducer{}, sqlite.WithSnapshotEvery(5))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	inst, err := engine.New(context.Background(), engine.Config{
		LogName:      "test",
		UseChannel:   hub != nil,
		PollInterval: pollInterval,
	}, engine.Deps{
		Store:    store,
		Reducer:  scoring.Reducer{},
		Registry: scoring.Registry(),
		Notifier: hub,
	})
	if err != nil {
		t.Fatalf("new instance: %v", err)
	}
	t.Cleanup(func() { _ = inst.Close() })
	return inst
}

func addPlayer(id, player, name string) event.Event {
	return event.Event{
		ID:      id,
		Type:    event.TypePlayerAdded,
		Payload: []byte(fmt.Sprintf(`{"id":%q,"name":%q}`, player, name)),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func stateJSON(t *testing.T, state any) string {
	t.Helper()
	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestAppend_AdvancesHeightAndState(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	if h := inst.Height(); h != 0 {
		t.Fatalf("fresh height = %d, want 0", h)
	}

	seq, err := inst.Append(ctx, addPlayer("e1", "p1", "Alice"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq != 1 || inst.Height() != 1 {
		t.Fatalf("seq = %d, height = %d, want 1/1", seq, inst.Height())
	}

	state := inst.State().(*scoring.State)
	if state.Players["p1"] != "Alice" {
		t.Fatalf("Players[p1] = %q, want Alice", state.Players["p1"])
	}
}

func TestAppend_IdenticalEventIsIdempotent(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	evt := addPlayer("e1", "p1", "Alice")
	if _, err := inst.Append(ctx, evt); err != nil {
		t.Fatal(err)
	}
	seq, err := inst.Append(ctx, evt)
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if seq != 1 {
		t.Fatalf("re-append seq = %d, want original 1", seq)
	}
	if h := inst.Height(); h != 1 {
		t.Fatalf("height = %d after re-append, want 1", h)
	}
}

func TestAppend_RejectsInvalidWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	_, err := inst.Append(ctx, event.Event{Type: event.TypePlayerAdded, Payload: []byte(`{}`)})
	if err == nil {
		t.Fatal("invalid event accepted")
	}
	if h := inst.Height(); h != 0 {
		t.Fatalf("height = %d after rejected append, want 0", h)
	}
}

func TestAppendMany_CommitsAtomically(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	height, err := inst.AppendMany(ctx, []event.Event{
		addPlayer("e1", "p1", "Alice"),
		addPlayer("e2", "p2", "Bob"),
		addPlayer("e1", "p1", "Alice"), // duplicate inside the batch
	})
	if err != nil {
		t.Fatalf("append many: %v", err)
	}
	if height != 2 {
		t.Fatalf("height = %d, want 2", height)
	}

	state := inst.State().(*scoring.State)
	if len(state.Players) != 2 {
		t.Fatalf("roster size = %d, want 2", len(state.Players))
	}
}

func TestAppendMany_InvalidEventRollsBackBatch(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	_, err := inst.AppendMany(ctx, []event.Event{
		addPlayer("e1", "p1", "Alice"),
		{ID: "e2", Type: event.TypePlayerAdded, Payload: []byte(`{"name":"NoID"}`)},
	})
	if err == nil {
		t.Fatal("batch with invalid event accepted")
	}
	if h := inst.Height(); h != 0 {
		t.Fatalf("height = %d after failed batch, want 0", h)
	}
}

func TestSubscribe_FiresOncePerHeightInOrder(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	var mu sync.Mutex
	var heights []uint64
	cancel := inst.Subscribe(func(_ any, height uint64) {
		mu.Lock()
		heights = append(heights, height)
		mu.Unlock()
	})

	for i := 1; i <= 5; i++ {
		if _, err := inst.Append(ctx, addPlayer(fmt.Sprintf("e%d", i), fmt.Sprintf("p%d", i), "P")); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(heights) == 5
	})
	mu.Lock()
	for i, h := range heights {
		if h != uint64(i)+1 {
			t.Fatalf("heights = %v, want strictly increasing from 1", heights)
		}
	}
	mu.Unlock()

	cancel()
	if _, err := inst.Append(ctx, addPlayer("e6", "p6", "P")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(heights) != 5 {
		t.Fatalf("cancelled subscriber saw %d emissions, want 5", len(heights))
	}
}

func TestReopen_RestoresHeightAndState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")

	inst := newInstance(t, path, nil, -1)
	for i := 1; i <= 7; i++ {
		if _, err := inst.Append(ctx, addPlayer(fmt.Sprintf("e%d", i), fmt.Sprintf("p%d", i), "P")); err != nil {
			t.Fatal(err)
		}
	}
	want := stateJSON(t, inst.State())
	if err := inst.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newInstance(t, path, nil, -1)
	if h := reopened.Height(); h != 7 {
		t.Fatalf("reopened height = %d, want 7", h)
	}
	if got := stateJSON(t, reopened.State()); got != want {
		t.Fatalf("reopened state diverges:\ngot  %s\nwant %s", got, want)
	}
}

func TestPreviewAt_DerivesHistoricalState(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	for i := 1; i <= 10; i++ {
		if _, err := inst.Append(ctx, addPlayer(fmt.Sprintf("e%d", i), fmt.Sprintf("p%d", i), "P")); err != nil {
			t.Fatal(err)
		}
	}

	preview, err := inst.PreviewAt(ctx, 3)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got := len(preview.(*scoring.State).Players); got != 3 {
		t.Fatalf("preview roster size = %d, want 3", got)
	}

	// The live aggregate is untouched.
	if h := inst.Height(); h != 10 {
		t.Fatalf("height = %d after preview, want 10", h)
	}
	if got := len(inst.State().(*scoring.State).Players); got != 10 {
		t.Fatalf("live roster size = %d, want 10", got)
	}
}

func TestClose_RefusesFurtherOperations(t *testing.T) {
	ctx := context.Background()
	inst := newInstance(t, filepath.Join(t.TempDir(), "log.db"), nil, -1)

	if err := inst.Close(); err != nil {
		t.Fatal(err)
	}
	if err := inst.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := inst.Append(ctx, addPlayer("e1", "p1", "Alice")); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("append after close err = %v, want ErrClosed", err)
	}
	if _, err := inst.PreviewAt(ctx, 1); !errors.Is(err, engine.ErrClosed) {
		t.Fatalf("preview after close err = %v, want ErrClosed", err)
	}
}

func TestTwoInstances_ConvergeOverBroadcast(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")
	hub := notify.NewHub()

	a := newInstance(t, path, hub, 50*time.Millisecond)
	b := newInstance(t, path, hub, 50*time.Millisecond)

	const perSide = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= perSide; i++ {
			if _, err := a.Append(ctx, addPlayer(fmt.Sprintf("a%02d", i), fmt.Sprintf("pa%d", i), "A")); err != nil {
				t.Errorf("a append %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 1; i <= perSide; i++ {
			if _, err := b.Append(ctx, addPlayer(fmt.Sprintf("b%02d", i), fmt.Sprintf("pb%d", i), "B")); err != nil {
				t.Errorf("b append %d: %v", i, err)
				return
			}
		}
	}()
	wg.Wait()
	if t.Failed() {
		t.FailNow()
	}

	waitFor(t, 5*time.Second, func() bool {
		return a.Height() == 2*perSide && b.Height() == 2*perSide
	})
	if got, want := stateJSON(t, a.State()), stateJSON(t, b.State()); got != want {
		t.Fatalf("instances diverged:\na %s\nb %s", got, want)
	}
}

func TestTwoInstances_ConvergeByPollingAlone(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")

	a := newInstance(t, path, nil, 10*time.Millisecond)
	b := newInstance(t, path, nil, 10*time.Millisecond)

	if _, err := a.Append(ctx, addPlayer("e1", "p1", "Alice")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 5*time.Second, func() bool { return b.Height() == 1 })
	if got := b.State().(*scoring.State).Players["p1"]; got != "Alice" {
		t.Fatalf("follower Players[p1] = %q, want Alice", got)
	}
}

func TestSubscribe_SeesRemoteCommits(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")
	hub := notify.NewHub()

	a := newInstance(t, path, hub, 50*time.Millisecond)
	b := newInstance(t, path, hub, 50*time.Millisecond)

	var mu sync.Mutex
	var heights []uint64
	b.Subscribe(func(_ any, height uint64) {
		mu.Lock()
		heights = append(heights, height)
		mu.Unlock()
	})

	for i := 1; i <= 3; i++ {
		if _, err := a.Append(ctx, addPlayer(fmt.Sprintf("e%d", i), fmt.Sprintf("p%d", i), "P")); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(heights) >= 1 && heights[len(heights)-1] == 3
	})
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(heights); i++ {
		if heights[i] <= heights[i-1] {
			t.Fatalf("remote emissions out of order: %v", heights)
		}
	}
}
