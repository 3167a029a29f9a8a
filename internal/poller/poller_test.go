package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"deye-go-cloud/internal/reading"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedFetcher returns canned results in order, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   int
}

type fetchResult struct {
	snap reading.Snapshot
	err  error
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (reading.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	return r.snap, r.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func snapOf(pairs ...reading.Reading) reading.Snapshot {
	s := make(reading.Snapshot)
	for _, r := range pairs {
		s[r.ID] = r
	}
	return s
}

func testConfig() Config {
	return Config{
		Interval:    time.Hour, // keep the loop quiet during tests
		MaxAttempts: 3,
		RetryDelay:  5 * time.Millisecond,
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	start := time.Now()
	err := runWithRetry(context.Background(), newTestLogger(), 3, 10*time.Millisecond, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return boom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	// Exactly two delays between the three attempts.
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("elapsed %v, want at least two delays", elapsed)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	calls := 0
	lastErr := errors.New("attempt 3")
	err := runWithRetry(context.Background(), newTestLogger(), 3, time.Millisecond, func(ctx context.Context) error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error %T is not *TerminalError", err)
	}
	if terminal.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", terminal.Attempts)
	}
	if terminal.Err.Error() != lastErr.Error() {
		t.Errorf("wrapped error = %q, want the last attempt's", terminal.Err)
	}
}

func TestRetryAbortsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := runWithRetry(ctx, newTestLogger(), 3, time.Hour, func(ctx context.Context) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (cancel during the wait)", calls)
	}
}

func TestPollerFirstRefreshPopulatesSnapshot(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{snap: snapOf(reading.Reading{ID: "grid_power", Name: "Grid Power", Value: reading.Int(1500), Unit: "W"})},
	}}
	p := New(f, NewEventBus(newTestLogger()), testConfig(), newTestLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("got %d readings, want 1", len(snap))
	}
	if _, ok := p.Reading("grid_power"); !ok {
		t.Error("Reading(grid_power) not found")
	}
	if p.LastSuccess().IsZero() {
		t.Error("LastSuccess should be set")
	}
	if p.LastError() != nil {
		t.Errorf("LastError = %v, want nil", p.LastError())
	}
}

func TestPollerKeepsSnapshotOnTerminalFailure(t *testing.T) {
	good := snapOf(reading.Reading{ID: "grid_power", Name: "Grid Power", Value: reading.Int(1500)})
	f := &scriptedFetcher{results: []fetchResult{
		{snap: good},
		{err: errors.New("cloud down")},
	}}
	cfg := testConfig()
	cfg.RetryDelay = time.Millisecond
	p := New(f, NewEventBus(newTestLogger()), cfg, newTestLogger())

	var failures []UpdateFailure
	p.Events().On(EventUpdateFailed, func(e Event) {
		failures = append(failures, e.Data.(UpdateFailure))
	})

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	err := p.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var terminal *TerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("error %T is not *TerminalError", err)
	}

	// Last good snapshot survives the failed cycle.
	if v, _ := p.Snapshot()["grid_power"].Value.Int64(); v != 1500 {
		t.Errorf("snapshot lost after failure")
	}
	if p.LastError() == nil {
		t.Error("LastError should be set")
	}
	if len(failures) != 1 {
		t.Fatalf("got %d update_failed events, want 1", len(failures))
	}
	if failures[0].Attempts != 3 {
		t.Errorf("failure attempts = %d, want 3", failures[0].Attempts)
	}
	// One call for the first refresh, three for the exhausted retry budget.
	if f.callCount() != 4 {
		t.Errorf("fetch calls = %d, want 4", f.callCount())
	}
}

func TestPollerFirstRefreshFailureIsReportedNotFatal(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{err: errors.New("no route")},
		{snap: snapOf(reading.Reading{ID: "a", Name: "A", Value: reading.Int(1)})},
	}}
	cfg := testConfig()
	cfg.RetryDelay = time.Millisecond
	p := New(f, NewEventBus(newTestLogger()), cfg, newTestLogger())

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected first-refresh error")
	}
	defer p.Stop()

	// Loop is alive; a manual refresh recovers.
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("recovery refresh failed: %v", err)
	}
	if p.LastError() != nil {
		t.Errorf("LastError = %v, want nil after recovery", p.LastError())
	}
}

func TestPollerEmitsDiffEvents(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{snap: snapOf(
			reading.Reading{ID: "a", Name: "A", Value: reading.Int(1)},
			reading.Reading{ID: "b", Name: "B", Value: reading.Int(2)},
		)},
		{snap: snapOf(
			reading.Reading{ID: "a", Name: "A", Value: reading.Int(9)},
			reading.Reading{ID: "b", Name: "B", Value: reading.Int(2)},
			reading.Reading{ID: "c", Name: "C", Value: reading.Int(3)},
		)},
	}}
	p := New(f, NewEventBus(newTestLogger()), testConfig(), newTestLogger())

	var mu sync.Mutex
	added := map[string]int{}
	changed := map[string]int{}
	snapshots := 0
	p.Events().On(EventReadingAdded, func(e Event) {
		mu.Lock()
		added[e.Data.(reading.Reading).ID]++
		mu.Unlock()
	})
	p.Events().On(EventReadingChanged, func(e Event) {
		mu.Lock()
		changed[e.Data.(reading.Reading).ID]++
		mu.Unlock()
	})
	p.Events().On(EventSnapshotUpdated, func(e Event) {
		mu.Lock()
		snapshots++
		mu.Unlock()
	})

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if added["a"] != 1 || added["b"] != 1 || added["c"] != 1 {
		t.Errorf("added = %v, want a, b, c once each", added)
	}
	if changed["a"] != 1 || changed["b"] != 0 {
		t.Errorf("changed = %v, want only a", changed)
	}
	if snapshots != 2 {
		t.Errorf("snapshot_updated count = %d, want 2", snapshots)
	}
}

func TestPollerDeviceOnline(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{snap: snapOf(reading.Reading{
			ID: reading.DeviceOnlineID, Name: "Device Online", Value: reading.Bool(true),
		})},
	}}
	p := New(f, NewEventBus(newTestLogger()), testConfig(), newTestLogger())
	if p.DeviceOnline() {
		t.Error("DeviceOnline before any refresh should be false")
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()
	if !p.DeviceOnline() {
		t.Error("DeviceOnline should be true after refresh")
	}
}

func TestPollerPeriodicRefresh(t *testing.T) {
	f := &scriptedFetcher{results: []fetchResult{
		{snap: snapOf(reading.Reading{ID: "a", Name: "A", Value: reading.Int(1)})},
	}}
	cfg := testConfig()
	cfg.Interval = 20 * time.Millisecond
	p := New(f, NewEventBus(newTestLogger()), cfg, newTestLogger())

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for f.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.callCount() < 3 {
		t.Errorf("fetch calls = %d, want at least 3 from the periodic loop", f.callCount())
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	calls := 0
	off := eb.On("x", func(Event) { calls++ })
	eb.Emit(Event{Type: "x"})
	off()
	eb.Emit(Event{Type: "x"})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestEventBusRecoversPanic(t *testing.T) {
	eb := NewEventBus(newTestLogger())
	eb.On("x", func(Event) { panic("handler bug") })
	called := false
	eb.OnAll(func(Event) { called = true })
	eb.Emit(Event{Type: "x"}) // must not propagate the panic
	if !called {
		t.Error("all-handler not reached after panicking handler")
	}
}
