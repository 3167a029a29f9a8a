// Package poller drives the periodic refresh cycle: fetch through the
// configured strategy with bounded retries, replace the snapshot wholesale
// on success, keep the last good snapshot on terminal failure, and publish
// events for downstream consumers.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"deye-go-cloud/internal/reading"
)

// Defaults for the retry controller and polling cadence.
const (
	DefaultInterval    = 60 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
)

// Fetcher retrieves one complete snapshot from the data source. Both fetch
// strategies implement it.
type Fetcher interface {
	Fetch(ctx context.Context) (reading.Snapshot, error)
}

// Config tunes the polling loop.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
}

// UpdateFailure is the payload of an update_failed event.
type UpdateFailure struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Poller owns the current snapshot and the refresh loop. All accessors are
// safe for concurrent use.
type Poller struct {
	fetcher Fetcher
	events  *EventBus
	logger  *slog.Logger
	cfg     Config

	mu          sync.RWMutex
	snapshot    reading.Snapshot
	seen        map[string]struct{}
	lastSuccess time.Time
	lastErr     error

	refreshCh chan chan error
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a poller around the given fetch strategy.
func New(fetcher Fetcher, events *EventBus, cfg Config, logger *slog.Logger) *Poller {
	cfg.applyDefaults()
	return &Poller{
		fetcher:   fetcher,
		events:    events,
		logger:    logger.With("component", "poller"),
		cfg:       cfg,
		snapshot:  make(reading.Snapshot),
		seen:      make(map[string]struct{}),
		refreshCh: make(chan chan error, 1),
	}
}

// Events returns the poller's event bus.
func (p *Poller) Events() *EventBus { return p.events }

// Start performs one synchronous refresh so callers can surface a broken
// configuration immediately, then launches the periodic loop. The loop runs
// regardless of the first refresh's outcome; a failed first poll is
// reported but not fatal.
func (p *Poller) Start(ctx context.Context) error {
	firstErr := p.refresh(ctx)

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(loopCtx)

	p.logger.Info("poller started",
		"interval", p.cfg.Interval,
		"max_attempts", p.cfg.MaxAttempts,
		"retry_delay", p.cfg.RetryDelay)
	return firstErr
}

// Stop terminates the loop and waits for it to drain.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("poller stopped")
}

// Refresh triggers an immediate out-of-band refresh and waits for its
// result. The periodic cadence is unaffected; refreshes never overlap
// because the loop serializes them.
func (p *Poller) Refresh(ctx context.Context) error {
	done := make(chan error, 1)
	select {
	case p.refreshCh <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loop re-arms the timer only after a cycle completes, so a slow refresh
// delays the next one instead of stacking.
func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.refresh(ctx)
			timer.Reset(p.cfg.Interval)
		case done := <-p.refreshCh:
			err := p.refresh(ctx)
			done <- err
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.cfg.Interval)
		}
	}
}

// refresh runs one full cycle: fetch with retries, then either replace the
// snapshot or record the failure while keeping the last good data.
func (p *Poller) refresh(ctx context.Context) error {
	var snap reading.Snapshot
	err := runWithRetry(ctx, p.logger, p.cfg.MaxAttempts, p.cfg.RetryDelay, func(ctx context.Context) error {
		var fetchErr error
		snap, fetchErr = p.fetcher.Fetch(ctx)
		return fetchErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		p.mu.Lock()
		p.lastErr = err
		p.mu.Unlock()

		p.logger.Error("update failed, keeping last snapshot", "error", err)
		p.events.Emit(Event{Type: EventUpdateFailed, Data: UpdateFailure{
			Error:    err.Error(),
			Attempts: p.cfg.MaxAttempts,
		}})
		return err
	}

	p.apply(snap)
	return nil
}

// apply replaces the snapshot wholesale and emits the per-reading diff
// events followed by snapshot_updated.
func (p *Poller) apply(snap reading.Snapshot) {
	p.mu.Lock()
	prev := p.snapshot
	p.snapshot = snap
	p.lastSuccess = time.Now()
	p.lastErr = nil

	var added, changed []reading.Reading
	for id, r := range snap {
		if _, ok := p.seen[id]; !ok {
			p.seen[id] = struct{}{}
			added = append(added, r)
			continue
		}
		if old, ok := prev[id]; ok && !old.Value.Equal(r.Value) {
			changed = append(changed, r)
		}
	}
	p.mu.Unlock()

	for _, r := range added {
		p.events.Emit(Event{Type: EventReadingAdded, Data: r})
	}
	for _, r := range changed {
		p.events.Emit(Event{Type: EventReadingChanged, Data: r})
	}
	p.events.Emit(Event{Type: EventSnapshotUpdated, Data: snap.Clone()})

	p.logger.Debug("snapshot replaced", "readings", len(snap), "added", len(added), "changed", len(changed))
}

// Snapshot returns a copy of the current snapshot.
func (p *Poller) Snapshot() reading.Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshot.Clone()
}

// Reading returns a single reading by normalized ID.
func (p *Poller) Reading(id string) (reading.Reading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.snapshot[id]
	return r, ok
}

// DeviceOnline reports whether the current snapshot carries a true
// device_online reading. Text-feed snapshots never do.
func (p *Poller) DeviceOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.snapshot[reading.DeviceOnlineID]
	if !ok {
		return false
	}
	b, ok := r.Value.Bool()
	return ok && b
}

// LastSuccess returns the time of the last successful refresh, zero if
// none has succeeded yet.
func (p *Poller) LastSuccess() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSuccess
}

// LastError returns the most recent terminal failure, nil after a
// successful refresh.
func (p *Poller) LastError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}
