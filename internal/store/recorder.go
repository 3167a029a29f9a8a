package store

import (
	"errors"
	"log/slog"
	"time"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/reading"
)

// Recorder subscribes to poller events and keeps the store current: reading
// metadata on discovery and change, run state on every cycle outcome.
type Recorder struct {
	store  Store
	mode   string
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to the given store. mode is the
// configured fetch mode, recorded alongside the run state.
func NewRecorder(s Store, mode string, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  s,
		mode:   mode,
		logger: logger.With("component", "recorder"),
	}
}

// Attach registers the recorder's handlers on the event bus. Returns an
// unsubscribe function detaching all of them.
func (r *Recorder) Attach(bus *poller.EventBus) func() {
	offs := []func(){
		bus.On(poller.EventReadingAdded, r.onReadingSeen),
		bus.On(poller.EventReadingChanged, r.onReadingSeen),
		bus.On(poller.EventSnapshotUpdated, r.onSnapshot),
		bus.On(poller.EventUpdateFailed, r.onFailure),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (r *Recorder) onReadingSeen(e poller.Event) {
	rd, ok := e.Data.(reading.Reading)
	if !ok {
		return
	}
	now := time.Now()
	err := r.store.UpdateReadingMeta(rd.ID, func(meta *ReadingMeta) error {
		meta.Name = rd.Name
		if rd.Unit != "" {
			meta.Unit = rd.Unit
		}
		meta.LastSeen = now
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		err = r.store.SaveReadingMeta(&ReadingMeta{
			ID:        rd.ID,
			Name:      rd.Name,
			Unit:      rd.Unit,
			FirstSeen: now,
			LastSeen:  now,
		})
	}
	if err != nil {
		r.logger.Error("save reading metadata", "id", rd.ID, "error", err)
	}
}

func (r *Recorder) onSnapshot(e poller.Event) {
	err := r.store.SaveRunState(&RunState{
		Mode:        r.mode,
		LastSuccess: time.Now(),
	})
	if err != nil {
		r.logger.Error("save run state", "error", err)
	}
}

func (r *Recorder) onFailure(e poller.Event) {
	fail, ok := e.Data.(poller.UpdateFailure)
	if !ok {
		return
	}
	state, err := r.store.GetRunState()
	if err != nil {
		state = &RunState{Mode: r.mode}
	}
	state.Mode = r.mode
	state.LastError = fail.Error
	if err := r.store.SaveRunState(state); err != nil {
		r.logger.Error("save run state", "error", err)
	}
}
