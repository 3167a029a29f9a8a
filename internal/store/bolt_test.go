package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deye-go-cloud/internal/poller"
	"deye-go-cloud/internal/reading"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSaveAndGetReadingMeta(t *testing.T) {
	s := newTestStore(t)

	meta := &ReadingMeta{
		ID:        "grid_power",
		Name:      "Grid Power",
		Unit:      "W",
		FirstSeen: time.Now().Truncate(time.Millisecond),
		LastSeen:  time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveReadingMeta(meta); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetReadingMeta("grid_power")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != meta.Name {
		t.Errorf("name = %q, want %q", got.Name, meta.Name)
	}
	if got.Unit != meta.Unit {
		t.Errorf("unit = %q, want %q", got.Unit, meta.Unit)
	}
	if !got.FirstSeen.Equal(meta.FirstSeen) {
		t.Errorf("first_seen = %v, want %v", got.FirstSeen, meta.FirstSeen)
	}
}

func TestGetReadingMetaNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetReadingMeta("no_such_reading")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListReadingMeta(t *testing.T) {
	s := newTestStore(t)

	ids := []string{"grid_power", "battery_soc", "pv1_voltage"}
	for _, id := range ids {
		if err := s.SaveReadingMeta(&ReadingMeta{ID: id, Name: id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListReadingMeta()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}

	found := make(map[string]bool)
	for _, m := range list {
		found[m.ID] = true
	}
	for _, id := range ids {
		if !found[id] {
			t.Errorf("reading %s not in list", id)
		}
	}
}

func TestUpdateReadingMeta(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveReadingMeta(&ReadingMeta{ID: "grid_power", Name: "Grid Power"}); err != nil {
		t.Fatal(err)
	}

	later := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	err := s.UpdateReadingMeta("grid_power", func(meta *ReadingMeta) error {
		meta.LastSeen = later
		meta.Unit = "W"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetReadingMeta("grid_power")
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastSeen.Equal(later) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, later)
	}
	if got.Unit != "W" {
		t.Errorf("unit = %q, want W", got.Unit)
	}

	if err := s.UpdateReadingMeta("missing", func(*ReadingMeta) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing = %v, want ErrNotFound", err)
	}
}

func TestSaveAndGetRunState(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetRunState(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("fresh store run state = %v, want ErrNotFound", err)
	}

	state := &RunState{
		Mode:        "cloud_direct",
		LastSuccess: time.Now().Truncate(time.Millisecond),
		LastError:   "update failed after 3 attempts",
	}
	if err := s.SaveRunState(state); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRunState()
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != "cloud_direct" {
		t.Errorf("mode = %q, want cloud_direct", got.Mode)
	}
	if !got.LastSuccess.Equal(state.LastSuccess) {
		t.Errorf("last_success = %v, want %v", got.LastSuccess, state.LastSuccess)
	}
	if got.LastError != state.LastError {
		t.Errorf("last_error = %q, want %q", got.LastError, state.LastError)
	}
}

func TestRecorderTracksReadings(t *testing.T) {
	s := newTestStore(t)
	bus := poller.NewEventBus(newTestLogger())
	rec := NewRecorder(s, "api", newTestLogger())
	off := rec.Attach(bus)
	defer off()

	bus.Emit(poller.Event{Type: poller.EventReadingAdded, Data: reading.Reading{
		ID: "grid_power", Name: "Grid Power", Value: reading.Int(1500), Unit: "W",
	}})

	meta, err := s.GetReadingMeta("grid_power")
	if err != nil {
		t.Fatal(err)
	}
	if meta.Unit != "W" || meta.FirstSeen.IsZero() {
		t.Errorf("meta = %+v, want unit W and first_seen set", meta)
	}
	first := meta.FirstSeen

	bus.Emit(poller.Event{Type: poller.EventReadingChanged, Data: reading.Reading{
		ID: "grid_power", Name: "Grid Power", Value: reading.Int(900), Unit: "W",
	}})

	meta, err = s.GetReadingMeta("grid_power")
	if err != nil {
		t.Fatal(err)
	}
	if !meta.FirstSeen.Equal(first) {
		t.Errorf("first_seen changed on update: %v != %v", meta.FirstSeen, first)
	}
	if meta.LastSeen.Before(first) {
		t.Errorf("last_seen %v before first_seen %v", meta.LastSeen, first)
	}
}

func TestRecorderTracksRunState(t *testing.T) {
	s := newTestStore(t)
	bus := poller.NewEventBus(newTestLogger())
	rec := NewRecorder(s, "cloud_direct", newTestLogger())
	off := rec.Attach(bus)
	defer off()

	bus.Emit(poller.Event{Type: poller.EventSnapshotUpdated, Data: reading.Snapshot{}})

	state, err := s.GetRunState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Mode != "cloud_direct" || state.LastSuccess.IsZero() {
		t.Errorf("state = %+v, want mode and last_success set", state)
	}

	bus.Emit(poller.Event{Type: poller.EventUpdateFailed, Data: poller.UpdateFailure{
		Error: "cloud down", Attempts: 3,
	}})

	state, err = s.GetRunState()
	if err != nil {
		t.Fatal(err)
	}
	if state.LastError != "cloud down" {
		t.Errorf("last_error = %q, want cloud down", state.LastError)
	}
	if state.LastSuccess.IsZero() {
		t.Error("failure must not erase last_success")
	}
}
