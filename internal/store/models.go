package store

import "time"

// ReadingMeta is the persisted metadata for a reading ID: its display name,
// unit, and when it was first and last observed. Values themselves are not
// persisted; the snapshot is process-local.
type ReadingMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// RunState records the outcome of the most recent run so a restart can
// report continuity without waiting for the first poll.
type RunState struct {
	Mode        string    `json:"mode"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}
