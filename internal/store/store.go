package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Reading metadata operations
	SaveReadingMeta(meta *ReadingMeta) error
	GetReadingMeta(id string) (*ReadingMeta, error)
	ListReadingMeta() ([]*ReadingMeta, error)

	// UpdateReadingMeta atomically reads, modifies, and saves a reading's
	// metadata in a single transaction. Returns ErrNotFound if the reading
	// has never been recorded.
	UpdateReadingMeta(id string, fn func(meta *ReadingMeta) error) error

	// Run state
	SaveRunState(state *RunState) error
	GetRunState() (*RunState, error)

	// Close the store
	Close() error
}
