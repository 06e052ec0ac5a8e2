package ssesignal

import (
	"context"
	"encoding/json"
)

// Snapshot is the persisted value of a single signal.
type Snapshot struct {
	Topic string
	Name  string
	Value json.RawMessage
}

// Store persists signal values so a restarted hub can continue serving the
// values it had before. Implementations must be safe for concurrent use.
type Store interface {
	// Load returns all stored signal values.
	Load(ctx context.Context) ([]Snapshot, error)

	// Save stores the current value of a signal, replacing the previous
	// one.
	Save(ctx context.Context, s Snapshot) error
}
