package stream

import "context"

// Source is an interface for data sources feeding the operator graph.
type Source interface {
	// Open starts the source and returns its output stream.
	Open(ctx context.Context) (<-chan Message, error)
	// Close closes the source.
	Close() error
}

// Rewindable is implemented by sources whose consumption position can be
// captured in a checkpoint and restored during recovery.
type Rewindable interface {
	// Position returns the current consumption offsets, keyed by an
	// opaque partition label (topic/partition for Kafka).
	Position() map[string]int64
	// Seek rewinds consumption to previously captured offsets.
	Seek(offsets map[string]int64) error
}
