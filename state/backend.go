package state

import "context"

// Backend is the durable storage contract the checkpoint core depends on.
// Implementations are accessed concurrently by multiple operators but keyed
// per partition, so no cross-partition coordination is required of them.
type Backend interface {
	// Put stores a raw key/value pair.
	Put(ctx context.Context, key, value []byte) error

	// Get retrieves a value, or ErrKeyNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// CompareAndSwap atomically replaces old with new, reporting whether
	// the swap happened. A nil old means "only set if absent".
	CompareAndSwap(ctx context.Context, key, old, new []byte) (bool, error)

	// CreateCheckpoint durably stores a snapshot and returns its handle.
	// The returned handle has Durable set only once the write is confirmed
	// to survive a crash.
	CreateCheckpoint(ctx context.Context, snap *Snapshot) (Handle, error)

	// Restore loads the snapshot a handle points at. It does not resolve
	// delta chains; see Materialize.
	Restore(ctx context.Context, h Handle) (*Snapshot, error)

	// Discard removes a stored snapshot. Discarding an absent snapshot is
	// not an error.
	Discard(ctx context.Context, h Handle) error

	// List returns the handles stored for a checkpoint id. This is the
	// discovery path: a checkpoint's snapshots are findable from the id
	// alone.
	List(ctx context.Context, checkpointID uint64) ([]Handle, error)

	// SupportsIncremental reports whether delta snapshots may be stored.
	SupportsIncremental() bool

	// Close releases backend resources.
	Close() error
}
