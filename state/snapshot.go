// Package state defines the durable state backend contract and the
// snapshot model: immutable point-in-time captures of operator state,
// stored either full or as delta chains rooted at a prior full snapshot.
package state

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNotFound is returned when a handle resolves to nothing in
	// the backend.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrBrokenChain is returned when a delta chain cannot be walked back
	// to a full snapshot.
	ErrBrokenChain = errors.New("broken snapshot chain")

	// ErrSnapshotCorrupt is returned when stored snapshot data fails to
	// decode.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// InflightEvent is a buffered, not-yet-applied event captured as part of an
// unaligned snapshot payload.
type InflightEvent struct {
	Channel string `codec:"channel"`
	Key     string `codec:"key"`
	Value   []byte `codec:"value"`
	Offset  int64  `codec:"offset"`
}

// Snapshot is an immutable capture of one operator's state for one
// checkpoint id. Base == 0 marks a full snapshot; otherwise Entries and
// Deleted form a delta against the snapshot with id Base.
type Snapshot struct {
	CheckpointID uint64            `codec:"checkpoint_id"`
	OperatorID   string            `codec:"operator_id"`
	Base         uint64            `codec:"base"`
	Entries      map[string][]byte `codec:"entries"`
	Deleted      []string          `codec:"deleted"`
	Offsets      map[string]int64  `codec:"offsets"`
	Inflight     []InflightEvent   `codec:"inflight"`
}

// IsFull reports whether this snapshot is chain-rooted.
func (s *Snapshot) IsFull() bool {
	return s.Base == 0
}

// Handle is the coordinator-visible reference to a stored snapshot. A
// handle is discoverable from (checkpoint id, operator id) alone.
type Handle struct {
	CheckpointID uint64 `codec:"checkpoint_id"`
	OperatorID   string `codec:"operator_id"`
	Base         uint64 `codec:"base"`
	// Durable is set once the backend has confirmed the write survives a
	// process crash.
	Durable bool `codec:"durable"`
}

// Chain resolves the full delta chain for a handle, base-first. The last
// element is the snapshot the handle points at.
func Chain(ctx context.Context, b Backend, h Handle) ([]*Snapshot, error) {
	var chain []*Snapshot
	cur := h
	for {
		snap, err := b.Restore(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("restore %s@%d: %w", cur.OperatorID, cur.CheckpointID, err)
		}
		chain = append([]*Snapshot{snap}, chain...)
		if snap.IsFull() {
			return chain, nil
		}
		if snap.Base >= cur.CheckpointID {
			return nil, fmt.Errorf("%w: base %d not older than %d", ErrBrokenChain, snap.Base, cur.CheckpointID)
		}
		cur = Handle{CheckpointID: snap.Base, OperatorID: h.OperatorID}
	}
}

// Materialize replays a handle's delta chain onto its base and returns the
// reconstructed entries and the source offsets recorded at the checkpoint.
func Materialize(ctx context.Context, b Backend, h Handle) (map[string][]byte, map[string]int64, error) {
	chain, err := Chain(ctx, b, h)
	if err != nil {
		return nil, nil, err
	}

	entries := make(map[string][]byte)
	for _, snap := range chain {
		for k, v := range snap.Entries {
			entries[k] = v
		}
		for _, k := range snap.Deleted {
			delete(entries, k)
		}
	}
	// Offsets are absolute, not deltas: the newest snapshot wins.
	offsets := chain[len(chain)-1].Offsets
	return entries, offsets, nil
}

// ChainIDs returns the checkpoint ids a handle's chain depends on,
// including its own. Used by garbage collection to keep live bases alive.
func ChainIDs(ctx context.Context, b Backend, h Handle) ([]uint64, error) {
	chain, err := Chain(ctx, b, h)
	if err != nil {
		return nil, err
	}
	ids := make([]uint64, len(chain))
	for i, snap := range chain {
		ids[i] = snap.CheckpointID
	}
	return ids, nil
}
