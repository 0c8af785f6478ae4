package partition

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownPartition is returned for a partition id outside 0..P-1.
	ErrUnknownPartition = errors.New("unknown partition")
)

// ID identifies one of the P fixed partitions chosen at bootstrap.
type ID uint32

// Owners is the ownership record for one partition: exactly one primary and
// R-1 distinct backups.
type Owners struct {
	Primary NodeID
	Backups []NodeID
}

// Contains reports whether the node is the primary or one of the backups.
func (o Owners) Contains(node NodeID) bool {
	if o.Primary == node {
		return true
	}
	for _, b := range o.Backups {
		if b == node {
			return true
		}
	}
	return false
}

// Map is an immutable, versioned mapping from partition id to owners. A Map
// is never mutated after publication; membership changes produce a new Map
// with a higher version, swapped in wholesale. A higher version always wins
// an ownership conflict.
type Map struct {
	Version uint64
	Owners  []Owners
}

// Partitions returns P.
func (m *Map) Partitions() int {
	return len(m.Owners)
}

// OwnersOf looks up the owners of a partition.
func (m *Map) OwnersOf(id ID) (Owners, error) {
	if int(id) >= len(m.Owners) {
		return Owners{}, fmt.Errorf("%w: %d", ErrUnknownPartition, id)
	}
	return m.Owners[id], nil
}

// clone deep-copies the map so a successor version can be built without
// touching the published one.
func (m *Map) clone() *Map {
	next := &Map{
		Version: m.Version,
		Owners:  make([]Owners, len(m.Owners)),
	}
	for i, o := range m.Owners {
		backups := make([]NodeID, len(o.Backups))
		copy(backups, o.Backups)
		next.Owners[i] = Owners{Primary: o.Primary, Backups: backups}
	}
	return next
}

// Move is one step of a rebalance plan: the primary copy of a partition
// relocates from one node to another.
type Move struct {
	Partition ID
	From      NodeID
	To        NodeID
}

// Diff returns the moves needed to get from m to next, one per partition
// whose primary changed. Backup changes ride along with the map swap and
// need no data movement plan of their own; backups re-sync from the
// primary.
func (m *Map) Diff(next *Map) []Move {
	var moves []Move
	for i := range m.Owners {
		if i >= len(next.Owners) {
			break
		}
		if m.Owners[i].Primary != next.Owners[i].Primary {
			moves = append(moves, Move{
				Partition: ID(i),
				From:      m.Owners[i].Primary,
				To:        next.Owners[i].Primary,
			})
		}
	}
	return moves
}
