// Package checkpoint implements the distributed snapshot protocol: the
// coordinator that mints checkpoint ids and injects barriers, the
// per-operator barrier handler that aligns and snapshots, and the
// consistency manager that decides when a checkpoint is durable.
package checkpoint

import (
	"time"

	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
)

// Status is the completion status of a checkpoint record.
type Status int

const (
	StatusPending Status = iota
	StatusCommitted
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Record is the coordinator-owned metadata for one checkpoint. It is
// mutated only by the coordinator and becomes immutable once Committed or
// Aborted.
type Record struct {
	ID          uint64
	Status      Status
	CreatedAt   time.Time
	CompletedAt time.Time

	// Expected is the set of operator ids that must ack.
	Expected []string
	// Snapshots maps acked operator id to its stored snapshot handle.
	Snapshots map[string]state.Handle
	// Gaps lists operators excluded after a backend failure in
	// at-least-once degraded mode.
	Gaps []string

	// PartitionMap is the ownership snapshot embedded at trigger time.
	// Recovery restores ownership from this, not from the live map.
	PartitionMap *partition.Map
}

func newRecord(id uint64, expected []string, pm *partition.Map) *Record {
	exp := make([]string, len(expected))
	copy(exp, expected)
	return &Record{
		ID:           id,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
		Expected:     exp,
		Snapshots:    make(map[string]state.Handle),
		PartitionMap: pm,
	}
}

// complete reports whether every expected operator has either acked or
// been recorded as a gap.
func (r *Record) complete() bool {
	for _, op := range r.Expected {
		if _, ok := r.Snapshots[op]; ok {
			continue
		}
		gapped := false
		for _, g := range r.Gaps {
			if g == op {
				gapped = true
				break
			}
		}
		if !gapped {
			return false
		}
	}
	return true
}

// Handles returns the stored snapshot handles, for discard and recovery.
func (r *Record) Handles() []state.Handle {
	out := make([]state.Handle, 0, len(r.Snapshots))
	for _, h := range r.Snapshots {
		out = append(out, h)
	}
	return out
}
