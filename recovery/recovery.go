// Package recovery selects the last durable committed checkpoint after a
// failure and rebuilds partition ownership, operator state, and source
// positions from it.
package recovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

var (
	// ErrNoRecoverableCheckpoint is fatal: no committed, durable
	// checkpoint exists and processing must not silently resume from an
	// inconsistent state.
	ErrNoRecoverableCheckpoint = errors.New("no recoverable checkpoint exists, operator intervention required")
)

// RecordSource supplies committed checkpoint records, newest first. The
// coordinator and the journal both satisfy it.
type RecordSource interface {
	CommittedRecords(ctx context.Context) ([]*checkpoint.Record, error)
}

// Plan is the result of recovery selection: everything needed to restore
// the computation to the chosen checkpoint.
type Plan struct {
	CheckpointID uint64

	// PartitionMap is the ownership snapshot embedded in the chosen
	// record, not the live map.
	PartitionMap *partition.Map

	// Replacements maps partitions whose recorded primary is no longer
	// alive to the live node chosen from the current ring. The
	// replacement pulls the snapshot from durable storage before
	// resuming.
	Replacements map[partition.ID]partition.NodeID

	// Snapshots maps operator id to the snapshot handle to restore from.
	Snapshots map[string]state.Handle

	// Offsets are the per-source stream positions recorded at the
	// checkpoint; sources rewind here before resuming.
	Offsets map[string]int64

	// Gaps lists operators that had no snapshot in the chosen record
	// (at-least-once degraded commits).
	Gaps []string
}

// Manager drives recovery.
type Manager struct {
	backend     state.Backend
	records     RecordSource
	partitioner *partition.Partitioner

	logger zerolog.Logger
}

func NewManager(backend state.Backend, records RecordSource, partitioner *partition.Partitioner) *Manager {
	return &Manager{
		backend:     backend,
		records:     records,
		partitioner: partitioner,
		logger:      logger.GetLogger("recovery"),
	}
}

// Recover selects the highest committed checkpoint whose snapshot data is
// fully durable and readable, falling back to older committed records on
// corruption. The returned plan is deterministic: running recovery twice
// against the same committed id yields identical restored state.
func (m *Manager) Recover(ctx context.Context) (*Plan, error) {
	records, err := m.records.CommittedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing committed records: %w", err)
	}

	for _, rec := range records {
		plan, err := m.planFrom(ctx, rec)
		if err != nil {
			// Corrupt or missing snapshot data: surface and fall back to
			// the next older committed record.
			m.logger.Error().Err(err).Uint64("checkpoint", rec.ID).
				Msg("checkpoint unreadable, falling back to older committed record")
			continue
		}
		m.logger.Info().Uint64("checkpoint", plan.CheckpointID).
			Int("operators", len(plan.Snapshots)).Int("replacements", len(plan.Replacements)).
			Msg("recovery plan selected")
		return plan, nil
	}
	return nil, ErrNoRecoverableCheckpoint
}

func (m *Manager) planFrom(ctx context.Context, rec *checkpoint.Record) (*Plan, error) {
	plan := &Plan{
		CheckpointID: rec.ID,
		PartitionMap: rec.PartitionMap,
		Replacements: make(map[partition.ID]partition.NodeID),
		Snapshots:    make(map[string]state.Handle),
		Offsets:      make(map[string]int64),
		Gaps:         append([]string(nil), rec.Gaps...),
	}

	for op, h := range rec.Snapshots {
		if !h.Durable {
			return nil, fmt.Errorf("snapshot for %s not durable", op)
		}
		// Walking the chain verifies every link is present and decodes.
		chain, err := state.Chain(ctx, m.backend, h)
		if err != nil {
			return nil, fmt.Errorf("verify %s@%d: %w", op, h.CheckpointID, err)
		}
		plan.Snapshots[op] = h
		for k, v := range chain[len(chain)-1].Offsets {
			plan.Offsets[k] = v
		}
	}

	if rec.PartitionMap != nil && m.partitioner != nil {
		for i := range rec.PartitionMap.Owners {
			id := partition.ID(i)
			recorded := rec.PartitionMap.Owners[i].Primary
			if recorded == "" || m.partitioner.Live(recorded) {
				continue
			}
			owners, err := m.partitioner.Owners(id)
			if err != nil || owners.Primary == "" {
				return nil, fmt.Errorf("no live replacement for partition %d (recorded owner %s)", id, recorded)
			}
			plan.Replacements[id] = owners.Primary
		}
	}
	return plan, nil
}

// RestoreOperator replays the planned snapshot's delta chain onto its base
// and swaps the result into the operator's state wholesale. Safe to run
// repeatedly; the outcome depends only on the stored chain.
func (m *Manager) RestoreOperator(ctx context.Context, plan *Plan, op stream.Operator) error {
	h, ok := plan.Snapshots[op.ID()]
	if !ok {
		// Operator recorded as a gap: it restarts with empty state.
		m.logger.Warn().Str("operator", op.ID()).Uint64("checkpoint", plan.CheckpointID).
			Msg("no snapshot in plan, restoring empty state")
		op.State().Replace(nil)
		return nil
	}

	entries, _, err := state.Materialize(ctx, m.backend, h)
	if err != nil {
		return fmt.Errorf("materialize %s@%d: %w", op.ID(), h.CheckpointID, err)
	}
	op.State().Replace(entries)

	// An unaligned snapshot carries events that were in flight when it
	// froze; they were not part of the frozen entries and are replayed on
	// top. Only the newest snapshot's payload applies: in-flight events
	// of older chain links were live state by the time later links froze.
	head, err := m.backend.Restore(ctx, h)
	if err != nil {
		return fmt.Errorf("restore %s@%d: %w", op.ID(), h.CheckpointID, err)
	}
	for _, ev := range head.Inflight {
		if err := op.Apply(stream.Event{Key: ev.Key, Value: ev.Value, Offset: ev.Offset}); err != nil {
			return fmt.Errorf("replay in-flight event for %s: %w", op.ID(), err)
		}
	}
	return nil
}

// RewindSource rewinds a source to the offsets recorded at the chosen
// checkpoint.
func (m *Manager) RewindSource(plan *Plan, src stream.Rewindable) error {
	if len(plan.Offsets) == 0 {
		return nil
	}
	return src.Seek(plan.Offsets)
}
