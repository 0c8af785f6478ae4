package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/state"
)

// Mode selects the delivery guarantee the checkpoint subsystem provides.
type Mode int

const (
	// ExactlyOnce requires aligned barriers and atomic all-or-nothing
	// commit.
	ExactlyOnce Mode = iota
	// AtLeastOnce permits unaligned snapshots and best-effort acks;
	// recovery may replay events downstream consumers must tolerate.
	AtLeastOnce
)

func (m Mode) String() string {
	if m == AtLeastOnce {
		return "at-least-once"
	}
	return "exactly-once"
}

// ParseMode parses the consistency_mode configuration value.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exactly-once", "exactly_once", "":
		return ExactlyOnce, nil
	case "at-least-once", "at_least_once":
		return AtLeastOnce, nil
	default:
		return ExactlyOnce, fmt.Errorf("unknown consistency mode %q", s)
	}
}

// ConsistencyManager owns the durability gate and the lifetime of
// committed checkpoints: the previous committed checkpoint is held alive
// until its successor clears the gate, so at least one recoverable
// checkpoint exists at all times.
type ConsistencyManager struct {
	mode    Mode
	backend state.Backend

	mu       sync.Mutex
	retained map[uint64]*Record

	logger zerolog.Logger
}

func NewConsistencyManager(mode Mode, backend state.Backend) *ConsistencyManager {
	return &ConsistencyManager{
		mode:     mode,
		backend:  backend,
		retained: make(map[uint64]*Record),
		logger:   logger.GetLogger("consistency"),
	}
}

func (c *ConsistencyManager) Mode() Mode {
	return c.mode
}

// Aligned reports whether barrier handlers must run the aligned path.
func (c *ConsistencyManager) Aligned() bool {
	return c.mode == ExactlyOnce
}

// AckTimeout derives the effective ack deadline from the configured
// checkpoint timeout. At-least-once runs a shorter, best-effort deadline.
func (c *ConsistencyManager) AckTimeout(configured time.Duration) time.Duration {
	if c.mode == AtLeastOnce {
		return configured / 2
	}
	return configured
}

// Durable reports whether every snapshot referenced by the record has been
// confirmed durable by the backend. A checkpoint is usable for recovery
// only once this gate passes.
func (c *ConsistencyManager) Durable(rec *Record) bool {
	for _, h := range rec.Snapshots {
		if !h.Durable {
			return false
		}
	}
	return len(rec.Snapshots) > 0
}

// Verify walks every snapshot chain the record references back to a full
// snapshot. A concurrent abort may have discarded a base a delta here
// chains through, and such a record is unrecoverable; the gate refuses it
// even when every handle reports durable.
func (c *ConsistencyManager) Verify(ctx context.Context, rec *Record) error {
	for op, h := range rec.Snapshots {
		if _, err := state.ChainIDs(ctx, c.backend, h); err != nil {
			return fmt.Errorf("chain for %s@%d: %w", op, h.CheckpointID, err)
		}
	}
	return nil
}

// AllowGap reports whether a backend failure for one operator may be
// recorded as a gap instead of aborting the whole checkpoint.
func (c *ConsistencyManager) AllowGap() bool {
	return c.mode == AtLeastOnce
}

// Retain registers a committed record as recoverable.
func (c *ConsistencyManager) Retain(rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retained[rec.ID] = rec
}

// Retained returns the ids of records currently held alive.
func (c *ConsistencyManager) Retained() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.retained))
	for id := range c.retained {
		ids = append(ids, id)
	}
	return ids
}

// Retire garbage-collects the given superseded record once its successor
// is durable. Snapshots still reachable from a retained record's delta
// chain survive; the rest are discarded from the backend. The latest
// committed record is never retired.
func (c *ConsistencyManager) Retire(ctx context.Context, prev, successor *Record) error {
	if prev == nil {
		return nil
	}
	if !c.Durable(successor) {
		// Successor has not cleared the gate yet; keep prev alive.
		return nil
	}

	c.mu.Lock()
	delete(c.retained, prev.ID)
	retained := make([]*Record, 0, len(c.retained))
	for _, r := range c.retained {
		retained = append(retained, r)
	}
	c.mu.Unlock()

	// Per operator, collect every checkpoint id still reachable from a
	// retained chain.
	live := make(map[string]map[uint64]struct{})
	for _, r := range retained {
		for op, h := range r.Snapshots {
			ids, err := state.ChainIDs(ctx, c.backend, h)
			if err != nil {
				// If a chain cannot be walked, keep everything rather
				// than risk deleting a live base.
				c.logger.Err(err).Uint64("checkpoint", r.ID).Str("operator", op).
					Msg("chain walk failed during retire, skipping gc")
				return err
			}
			m, ok := live[op]
			if !ok {
				m = make(map[uint64]struct{})
				live[op] = m
			}
			for _, id := range ids {
				m[id] = struct{}{}
			}
		}
	}

	for op, h := range prev.Snapshots {
		if m, ok := live[op]; ok {
			if _, reachable := m[h.CheckpointID]; reachable {
				continue
			}
		}
		if err := c.backend.Discard(ctx, h); err != nil {
			return fmt.Errorf("discard %s@%d: %w", op, h.CheckpointID, err)
		}
	}
	c.logger.Debug().Uint64("retired", prev.ID).Uint64("successor", successor.ID).
		Msg("superseded checkpoint garbage collected")
	return nil
}

// DiscardPartial removes whatever snapshots an aborted checkpoint managed
// to store.
func (c *ConsistencyManager) DiscardPartial(ctx context.Context, rec *Record) {
	for op, h := range rec.Snapshots {
		if err := c.backend.Discard(ctx, h); err != nil {
			c.logger.Err(err).Str("operator", op).Uint64("checkpoint", rec.ID).
				Msg("failed to discard partial snapshot")
		}
	}
}

// DiscardHandle drops a single stored snapshot no record references, such
// as one carried by an ack that arrived after its checkpoint aborted.
func (c *ConsistencyManager) DiscardHandle(ctx context.Context, h state.Handle) {
	if err := c.backend.Discard(ctx, h); err != nil {
		c.logger.Err(err).Str("operator", h.OperatorID).Uint64("checkpoint", h.CheckpointID).
			Msg("failed to discard orphaned snapshot")
	}
}
