package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

var (
	// ErrBufferFull signals that alignment buffering hit its bound; the
	// caller must stop reading the affected channel until alignment
	// completes, which is how backpressure propagates.
	ErrBufferFull = errors.New("alignment buffer full")
)

// HandlerState is the barrier handler's position in its state machine.
type HandlerState int

const (
	StateIdle HandlerState = iota
	StateAligning
	StateSnapshotting
	StateForwarded
)

func (s HandlerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAligning:
		return "aligning"
	case StateSnapshotting:
		return "snapshotting"
	case StateForwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

// Acker receives snapshot completion reports from barrier handlers.
type Acker interface {
	OnOperatorAck(ctx context.Context, checkpointID uint64, operatorID string, h state.Handle) error
	OnOperatorNack(ctx context.Context, checkpointID uint64, operatorID string, err error)
}

// HandlerConfig tunes one operator's barrier handling.
type HandlerConfig struct {
	// Aligned selects exactly-once alignment; unaligned handlers snapshot
	// on first barrier arrival.
	Aligned bool
	// MaxBuffered bounds the per-channel alignment queue.
	MaxBuffered int
	// FullSnapshotEvery forces a full snapshot after this many deltas,
	// capping delta chain length and so recovery cost. Zero disables
	// incremental snapshots entirely.
	FullSnapshotEvery int
}

// Handler is the per-operator-instance barrier state machine. It aligns
// barriers across input channels, freezes a copy-on-write state version,
// hands it to the backend asynchronously, and forwards the barrier
// downstream.
type Handler struct {
	op      stream.Operator
	inputs  []string
	outputs []*stream.Channel
	backend state.Backend
	acker   Acker
	cfg     HandlerConfig

	// offsets supplies source positions to embed in snapshots;  nil for
	// non-source operators.
	offsets func() map[string]int64

	mu      sync.Mutex
	hstate  HandlerState
	current uint64
	// finished is the highest checkpoint id this handler has completed or
	// abandoned; barriers at or below it are stale and dropped.
	finished uint64
	snapped  bool
	seen     map[string]bool
	buffered map[string][]stream.Event

	// pending is the unaligned snapshot frozen on the first barrier; it
	// accrues in-flight events from lagging channels and persists once
	// every input delivered its barrier.
	pending *state.Snapshot

	// lastSnapshot and sinceFull are the delta chain bookkeeping.
	lastSnapshot uint64
	sinceFull    int

	// snapshotMu serializes backend.CreateCheckpoint per operator; no two
	// checkpoints may concurrently commit this operator's key range.
	snapshotMu sync.Mutex
	persisting sync.WaitGroup

	logger zerolog.Logger
}

func NewHandler(op stream.Operator, inputs []string, outputs []*stream.Channel,
	backend state.Backend, acker Acker, cfg HandlerConfig) *Handler {
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 1024
	}
	return &Handler{
		op:       op,
		inputs:   inputs,
		outputs:  outputs,
		backend:  backend,
		acker:    acker,
		cfg:      cfg,
		seen:     make(map[string]bool),
		buffered: make(map[string][]stream.Event),
		logger:   logger.GetLogger("barrier").With().Str("operator", op.ID()).Logger(),
	}
}

// SetOffsetSource wires a source position supplier into snapshots.
func (h *Handler) SetOffsetSource(fn func() map[string]int64) {
	h.offsets = fn
}

// State returns the handler's current state machine position.
func (h *Handler) State() HandlerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hstate
}

// OnEvent handles a data event arriving on an input channel. During
// alignment, events from channels that already delivered the barrier are
// buffered, not applied, so epoch N+1 events never leak into snapshot N.
func (h *Handler) OnEvent(ctx context.Context, channel string, ev stream.Event) error {
	h.mu.Lock()
	if h.hstate == StateAligning && h.seen[channel] {
		q := h.buffered[channel]
		if len(q) >= h.cfg.MaxBuffered {
			h.mu.Unlock()
			return ErrBufferFull
		}
		h.buffered[channel] = append(q, ev)
		h.mu.Unlock()
		return nil
	}
	if h.pending != nil && !h.seen[channel] {
		// Unaligned epoch in progress: an event preceding this channel's
		// barrier belongs to the checkpoint as well as to live state, so
		// it rides in the snapshot's in-flight payload.
		h.pending.Inflight = append(h.pending.Inflight, state.InflightEvent{
			Channel: channel,
			Key:     ev.Key,
			Value:   ev.Value,
			Offset:  ev.Offset,
		})
	}
	h.mu.Unlock()
	return h.op.Apply(ev)
}

// OnBarrier handles a barrier arriving on an input channel.
func (h *Handler) OnBarrier(ctx context.Context, channel string, b stream.Barrier) error {
	h.mu.Lock()

	if b.CheckpointID <= h.finished || (h.current != 0 && b.CheckpointID < h.current) {
		// Stale barrier for a checkpoint this handler has moved past.
		h.mu.Unlock()
		return nil
	}
	if h.current != 0 && b.CheckpointID > h.current {
		// A newer checkpoint started while aligning an older one: the
		// older attempt is abandoned (the coordinator will time it out)
		// and its buffered events are applied before the new epoch
		// begins.
		h.logger.Warn().Uint64("abandoned", h.current).Uint64("started", b.CheckpointID).
			Msg("alignment superseded by newer checkpoint")
		h.releaseLocked()
		h.resetLocked()
	}

	if h.current == 0 {
		h.current = b.CheckpointID
		h.hstate = StateAligning
	}
	if h.seen[channel] {
		h.mu.Unlock()
		return nil
	}
	h.seen[channel] = true

	if !h.cfg.Aligned {
		if h.snapped {
			// Already frozen and forwarded on the first arrival; later
			// barriers for this id complete the set, and completion
			// releases the snapshot with its in-flight payload.
			snap := h.finishUnalignedLocked()
			h.mu.Unlock()
			if snap != nil {
				h.persist(ctx, snap)
			}
			return nil
		}
		// Unaligned: freeze on first barrier arrival and forward
		// immediately. Events on channels that have not delivered their
		// barrier yet keep applying and are recorded into the pending
		// snapshot's in-flight payload.
		h.pending = h.freezeLocked(b)
		h.snapped = true
		h.hstate = StateSnapshotting
		h.mu.Unlock()

		for _, out := range h.outputs {
			if err := out.Send(ctx, b); err != nil {
				return err
			}
		}

		h.mu.Lock()
		if h.pending != nil {
			h.hstate = StateForwarded
		}
		snap := h.finishUnalignedLocked()
		h.mu.Unlock()
		if snap != nil {
			h.persist(ctx, snap)
		}
		return nil
	}

	if !h.allSeenLocked() {
		h.mu.Unlock()
		return nil
	}

	// Barrier arrived on every input: snapshot and forward.
	snap := h.freezeLocked(b)
	h.hstate = StateSnapshotting
	h.mu.Unlock()

	h.persist(ctx, snap)
	return h.forwardAndIdle(ctx, b)
}

// Wait blocks until in-flight snapshot persists finish. Test and shutdown
// hook.
func (h *Handler) Wait() {
	h.persisting.Wait()
}

func (h *Handler) allSeenLocked() bool {
	for _, in := range h.inputs {
		if !h.seen[in] {
			return false
		}
	}
	return true
}

// finishUnalignedLocked closes the unaligned epoch once every input has
// delivered its barrier, returning the pending snapshot for persistence.
// Caller holds h.mu.
func (h *Handler) finishUnalignedLocked() *state.Snapshot {
	if h.pending == nil || !h.allSeenLocked() {
		return nil
	}
	snap := h.pending
	h.pending = nil
	h.resetLocked()
	h.hstate = StateIdle
	return snap
}

// freezeLocked copies the operator state for the current checkpoint id.
// The frozen version is immutable; event processing keeps mutating the
// live state while persistence runs in the background. Caller holds h.mu.
func (h *Handler) freezeLocked(b stream.Barrier) *state.Snapshot {
	full := h.cfg.FullSnapshotEvery == 0 ||
		!h.backend.SupportsIncremental() ||
		h.lastSnapshot == 0 ||
		h.sinceFull+1 >= h.cfg.FullSnapshotEvery

	var version *stream.Version
	var base uint64
	if full {
		version = h.op.State().Freeze()
		h.sinceFull = 0
	} else {
		version = h.op.State().FreezeDelta()
		base = h.lastSnapshot
		h.sinceFull++
	}

	snap := &state.Snapshot{
		CheckpointID: h.current,
		OperatorID:   h.op.ID(),
		Base:         base,
		Entries:      version.Entries,
		Deleted:      version.Deleted,
	}
	if len(b.Offsets) > 0 {
		// The barrier carries the source positions captured at injection;
		// those are the offsets that match this snapshot's contents.
		snap.Offsets = make(map[string]int64, len(b.Offsets))
		for k, v := range b.Offsets {
			snap.Offsets[k] = v
		}
	} else if h.offsets != nil {
		snap.Offsets = h.offsets()
	}
	h.lastSnapshot = h.current
	return snap
}

// OnCheckpointAborted redirects the delta chain away from a discarded
// snapshot. If the aborted id could sit in the chain the next delta would
// extend, the next snapshot is forced full.
func (h *Handler) OnCheckpointAborted(checkpointID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if checkpointID != 0 && h.lastSnapshot >= checkpointID {
		h.lastSnapshot = 0
		h.sinceFull = 0
	}
}

// persist hands the frozen snapshot to the backend without blocking event
// processing, then reports to the coordinator.
func (h *Handler) persist(ctx context.Context, snap *state.Snapshot) {
	h.persisting.Add(1)
	go func() {
		defer h.persisting.Done()

		h.snapshotMu.Lock()
		handle, err := h.backend.CreateCheckpoint(ctx, snap)
		h.snapshotMu.Unlock()

		if err != nil {
			h.logger.Err(err).Uint64("checkpoint", snap.CheckpointID).Msg("snapshot persist failed")
			h.acker.OnOperatorNack(ctx, snap.CheckpointID, snap.OperatorID, err)
			return
		}
		if err := h.acker.OnOperatorAck(ctx, snap.CheckpointID, snap.OperatorID, handle); err != nil {
			h.logger.Err(err).Uint64("checkpoint", snap.CheckpointID).Msg("ack rejected")
		}
	}()
}

// forwardAndIdle emits the barrier on every output channel, releases
// buffered events in arrival order, and returns the handler to Idle.
func (h *Handler) forwardAndIdle(ctx context.Context, b stream.Barrier) error {
	for _, out := range h.outputs {
		if err := out.Send(ctx, b); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.hstate = StateForwarded
	err := h.releaseLocked()
	h.resetLocked()
	h.hstate = StateIdle
	h.mu.Unlock()
	return err
}

// releaseLocked applies buffered events in per-channel FIFO order. Caller
// holds h.mu.
func (h *Handler) releaseLocked() error {
	for _, in := range h.inputs {
		for _, ev := range h.buffered[in] {
			if err := h.op.Apply(ev); err != nil {
				return err
			}
		}
		delete(h.buffered, in)
	}
	return nil
}

// resetLocked clears per-checkpoint tracking. Caller holds h.mu.
func (h *Handler) resetLocked() {
	if h.current > h.finished {
		h.finished = h.current
	}
	h.current = 0
	h.snapped = false
	h.pending = nil
	h.seen = make(map[string]bool)
}

// Run pumps input channels through the handler until the context is done
// or every input closes. A full alignment buffer pauses the affected
// channel's reader, letting channel backpressure reach the sender.
func (h *Handler) Run(ctx context.Context, inputs []*stream.Channel) {
	var wg sync.WaitGroup
	for _, ch := range inputs {
		wg.Add(1)
		go func(ch *stream.Channel) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch.Recv():
					if !ok {
						return
					}
					h.dispatch(ctx, ch.ID(), msg)
				}
			}
		}(ch)
	}
	wg.Wait()
}

func (h *Handler) dispatch(ctx context.Context, channel string, msg stream.Message) {
	switch m := msg.(type) {
	case stream.Event:
		for {
			err := h.OnEvent(ctx, channel, m)
			if !errors.Is(err, ErrBufferFull) {
				if err != nil {
					h.logger.Err(err).Str("channel", channel).Msg("event apply failed")
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	case stream.Barrier:
		if err := h.OnBarrier(ctx, channel, m); err != nil {
			h.logger.Err(err).Str("channel", channel).Uint64("checkpoint", m.CheckpointID).
				Msg("barrier handling failed")
		}
	}
}
