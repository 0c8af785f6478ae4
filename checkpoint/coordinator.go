package checkpoint

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/cluster"
	"github.com/millrace/weir/internal/command"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

var (
	// ErrCheckpointBusy is returned when max_concurrent_checkpoints are
	// already in flight.
	ErrCheckpointBusy = errors.New("too many concurrent checkpoints")

	// ErrRebalanceActive is returned when a checkpoint trigger coincides
	// with an active partition migration. The next scheduled trigger
	// proceeds once the migration confirms.
	ErrRebalanceActive = errors.New("partition migration active")

	// ErrUnknownCheckpoint is returned for operations naming an id the
	// coordinator is not tracking.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrNotLeader is returned when a non-leader coordinator is asked to
	// trigger a checkpoint.
	ErrNotLeader = errors.New("not the coordinator leader")

	// ErrNoOperators is returned when a checkpoint is triggered before any
	// operator registered; such a checkpoint could never complete.
	ErrNoOperators = errors.New("no operators registered")
)

// maxCommittedHistory bounds the in-memory committed record list. The
// journal keeps the full history; this list serves recovery and the
// control plane, which only need the recent, still-recoverable tail.
const maxCommittedHistory = 16

// Journal is the coordination-service-backed store of the coordinator's
// authoritative state: the checkpoint id counter and the record set. A
// re-elected coordinator resumes from here and never reissues a lower id.
type Journal interface {
	// NextCheckpointID durably advances and returns the counter.
	NextCheckpointID() (uint64, error)
	// SaveRecord durably stores a record's terminal metadata.
	SaveRecord(rec *Record) error
	// Records returns every stored record.
	Records() ([]*Record, error)
	// IsLeader reports whether this node currently holds coordination
	// leadership.
	IsLeader() bool
}

// barrierAnnounce is broadcast to peer nodes when a checkpoint starts, so
// their source operators inject the same barrier.
type barrierAnnounce struct {
	CheckpointID uint64           `codec:"checkpoint_id"`
	SourceTime   int64            `codec:"source_time"`
	Offsets      map[string]int64 `codec:"offsets"`
}

// AbortListener is notified after a checkpoint aborts and its partial
// snapshots are discarded. Barrier handlers use this to keep their delta
// chains off discarded bases.
type AbortListener interface {
	OnCheckpointAborted(checkpointID uint64)
}

// CoordinatorConfig carries the configuration surface the coordinator
// consumes.
type CoordinatorConfig struct {
	NodeID        partition.NodeID
	Interval      time.Duration
	Timeout       time.Duration
	MaxConcurrent int
}

// sourceReg pairs a source channel with the supplier of its consumption
// position, read at barrier injection time.
type sourceReg struct {
	ch  *stream.Channel
	pos func() map[string]int64
}

// Coordinator is the single authority that mints checkpoint ids, injects
// barriers at stream sources, tracks per-operator acks, and commits or
// aborts checkpoints. It is a singleton control-plane role made
// fault-tolerant by the journal, not by internal locking.
type Coordinator struct {
	journal     Journal
	consistency *ConsistencyManager
	partitioner *partition.Partitioner
	transport   cluster.Transport
	cfg         CoordinatorConfig

	mu            sync.Mutex
	sources       []sourceReg
	operators     []string
	listeners     []AbortListener
	inflight      map[uint64]*Record
	timers        map[uint64]*time.Timer
	committed     []*Record // ascending by id
	lastCommitted *Record

	logger zerolog.Logger
}

func NewCoordinator(journal Journal, consistency *ConsistencyManager,
	partitioner *partition.Partitioner, transport cluster.Transport,
	cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Coordinator{
		journal:     journal,
		consistency: consistency,
		partitioner: partitioner,
		transport:   transport,
		cfg:         cfg,
		inflight:    make(map[uint64]*Record),
		timers:      make(map[uint64]*time.Timer),
		logger:      logger.GetLogger("coordinator"),
	}
}

// RegisterSource adds a source output channel barriers are injected into.
// A non-nil position supplier is read at injection time and its offsets
// ride in the barrier, tying the recorded positions to the barrier's place
// in the stream rather than to whenever a handler freezes.
func (c *Coordinator) RegisterSource(ch *stream.Channel, pos func() map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, sourceReg{ch: ch, pos: pos})
}

// RegisterHandler subscribes a barrier handler to abort notifications.
func (c *Coordinator) RegisterHandler(l AbortListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// ExpectOperators declares the operator ids whose acks complete a
// checkpoint.
func (c *Coordinator) ExpectOperators(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.operators = append(c.operators, ids...)
}

// Trigger starts a checkpoint: mints a fresh id, records it, arms the
// timeout, and injects a barrier into every registered source.
func (c *Coordinator) Trigger(ctx context.Context) (uint64, error) {
	if !c.journal.IsLeader() {
		return 0, ErrNotLeader
	}
	if c.partitioner != nil && c.partitioner.MigrationActive() {
		return 0, ErrRebalanceActive
	}

	c.mu.Lock()
	if len(c.operators) == 0 {
		c.mu.Unlock()
		return 0, ErrNoOperators
	}
	if len(c.inflight) >= c.cfg.MaxConcurrent {
		c.mu.Unlock()
		return 0, ErrCheckpointBusy
	}

	id, err := c.journal.NextCheckpointID()
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}

	var pm *partition.Map
	if c.partitioner != nil {
		pm = c.partitioner.Current()
	}
	rec := newRecord(id, c.operators, pm)
	c.inflight[id] = rec

	timeout := c.consistency.AckTimeout(c.cfg.Timeout)
	c.timers[id] = time.AfterFunc(timeout, func() {
		c.onTimeout(context.Background(), id)
	})
	sources := c.sources
	c.mu.Unlock()

	c.logger.Info().Uint64("checkpoint", id).Dur("timeout", timeout).Msg("checkpoint triggered")

	// Source positions are captured before injection so the barrier's
	// offsets cover exactly the events that precede it on each channel.
	offsets := make(map[string]int64)
	for _, src := range sources {
		if src.pos == nil {
			continue
		}
		for k, v := range src.pos() {
			offsets[k] = v
		}
	}

	barrier := stream.Barrier{CheckpointID: id, SourceTime: time.Now().UTC(), Offsets: offsets}
	for _, src := range sources {
		if err := src.ch.Send(ctx, barrier); err != nil {
			c.logger.Err(err).Uint64("checkpoint", id).Msg("barrier injection failed")
			c.abort(ctx, id, err)
			return 0, err
		}
	}

	if c.transport != nil {
		buf, err := command.EncodeMsgPack(barrierAnnounce{
			CheckpointID: id,
			SourceTime:   barrier.SourceTime.UnixNano(),
			Offsets:      offsets,
		})
		if err == nil {
			// Persistent send failure here is surfaced by the transport
			// as node-unreachable; it does not abort the checkpoint
			// unless acks then miss the timeout.
			if berr := c.transport.Broadcast(ctx, cluster.Message{
				Type:    cluster.MsgBarrier,
				From:    c.cfg.NodeID,
				Payload: buf.Bytes(),
			}); berr != nil {
				c.logger.Warn().Err(berr).Uint64("checkpoint", id).Msg("barrier broadcast degraded")
			}
		}
	}
	return id, nil
}

// OnOperatorAck records a completed operator snapshot. When all expected
// operators have acked, the record commits and the previous committed
// checkpoint is retired.
func (c *Coordinator) OnOperatorAck(ctx context.Context, checkpointID uint64, operatorID string, h state.Handle) error {
	c.mu.Lock()
	rec, ok := c.inflight[checkpointID]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		// Tardy ack for a committed or aborted checkpoint: the record no
		// longer references this snapshot, so it is discarded from the
		// backend as well.
		c.logger.Debug().Uint64("checkpoint", checkpointID).Str("operator", operatorID).
			Msg("discarding tardy ack")
		c.consistency.DiscardHandle(ctx, h)
		return nil
	}
	rec.Snapshots[operatorID] = h
	if !rec.complete() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.commit(ctx, checkpointID)
}

// OnOperatorNack records a snapshot failure. ExactlyOnce aborts the whole
// checkpoint; AtLeastOnce records the operator as a gap and degrades.
func (c *Coordinator) OnOperatorNack(ctx context.Context, checkpointID uint64, operatorID string, cause error) {
	c.mu.Lock()
	rec, ok := c.inflight[checkpointID]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	if !c.consistency.AllowGap() {
		c.mu.Unlock()
		c.logger.Error().Err(cause).Uint64("checkpoint", checkpointID).Str("operator", operatorID).
			Msg("snapshot failed, aborting checkpoint")
		c.abort(ctx, checkpointID, cause)
		return
	}

	c.logger.Warn().Err(cause).Uint64("checkpoint", checkpointID).Str("operator", operatorID).
		Msg("snapshot failed, recording gap (degraded at-least-once)")
	rec.Gaps = append(rec.Gaps, operatorID)
	complete := rec.complete()
	c.mu.Unlock()

	if complete {
		if err := c.commit(ctx, checkpointID); err != nil {
			c.logger.Err(err).Uint64("checkpoint", checkpointID).Msg("degraded commit failed")
		}
	}
}

// commit transitions a fully-acked record to Committed, persists it, and
// retires the previous committed checkpoint once the new one is durable.
func (c *Coordinator) commit(ctx context.Context, checkpointID uint64) error {
	c.mu.Lock()
	rec, ok := c.inflight[checkpointID]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		return nil
	}
	if !c.consistency.Durable(rec) {
		// All-or-nothing: a non-durable snapshot can never be promoted.
		c.mu.Unlock()
		c.abort(ctx, checkpointID, errors.New("snapshot not durable"))
		return nil
	}
	c.mu.Unlock()

	// An earlier abort may have discarded a base some delta here chains
	// through; a record with a broken chain is unrecoverable and must
	// never be promoted.
	if err := c.consistency.Verify(ctx, rec); err != nil {
		c.logger.Error().Err(err).Uint64("checkpoint", checkpointID).
			Msg("snapshot chain unreadable, aborting checkpoint")
		c.abort(ctx, checkpointID, err)
		return nil
	}

	c.mu.Lock()
	if rec.Status != StatusPending {
		// Aborted while the chain was being verified.
		c.mu.Unlock()
		return nil
	}
	rec.Status = StatusCommitted
	rec.CompletedAt = time.Now().UTC()
	c.stopTimerLocked(checkpointID)
	delete(c.inflight, checkpointID)

	prev := c.lastCommitted
	c.lastCommitted = rec
	c.committed = append(c.committed, rec)
	sort.Slice(c.committed, func(i, j int) bool { return c.committed[i].ID < c.committed[j].ID })
	c.pruneCommittedLocked()
	c.mu.Unlock()

	if err := c.journal.SaveRecord(rec); err != nil {
		c.logger.Err(err).Uint64("checkpoint", checkpointID).Msg("journal save failed")
		return err
	}

	c.consistency.Retain(rec)
	c.logger.Info().Uint64("checkpoint", checkpointID).
		Dur("elapsed", rec.CompletedAt.Sub(rec.CreatedAt)).Msg("checkpoint committed")

	if prev != nil {
		if err := c.consistency.Retire(ctx, prev, rec); err != nil {
			c.logger.Err(err).Uint64("checkpoint", prev.ID).Msg("retire failed")
		}
	}
	return nil
}

// onTimeout aborts a checkpoint whose acks did not arrive in time. The
// previous committed checkpoint remains valid and the next scheduled
// trigger proceeds independently; the same id is never retried.
func (c *Coordinator) onTimeout(ctx context.Context, checkpointID uint64) {
	c.mu.Lock()
	rec, ok := c.inflight[checkpointID]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.logger.Warn().Uint64("checkpoint", checkpointID).Msg("checkpoint timed out")
	c.abort(ctx, checkpointID, context.DeadlineExceeded)
}

// abort transitions a record to Aborted and discards partial snapshots.
// No rollback of live processing state is needed: nothing was promoted.
func (c *Coordinator) abort(ctx context.Context, checkpointID uint64, cause error) {
	c.mu.Lock()
	rec, ok := c.inflight[checkpointID]
	if !ok || rec.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	rec.Status = StatusAborted
	rec.CompletedAt = time.Now().UTC()
	c.stopTimerLocked(checkpointID)
	delete(c.inflight, checkpointID)
	listeners := c.listeners
	c.mu.Unlock()

	c.consistency.DiscardPartial(ctx, rec)
	// Handlers whose delta chains could run through the discarded
	// snapshots must re-root on a full snapshot.
	for _, l := range listeners {
		l.OnCheckpointAborted(checkpointID)
	}
	if err := c.journal.SaveRecord(rec); err != nil {
		c.logger.Err(err).Uint64("checkpoint", checkpointID).Msg("journal save failed for aborted record")
	}
	c.logger.Warn().Err(cause).Uint64("checkpoint", checkpointID).Msg("checkpoint aborted")
}

// pruneCommittedLocked drops old committed records from the in-memory
// list, keeping the recent tail plus anything the consistency manager
// still retains. Caller holds c.mu.
func (c *Coordinator) pruneCommittedLocked() {
	if len(c.committed) <= maxCommittedHistory {
		return
	}
	retained := make(map[uint64]struct{})
	for _, id := range c.consistency.Retained() {
		retained[id] = struct{}{}
	}
	kept := c.committed[:0]
	for i, r := range c.committed {
		if _, live := retained[r.ID]; live || len(c.committed)-i <= maxCommittedHistory {
			kept = append(kept, r)
		}
	}
	c.committed = kept
}

func (c *Coordinator) stopTimerLocked(checkpointID uint64) {
	if t, ok := c.timers[checkpointID]; ok {
		t.Stop()
		delete(c.timers, checkpointID)
	}
}

// Run triggers checkpoints on the configured interval until the context is
// done. Busy and rebalance-active ticks are skipped, not queued.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.Trigger(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrCheckpointBusy), errors.Is(err, ErrRebalanceActive),
				errors.Is(err, ErrNotLeader), errors.Is(err, ErrNoOperators):
				c.logger.Debug().Err(err).Msg("skipping checkpoint tick")
			default:
				c.logger.Err(err).Msg("checkpoint trigger failed")
			}
		}
	}
}

// LastCommitted returns the most recent committed record.
func (c *Coordinator) LastCommitted() (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCommitted == nil {
		return nil, false
	}
	return c.lastCommitted, true
}

// CommittedRecords returns committed records, newest first. This is the
// record source recovery consults.
func (c *Coordinator) CommittedRecords(ctx context.Context) ([]*Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Record, len(c.committed))
	for i, r := range c.committed {
		out[len(c.committed)-1-i] = r
	}
	return out, nil
}

// InFlight reports the number of pending checkpoints.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
