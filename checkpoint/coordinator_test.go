package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

// stubJournal is an in-memory Journal for coordinator tests. The raft
// implementation lives in internal/journal and has its own tests.
type stubJournal struct {
	mu      sync.Mutex
	counter uint64
	records map[uint64]*Record
	leader  bool

	saveErr error
}

func newStubJournal() *stubJournal {
	return &stubJournal{records: make(map[uint64]*Record), leader: true}
}

func (j *stubJournal) NextCheckpointID() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.counter++
	return j.counter, nil
}

func (j *stubJournal) SaveRecord(rec *Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.saveErr != nil {
		return j.saveErr
	}
	j.records[rec.ID] = rec
	return nil
}

func (j *stubJournal) Records() ([]*Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Record, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r)
	}
	return out, nil
}

func (j *stubJournal) IsLeader() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.leader
}

func (j *stubJournal) setLeader(v bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.leader = v
}

func (j *stubJournal) record(id uint64) (*Record, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[id]
	return r, ok
}

func setupCoordinator(t *testing.T, mode Mode, cfg CoordinatorConfig) (*Coordinator, *stubJournal, *state.MemoryBackend, *stream.Channel) {
	t.Helper()
	journal := newStubJournal()
	backend := state.NewMemoryBackend()
	consistency := NewConsistencyManager(mode, backend)

	p := partition.NewPartitioner(8, 2, 16)
	_, err := p.Bootstrap("node-a", "node-b")
	require.NoError(t, err)

	c := NewCoordinator(journal, consistency, p, nil, cfg)
	src := stream.NewChannel("source", 16)
	c.RegisterSource(src, nil)
	t.Cleanup(func() { backend.Close() })
	return c, journal, backend, src
}

func durableHandle(t *testing.T, backend *state.MemoryBackend, id uint64, op string) state.Handle {
	t.Helper()
	h, err := backend.CreateCheckpoint(context.Background(), &state.Snapshot{
		CheckpointID: id,
		OperatorID:   op,
		Entries:      map[string][]byte{"k": []byte("v")},
	})
	require.NoError(t, err)
	return h
}

func TestTriggerInjectsBarrierAndCommitOnAllAcks(t *testing.T) {
	c, journal, backend, src := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1", "op-2")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.Equal(t, 1, c.InFlight())

	msg := <-src.Recv()
	b, ok := msg.(stream.Barrier)
	require.True(t, ok)
	assert.Equal(t, id, b.CheckpointID)

	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	_, committed := c.LastCommitted()
	assert.False(t, committed, "must not commit until every operator acked")

	require.NoError(t, c.OnOperatorAck(ctx, id, "op-2", durableHandle(t, backend, id, "op-2")))

	rec, committed := c.LastCommitted()
	require.True(t, committed)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, 0, c.InFlight())

	// The committed record reached the journal and embeds the ownership
	// map from trigger time.
	saved, ok := journal.record(id)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, saved.Status)
	require.NotNil(t, saved.PartitionMap)
	assert.Equal(t, uint64(1), saved.PartitionMap.Version)
}

func TestTriggerRequiresLeadership(t *testing.T) {
	c, journal, _, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	journal.setLeader(false)

	_, err := c.Trigger(context.Background())
	require.ErrorIs(t, err, ErrNotLeader)
}

func TestTriggerBusy(t *testing.T) {
	c, _, _, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute, MaxConcurrent: 1})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	_, err := c.Trigger(ctx)
	require.NoError(t, err)

	_, err = c.Trigger(ctx)
	require.ErrorIs(t, err, ErrCheckpointBusy)
}

func TestTriggerRejectedDuringMigration(t *testing.T) {
	c, _, _, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	ctx := context.Background()

	_, err := c.partitioner.OnNodeJoin("node-c")
	require.NoError(t, err)
	moves := c.partitioner.Rebalance()
	require.NotEmpty(t, moves)
	require.NoError(t, c.partitioner.StartMigration(moves[0]))

	_, err = c.Trigger(ctx)
	require.ErrorIs(t, err, ErrRebalanceActive)

	// Once the migration confirms, triggering works again.
	_, err = c.partitioner.ConfirmTransfer(moves[0].Partition)
	require.NoError(t, err)
	_, err = c.Trigger(ctx)
	require.NoError(t, err)
}

// A timed-out checkpoint aborts, its partial snapshots are discarded, the
// same id is never retried, and the next trigger succeeds independently.
func TestTimeoutAbortsAndNextSucceeds(t *testing.T) {
	c, journal, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: 50 * time.Millisecond})
	c.ExpectOperators("op-1", "op-2")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)

	// One operator acks; the other never does.
	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))

	require.Eventually(t, func() bool {
		rec, ok := journal.record(id)
		return ok && rec.Status == StatusAborted
	}, 2*time.Second, 10*time.Millisecond)

	// The partial snapshot is gone.
	handles, err := backend.List(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, handles)

	// The tardy ack after abort is discarded, not resurrected, and its
	// snapshot does not linger in the backend.
	require.NoError(t, c.OnOperatorAck(ctx, id, "op-2", durableHandle(t, backend, id, "op-2")))
	_, committed := c.LastCommitted()
	assert.False(t, committed)

	handles, err = backend.List(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, handles)

	// The next trigger mints a fresh, higher id.
	next, err := c.Trigger(ctx)
	require.NoError(t, err)
	assert.Greater(t, next, id)
}

func TestNackAbortsExactlyOnce(t *testing.T) {
	c, journal, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1", "op-2")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)

	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	c.OnOperatorNack(ctx, id, "op-2", errors.New("disk full"))

	rec, ok := journal.record(id)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, rec.Status)
	assert.Equal(t, 0, c.InFlight())
}

// At-least-once records a failing operator as a gap and commits degraded
// instead of aborting.
func TestNackDegradesAtLeastOnce(t *testing.T) {
	c, journal, backend, _ := setupCoordinator(t, AtLeastOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1", "op-2")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)

	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	c.OnOperatorNack(ctx, id, "op-2", errors.New("disk full"))

	rec, ok := journal.record(id)
	require.True(t, ok)
	assert.Equal(t, StatusCommitted, rec.Status)
	assert.Equal(t, []string{"op-2"}, rec.Gaps)
}

func TestCommitRefusesNonDurableSnapshot(t *testing.T) {
	c, journal, _, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)

	// A handle that never cleared the durability gate.
	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", state.Handle{CheckpointID: id, OperatorID: "op-1"}))

	rec, ok := journal.record(id)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, rec.Status)
	_, committed := c.LastCommitted()
	assert.False(t, committed)
}

// A delta snapshot whose base was discarded by a concurrent abort is
// unrecoverable; the commit gate aborts the checkpoint instead of
// promoting it.
func TestCommitRefusesBrokenDeltaChain(t *testing.T) {
	c, journal, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	id, err := c.Trigger(ctx)
	require.NoError(t, err)

	h, err := backend.CreateCheckpoint(ctx, &state.Snapshot{
		CheckpointID: id,
		OperatorID:   "op-1",
		Base:         id + 100, // base never persisted
		Entries:      map[string][]byte{"k": []byte("v")},
	})
	require.NoError(t, err)
	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", h))

	rec, ok := journal.record(id)
	require.True(t, ok)
	assert.Equal(t, StatusAborted, rec.Status)
	_, committed := c.LastCommitted()
	assert.False(t, committed)
}

// Handlers subscribed to abort notifications hear about timed-out and
// nacked checkpoints.
func TestAbortNotifiesRegisteredHandlers(t *testing.T) {
	c, _, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1", "op-2")
	ctx := context.Background()

	var mu sync.Mutex
	var aborted []uint64
	c.RegisterHandler(abortListenerFunc(func(id uint64) {
		mu.Lock()
		aborted = append(aborted, id)
		mu.Unlock()
	}))

	id, err := c.Trigger(ctx)
	require.NoError(t, err)
	require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	c.OnOperatorNack(ctx, id, "op-2", errors.New("disk full"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{id}, aborted)
}

type abortListenerFunc func(uint64)

func (f abortListenerFunc) OnCheckpointAborted(id uint64) { f(id) }

func TestCommittedRecordsNewestFirst(t *testing.T) {
	c, _, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute, MaxConcurrent: 4})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, err := c.Trigger(ctx)
		require.NoError(t, err)
		require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	}

	records, err := c.CommittedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[0].ID)
	assert.Equal(t, uint64(1), records[2].ID)
}

func TestTriggerWithoutOperators(t *testing.T) {
	c, _, _, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})

	_, err := c.Trigger(context.Background())
	require.ErrorIs(t, err, ErrNoOperators)
}

// Source positions read at trigger time ride in the injected barrier, so
// handlers freeze the offsets of the events preceding the barrier rather
// than whatever the source has consumed by the time they snapshot.
func TestBarrierCarriesSourcePositions(t *testing.T) {
	c, _, _, src := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1")

	tracked := stream.NewChannel("tracked", 16)
	c.RegisterSource(tracked, func() map[string]int64 {
		return map[string]int64{"topic/0": 41}
	})

	_, err := c.Trigger(context.Background())
	require.NoError(t, err)

	for _, ch := range []*stream.Channel{src, tracked} {
		msg := <-ch.Recv()
		b, ok := msg.(stream.Barrier)
		require.True(t, ok)
		assert.Equal(t, int64(41), b.Offsets["topic/0"])
	}
}

func TestCommittedHistoryBounded(t *testing.T) {
	c, _, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		id, err := c.Trigger(ctx)
		require.NoError(t, err)
		require.NoError(t, c.OnOperatorAck(ctx, id, "op-1", durableHandle(t, backend, id, "op-1")))
	}

	records, err := c.CommittedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, maxCommittedHistory)
	assert.Equal(t, uint64(20), records[0].ID)
	assert.Equal(t, uint64(5), records[len(records)-1].ID)
}

func TestSupersededCheckpointRetired(t *testing.T) {
	c, _, backend, _ := setupCoordinator(t, ExactlyOnce, CoordinatorConfig{Timeout: time.Minute, MaxConcurrent: 4})
	c.ExpectOperators("op-1")
	ctx := context.Background()

	id1, err := c.Trigger(ctx)
	require.NoError(t, err)
	require.NoError(t, c.OnOperatorAck(ctx, id1, "op-1", durableHandle(t, backend, id1, "op-1")))

	id2, err := c.Trigger(ctx)
	require.NoError(t, err)
	require.NoError(t, c.OnOperatorAck(ctx, id2, "op-1", durableHandle(t, backend, id2, "op-1")))

	// Checkpoint 1's snapshots are garbage collected once checkpoint 2 is
	// durable; checkpoint 2 survives.
	handles, err := backend.List(ctx, id1)
	require.NoError(t, err)
	assert.Empty(t, handles)

	handles, err = backend.List(ctx, id2)
	require.NoError(t, err)
	assert.Len(t, handles, 1)
}
