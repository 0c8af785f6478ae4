package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

// staticRecords serves a fixed record list, newest first.
type staticRecords struct {
	records []*checkpoint.Record
}

func (s *staticRecords) CommittedRecords(ctx context.Context) ([]*checkpoint.Record, error) {
	return s.records, nil
}

// rewindSpy records the offsets a Seek delivered.
type rewindSpy struct {
	seeked map[string]int64
}

func (r *rewindSpy) Position() map[string]int64 { return r.seeked }

func (r *rewindSpy) Seek(offsets map[string]int64) error {
	r.seeked = offsets
	return nil
}

func storeSnapshot(t *testing.T, b state.Backend, snap *state.Snapshot) state.Handle {
	t.Helper()
	h, err := b.CreateCheckpoint(context.Background(), snap)
	require.NoError(t, err)
	return h
}

func committedRecord(id uint64, snaps map[string]state.Handle, pm *partition.Map) *checkpoint.Record {
	return &checkpoint.Record{
		ID:           id,
		Status:       checkpoint.StatusCommitted,
		Snapshots:    snaps,
		PartitionMap: pm,
	}
}

func setupRecovery(t *testing.T, records ...*checkpoint.Record) (*Manager, *state.MemoryBackend, *partition.Partitioner) {
	t.Helper()
	backend := state.NewMemoryBackend()
	p := partition.NewPartitioner(8, 2, 16)
	_, err := p.Bootstrap("node-a", "node-b")
	require.NoError(t, err)
	m := NewManager(backend, &staticRecords{records: records}, p)
	t.Cleanup(func() { backend.Close() })
	return m, backend, p
}

func TestRecoverSelectsNewestDurable(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	h1 := storeSnapshot(t, backend, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1", Entries: map[string][]byte{"a": []byte("old")}})
	h2 := storeSnapshot(t, backend, &state.Snapshot{
		CheckpointID: 2, OperatorID: "op-1",
		Entries: map[string][]byte{"a": []byte("new")},
		Offsets: map[string]int64{"events/0": 99},
	})

	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(2, map[string]state.Handle{"op-1": h2}, nil),
		committedRecord(1, map[string]state.Handle{"op-1": h1}, nil),
	}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), plan.CheckpointID)
	assert.Equal(t, map[string]int64{"events/0": 99}, plan.Offsets)
}

func TestRecoverFallsBackOnCorruption(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	h1 := storeSnapshot(t, backend, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1", Entries: map[string][]byte{"a": []byte("old")}})
	h2 := storeSnapshot(t, backend, &state.Snapshot{CheckpointID: 2, OperatorID: "op-1", Entries: map[string][]byte{"a": []byte("new")}})

	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(2, map[string]state.Handle{"op-1": h2}, nil),
		committedRecord(1, map[string]state.Handle{"op-1": h1}, nil),
	}}

	backend.Corrupt("op-1", 2)

	plan, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), plan.CheckpointID)
}

func TestRecoverFatalWithoutCheckpoint(t *testing.T) {
	m, _, _ := setupRecovery(t)
	_, err := m.Recover(context.Background())
	require.ErrorIs(t, err, ErrNoRecoverableCheckpoint)
}

func TestRecoverRejectsNonDurableRecord(t *testing.T) {
	m, _, _ := setupRecovery(t)

	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(1, map[string]state.Handle{"op-1": {CheckpointID: 1, OperatorID: "op-1"}}, nil),
	}}

	_, err := m.Recover(context.Background())
	require.ErrorIs(t, err, ErrNoRecoverableCheckpoint)
}

func TestRecoverReplacesDeadPrimaries(t *testing.T) {
	m, backend, p := setupRecovery(t)
	ctx := context.Background()

	h := storeSnapshot(t, backend, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1"})

	// The recorded map names a node that has since left the cluster.
	pm := &partition.Map{Version: 3, Owners: make([]partition.Owners, 8)}
	for i := range pm.Owners {
		pm.Owners[i] = partition.Owners{Primary: "node-dead", Backups: []partition.NodeID{"node-a"}}
	}
	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(1, map[string]state.Handle{"op-1": h}, pm),
	}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, plan.Replacements, 8)
	for id, node := range plan.Replacements {
		assert.True(t, p.Live(node), "replacement for partition %d must be live", id)
	}
	// The plan restores ownership from the embedded map, not the live one.
	assert.Equal(t, pm, plan.PartitionMap)
}

// Restoring the same plan twice yields bit-identical state: recovery is
// idempotent.
func TestRestoreOperatorIdempotent(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	storeSnapshot(t, backend, &state.Snapshot{
		CheckpointID: 1, OperatorID: "op-1",
		Entries: map[string][]byte{"a": []byte("1"), "b": []byte("x")},
	})
	h2 := storeSnapshot(t, backend, &state.Snapshot{
		CheckpointID: 2, OperatorID: "op-1", Base: 1,
		Entries: map[string][]byte{"a": []byte("2")},
		Deleted: []string{"b"},
	})

	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(2, map[string]state.Handle{"op-1": h2}, nil),
	}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)

	op := stream.NewBaseOperator("op-1")
	require.NoError(t, m.RestoreOperator(ctx, plan, op))
	first := op.State().Snapshot()
	assert.Equal(t, map[string][]byte{"a": []byte("2")}, first)

	// Dirty the state, restore again, and expect the same result.
	op.State().Put("junk", []byte("z"))
	require.NoError(t, m.RestoreOperator(ctx, plan, op))
	assert.Equal(t, first, op.State().Snapshot())
}

func TestRestoreOperatorGapRestartsEmpty(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	h := storeSnapshot(t, backend, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1"})
	rec := committedRecord(1, map[string]state.Handle{"op-1": h}, nil)
	rec.Gaps = []string{"op-2"}
	m.records = &staticRecords{records: []*checkpoint.Record{rec}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2"}, plan.Gaps)

	gapped := stream.NewBaseOperator("op-2")
	gapped.State().Put("stale", []byte("x"))
	require.NoError(t, m.RestoreOperator(ctx, plan, gapped))
	assert.Empty(t, gapped.State().Snapshot())
}

// An unaligned snapshot's in-flight events were live state, not frozen
// entries, when the snapshot was taken; restore replays them on top.
func TestRestoreOperatorReplaysInflight(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	h := storeSnapshot(t, backend, &state.Snapshot{
		CheckpointID: 1, OperatorID: "op-1",
		Entries: map[string][]byte{"a": []byte("frozen")},
		Inflight: []state.InflightEvent{
			{Channel: "B", Key: "a", Value: []byte("replayed"), Offset: 7},
			{Channel: "B", Key: "b", Value: []byte("new"), Offset: 8},
		},
	})
	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(1, map[string]state.Handle{"op-1": h}, nil),
	}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)

	op := stream.NewBaseOperator("op-1")
	require.NoError(t, m.RestoreOperator(ctx, plan, op))
	assert.Equal(t, map[string][]byte{
		"a": []byte("replayed"),
		"b": []byte("new"),
	}, op.State().Snapshot())
}

func TestRewindSource(t *testing.T) {
	m, backend, _ := setupRecovery(t)
	ctx := context.Background()

	h := storeSnapshot(t, backend, &state.Snapshot{
		CheckpointID: 1, OperatorID: "src-1",
		Offsets: map[string]int64{"events/0": 10, "events/1": 20},
	})
	m.records = &staticRecords{records: []*checkpoint.Record{
		committedRecord(1, map[string]state.Handle{"src-1": h}, nil),
	}}

	plan, err := m.Recover(ctx)
	require.NoError(t, err)

	spy := &rewindSpy{}
	require.NoError(t, m.RewindSource(plan, spy))
	assert.Equal(t, plan.Offsets, spy.seeked)
}
