package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/weir/state"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"exactly-once", ExactlyOnce, false},
		{"exactly_once", ExactlyOnce, false},
		{"", ExactlyOnce, false},
		{"at-least-once", AtLeastOnce, false},
		{"at_least_once", AtLeastOnce, false},
		{"exactly-twice", ExactlyOnce, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestModeProperties(t *testing.T) {
	eo := NewConsistencyManager(ExactlyOnce, state.NewMemoryBackend())
	alo := NewConsistencyManager(AtLeastOnce, state.NewMemoryBackend())

	assert.True(t, eo.Aligned())
	assert.False(t, eo.AllowGap())
	assert.Equal(t, time.Minute, eo.AckTimeout(time.Minute))

	assert.False(t, alo.Aligned())
	assert.True(t, alo.AllowGap())
	assert.Equal(t, 30*time.Second, alo.AckTimeout(time.Minute))
}

func TestDurabilityGate(t *testing.T) {
	cm := NewConsistencyManager(ExactlyOnce, state.NewMemoryBackend())

	rec := &Record{ID: 1, Snapshots: map[string]state.Handle{}}
	assert.False(t, cm.Durable(rec), "a record with no snapshots is not recoverable")

	rec.Snapshots["op-1"] = state.Handle{CheckpointID: 1, OperatorID: "op-1", Durable: true}
	assert.True(t, cm.Durable(rec))

	rec.Snapshots["op-2"] = state.Handle{CheckpointID: 1, OperatorID: "op-2"}
	assert.False(t, cm.Durable(rec), "one non-durable snapshot fails the whole gate")
}

func TestRetireKeepsChainBasesAlive(t *testing.T) {
	backend := state.NewMemoryBackend()
	defer backend.Close()
	cm := NewConsistencyManager(ExactlyOnce, backend)
	ctx := context.Background()

	// Checkpoint 1: full snapshots for two operators. Checkpoint 2: op-1
	// stores a delta based on 1, op-2 stores a fresh full snapshot.
	h1op1, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1", Entries: map[string][]byte{"a": []byte("1")}})
	require.NoError(t, err)
	h1op2, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 1, OperatorID: "op-2", Entries: map[string][]byte{"b": []byte("1")}})
	require.NoError(t, err)
	h2op1, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 2, OperatorID: "op-1", Base: 1, Entries: map[string][]byte{"a": []byte("2")}})
	require.NoError(t, err)
	h2op2, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 2, OperatorID: "op-2", Entries: map[string][]byte{"b": []byte("2")}})
	require.NoError(t, err)

	rec1 := &Record{ID: 1, Status: StatusCommitted, Snapshots: map[string]state.Handle{"op-1": h1op1, "op-2": h1op2}}
	rec2 := &Record{ID: 2, Status: StatusCommitted, Snapshots: map[string]state.Handle{"op-1": h2op1, "op-2": h2op2}}
	cm.Retain(rec1)
	cm.Retain(rec2)

	require.NoError(t, cm.Retire(ctx, rec1, rec2))
	assert.Equal(t, []uint64{2}, cm.Retained())

	// op-1's checkpoint-1 snapshot is the base of a live delta chain and
	// must survive the retire.
	_, err = backend.Restore(ctx, h1op1)
	require.NoError(t, err)

	// op-2's chain was re-rooted at checkpoint 2, so its old full
	// snapshot is gone.
	_, err = backend.Restore(ctx, h1op2)
	require.ErrorIs(t, err, state.ErrSnapshotNotFound)

	// The retained chain still materializes.
	entries, _, err := state.Materialize(ctx, backend, h2op1)
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), entries["a"])
}

func TestRetireWaitsForDurableSuccessor(t *testing.T) {
	backend := state.NewMemoryBackend()
	defer backend.Close()
	cm := NewConsistencyManager(ExactlyOnce, backend)
	ctx := context.Background()

	h1, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 1, OperatorID: "op-1"})
	require.NoError(t, err)
	rec1 := &Record{ID: 1, Status: StatusCommitted, Snapshots: map[string]state.Handle{"op-1": h1}}
	cm.Retain(rec1)

	// Successor not yet durable: prev must stay alive.
	rec2 := &Record{ID: 2, Snapshots: map[string]state.Handle{"op-1": {CheckpointID: 2, OperatorID: "op-1"}}}
	require.NoError(t, cm.Retire(ctx, rec1, rec2))

	_, err = backend.Restore(ctx, h1)
	require.NoError(t, err)
	assert.Contains(t, cm.Retained(), uint64(1))
}

func TestDiscardPartial(t *testing.T) {
	backend := state.NewMemoryBackend()
	defer backend.Close()
	cm := NewConsistencyManager(ExactlyOnce, backend)
	ctx := context.Background()

	h, err := backend.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 9, OperatorID: "op-1"})
	require.NoError(t, err)
	rec := &Record{ID: 9, Status: StatusAborted, Snapshots: map[string]state.Handle{"op-1": h}}

	cm.DiscardPartial(ctx, rec)
	_, err = backend.Restore(ctx, h)
	require.ErrorIs(t, err, state.ErrSnapshotNotFound)
}
