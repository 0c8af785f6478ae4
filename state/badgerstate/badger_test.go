package badgerstate

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/millrace/weir/state"
)

func setupBackend(t *testing.T) (*Backend, func()) {
	t.Helper()

	tempDir, err := os.MkdirTemp("", "badgerstate-test-*")
	require.NoError(t, err)

	cfg := &Config{Dir: tempDir}
	b := New(cfg)
	require.NoError(t, b.Open(cfg))

	cleanup := func() {
		b.Close()
		os.RemoveAll(tempDir)
	}
	return b, cleanup
}

func TestBackendOpenClose(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()

	assert.True(t, b.open.Is())
}

func TestBackendClosedErrors(t *testing.T) {
	b := New(&Config{})
	_, err := b.Get(context.Background(), []byte("k"))
	require.ErrorIs(t, err, ErrDBNotOpen)
	err = b.Put(context.Background(), []byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrDBNotOpen)
}

func TestBackendPutGet(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"simple", []byte("key1"), []byte("value1")},
		{"overwrite", []byte("key1"), []byte("value1b")},
		{"binary", []byte("key3"), []byte{0x00, 0xff, 0x10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, b.Put(ctx, tt.key, tt.value))
			got, err := b.Get(ctx, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}

	_, err := b.Get(ctx, []byte("absent"))
	require.ErrorIs(t, err, state.ErrKeyNotFound)
}

func TestBackendCompareAndSwap(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()
	ctx := context.Background()

	ok, err := b.CompareAndSwap(ctx, []byte("k"), nil, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.CompareAndSwap(ctx, []byte("k"), nil, []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok, "set-if-absent must fail on a present key")

	ok, err = b.CompareAndSwap(ctx, []byte("k"), []byte("wrong"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.CompareAndSwap(ctx, []byte("k"), []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := b.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestBackendSnapshotRoundTrip(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()
	ctx := context.Background()

	snap := &state.Snapshot{
		CheckpointID: 12,
		OperatorID:   "window-3",
		Base:         9,
		Entries:      map[string][]byte{"a": []byte("1")},
		Deleted:      []string{"old"},
		Offsets:      map[string]int64{"events/0": 4711},
	}
	h, err := b.CreateCheckpoint(ctx, snap)
	require.NoError(t, err)
	assert.True(t, h.Durable)
	assert.Equal(t, uint64(9), h.Base)

	got, err := b.Restore(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, snap.Entries, got.Entries)
	assert.Equal(t, snap.Deleted, got.Deleted)
	assert.Equal(t, snap.Offsets, got.Offsets)

	_, err = b.Restore(ctx, state.Handle{CheckpointID: 99, OperatorID: "window-3"})
	require.ErrorIs(t, err, state.ErrSnapshotNotFound)
}

func TestBackendListByCheckpoint(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()
	ctx := context.Background()

	for _, op := range []string{"op-b", "op-a"} {
		_, err := b.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 5, OperatorID: op})
		require.NoError(t, err)
	}
	_, err := b.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 6, OperatorID: "op-a"})
	require.NoError(t, err)

	handles, err := b.List(ctx, 5)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	for _, h := range handles {
		assert.Equal(t, uint64(5), h.CheckpointID)
		assert.True(t, h.Durable)
	}
}

func TestBackendDiscard(t *testing.T) {
	b, cleanup := setupBackend(t)
	defer cleanup()
	ctx := context.Background()

	h, err := b.CreateCheckpoint(ctx, &state.Snapshot{CheckpointID: 2, OperatorID: "op"})
	require.NoError(t, err)

	require.NoError(t, b.Discard(ctx, h))
	_, err = b.Restore(ctx, h)
	require.ErrorIs(t, err, state.ErrSnapshotNotFound)

	// Discarding again is not an error.
	require.NoError(t, b.Discard(ctx, h))
}

func TestBackendSurvivesReopen(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "badgerstate-reopen-*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	cfg := &Config{Dir: tempDir}
	b := New(cfg)
	require.NoError(t, b.Open(cfg))

	h, err := b.CreateCheckpoint(context.Background(), &state.Snapshot{
		CheckpointID: 3,
		OperatorID:   "op",
		Entries:      map[string][]byte{"k": []byte("v")},
	})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b2 := New(cfg)
	require.NoError(t, b2.Open(cfg))
	defer b2.Close()

	got, err := b2.Restore(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got.Entries["k"])
}
