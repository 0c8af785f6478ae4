package state

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/logger"
)

var (
	// ErrKeyNotFound is returned by Get for an absent key.
	ErrKeyNotFound = errors.New("key not found")
)

// MemoryBackend is an in-memory Backend used for tests and single-process
// deployments. Snapshots live in an arena keyed by operator and checkpoint
// id so chain walks and garbage collection are explicit map operations.
type MemoryBackend struct {
	mu   sync.RWMutex
	kv   map[string][]byte
	snap map[string]map[uint64]*Snapshot // operator -> checkpoint id -> snapshot

	logger zerolog.Logger
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		kv:     make(map[string][]byte),
		snap:   make(map[string]map[uint64]*Snapshot),
		logger: logger.GetLogger("memstate"),
	}
}

func (b *MemoryBackend) Put(ctx context.Context, key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.kv[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (b *MemoryBackend) CompareAndSwap(ctx context.Context, key, old, new []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.kv[string(key)]
	if old == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, old) {
		return false, nil
	}
	b.kv[string(key)] = append([]byte(nil), new...)
	return true, nil
}

func (b *MemoryBackend) CreateCheckpoint(ctx context.Context, snap *Snapshot) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ops, ok := b.snap[snap.OperatorID]
	if !ok {
		ops = make(map[uint64]*Snapshot)
		b.snap[snap.OperatorID] = ops
	}
	ops[snap.CheckpointID] = snap
	b.logger.Debug().Str("operator", snap.OperatorID).
		Uint64("checkpoint", snap.CheckpointID).Uint64("base", snap.Base).
		Int("entries", len(snap.Entries)).Msg("snapshot stored")
	return Handle{
		CheckpointID: snap.CheckpointID,
		OperatorID:   snap.OperatorID,
		Base:         snap.Base,
		Durable:      true,
	}, nil
}

func (b *MemoryBackend) Restore(ctx context.Context, h Handle) (*Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ops, ok := b.snap[h.OperatorID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	snap, ok := ops[h.CheckpointID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return snap, nil
}

func (b *MemoryBackend) Discard(ctx context.Context, h Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ops, ok := b.snap[h.OperatorID]; ok {
		delete(ops, h.CheckpointID)
	}
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, checkpointID uint64) ([]Handle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var handles []Handle
	for op, snaps := range b.snap {
		if snap, ok := snaps[checkpointID]; ok {
			handles = append(handles, Handle{
				CheckpointID: checkpointID,
				OperatorID:   op,
				Base:         snap.Base,
				Durable:      true,
			})
		}
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].OperatorID < handles[j].OperatorID })
	return handles, nil
}

func (b *MemoryBackend) SupportsIncremental() bool {
	return true
}

func (b *MemoryBackend) Close() error {
	return nil
}

// Corrupt deliberately destroys a stored snapshot. Test hook for the
// recovery fallback path.
func (b *MemoryBackend) Corrupt(operatorID string, checkpointID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ops, ok := b.snap[operatorID]; ok {
		delete(ops, checkpointID)
	}
}
