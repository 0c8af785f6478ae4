// Package badgerstate is the BadgerDB implementation of the durable state
// backend.
package badgerstate

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/command"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/internal/rsync"
	"github.com/millrace/weir/state"
)

var (
	// ErrDBNotOpen is returned when the database has not been opened.
	ErrDBNotOpen = errors.New("database not open")
)

const (
	kvPrefix   = "kv/"
	ckptPrefix = "ckpt/"
)

type Config struct {
	Dir string
	// InMemory opens badger without a backing directory, for tests.
	InMemory bool
}

// Backend stores raw keys under kv/ and snapshots under
// ckpt/<checkpoint id>/<operator id>, so a checkpoint's snapshots are
// discoverable by prefix scan on the id alone. Writes are synchronous, so
// CreateCheckpoint returning nil means the snapshot is durable.
type Backend struct {
	open rsync.AtomicBool

	dbPath string
	logger zerolog.Logger

	db *badger.DB
	mu sync.RWMutex
}

var _ state.Backend = (*Backend)(nil)

func New(c *Config) *Backend {
	return &Backend{
		dbPath: c.Dir,
		logger: logger.GetLogger("badgerstate"),
	}
}

func (b *Backend) Open(c *Config) error {
	var opts badger.Options
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path := c.Dir
		if path == "" {
			path = "/tmp/weir-state"
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return err
	}
	b.db = db
	b.open.Set()
	b.logger.Debug().Str("dir", c.Dir).Bool("in_memory", c.InMemory).Msg("opened state database")
	return nil
}

func (b *Backend) Put(ctx context.Context, key, value []byte) error {
	if !b.open.Is() {
		return ErrDBNotOpen
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(append([]byte(kvPrefix), key...), value)
	})
}

func (b *Backend) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !b.open.Is() {
		return nil, ErrDBNotOpen
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(append([]byte(kvPrefix), key...))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, state.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (b *Backend) CompareAndSwap(ctx context.Context, key, old, new []byte) (bool, error) {
	if !b.open.Is() {
		return false, ErrDBNotOpen
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	swapped := false
	fullKey := append([]byte(kvPrefix), key...)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fullKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if old != nil {
				return nil
			}
		case err != nil:
			return err
		default:
			if old == nil {
				return nil
			}
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(cur, old) {
				return nil
			}
		}
		if err := txn.Set(fullKey, new); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (b *Backend) CreateCheckpoint(ctx context.Context, snap *state.Snapshot) (state.Handle, error) {
	if !b.open.Is() {
		return state.Handle{}, ErrDBNotOpen
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, err := command.EncodeMsgPack(snap)
	if err != nil {
		return state.Handle{}, err
	}
	key := snapshotKey(snap.CheckpointID, snap.OperatorID)
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf.Bytes())
	}); err != nil {
		b.logger.Err(err).Str("operator", snap.OperatorID).
			Uint64("checkpoint", snap.CheckpointID).Msg("snapshot write failed")
		return state.Handle{}, err
	}
	// SyncWrites is on: the update above hit disk before returning.
	return state.Handle{
		CheckpointID: snap.CheckpointID,
		OperatorID:   snap.OperatorID,
		Base:         snap.Base,
		Durable:      true,
	}, nil
}

func (b *Backend) Restore(ctx context.Context, h state.Handle) (*state.Snapshot, error) {
	if !b.open.Is() {
		return nil, ErrDBNotOpen
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(h.CheckpointID, h.OperatorID))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, state.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap state.Snapshot
	if err := command.DecodeMsgPack(raw, &snap); err != nil {
		return nil, state.ErrSnapshotCorrupt
	}
	return &snap, nil
}

func (b *Backend) Discard(ctx context.Context, h state.Handle) error {
	if !b.open.Is() {
		return ErrDBNotOpen
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(snapshotKey(h.CheckpointID, h.OperatorID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (b *Backend) List(ctx context.Context, checkpointID uint64) ([]state.Handle, error) {
	if !b.open.Is() {
		return nil, ErrDBNotOpen
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	prefix := append([]byte(ckptPrefix), command.Uint64ToBytes(checkpointID)...)
	prefix = append(prefix, '/')

	var handles []state.Handle
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			op := string(item.Key()[len(prefix):])
			var base uint64
			err := item.Value(func(raw []byte) error {
				var snap state.Snapshot
				if err := command.DecodeMsgPack(raw, &snap); err != nil {
					return state.ErrSnapshotCorrupt
				}
				base = snap.Base
				return nil
			})
			if err != nil {
				return err
			}
			handles = append(handles, state.Handle{
				CheckpointID: checkpointID,
				OperatorID:   op,
				Base:         base,
				Durable:      true,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return handles, nil
}

func (b *Backend) SupportsIncremental() bool {
	return true
}

func (b *Backend) Close() error {
	if !b.open.Is() {
		return nil
	}
	b.open.Unset()
	return b.db.Close()
}

func snapshotKey(checkpointID uint64, operatorID string) []byte {
	key := append([]byte(ckptPrefix), command.Uint64ToBytes(checkpointID)...)
	key = append(key, '/')
	return append(key, operatorID...)
}
