package rsync

import (
	"sync/atomic"
	"time"
)

// AtomicBool is a boolean that can be read and written atomically.
type AtomicBool struct {
	v atomic.Bool
}

func NewAtomicBool() *AtomicBool {
	return &AtomicBool{}
}

func (b *AtomicBool) Set() {
	b.v.Store(true)
}

func (b *AtomicBool) Unset() {
	b.v.Store(false)
}

func (b *AtomicBool) Is() bool {
	return b.v.Load()
}

// AtomicTime is a time.Time that can be read and written atomically.
type AtomicTime struct {
	v atomic.Value
}

func NewAtomicTime() *AtomicTime {
	t := &AtomicTime{}
	t.Store(time.Time{})
	return t
}

func (t *AtomicTime) Store(v time.Time) {
	t.v.Store(v)
}

func (t *AtomicTime) Load() time.Time {
	return t.v.Load().(time.Time)
}
