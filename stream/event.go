package stream

import "time"

// Message is anything that travels in-band on a channel: a data Event or a
// checkpoint Barrier. Per-channel FIFO order is the one ordering guarantee
// the rest of the system is built on.
type Message interface {
	isMessage()
}

// Event is a single data record keyed for partitioning.
type Event struct {
	Key   string
	Value []byte

	// Offset is the source position this event was read from, or -1 when
	// the producing source has no notion of offsets.
	Offset int64
}

func (Event) isMessage() {}

// Barrier delimits checkpoint epochs on a channel. Events preceding a
// barrier on a channel belong to epochs <= its checkpoint id, events
// following it to later epochs.
type Barrier struct {
	CheckpointID uint64
	SourceTime   time.Time

	// Offsets are the source positions captured when the barrier was
	// injected. Snapshots record these, not the source's live position,
	// so the recorded offsets match the barrier's place in the stream.
	Offsets map[string]int64
}

func (Barrier) isMessage() {}
