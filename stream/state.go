package stream

import "sync"

// Version is a frozen, immutable view of keyed state taken for one
// checkpoint. A full version carries every entry; a delta carries only the
// keys changed since the previous version plus tombstones for deletions.
type Version struct {
	Full    bool
	Entries map[string][]byte
	Deleted []string
}

// KeyedState is the mutable per-partition state an operator owns. Freezing
// copies the current entries under the lock so the event-processing thread
// keeps mutating the live map while the frozen copy is persisted
// asynchronously.
type KeyedState struct {
	mu      sync.Mutex
	entries map[string][]byte
	// dirty tracks keys touched since the last freeze: true for a write,
	// false for a delete.
	dirty map[string]bool
}

func NewKeyedState() *KeyedState {
	return &KeyedState{
		entries: make(map[string][]byte),
		dirty:   make(map[string]bool),
	}
}

func (s *KeyedState) Put(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	s.dirty[key] = true
}

func (s *KeyedState) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok
}

func (s *KeyedState) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	s.dirty[key] = false
}

func (s *KeyedState) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Freeze returns a full frozen version and resets delta tracking.
func (s *KeyedState) Freeze() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		entries[k] = v
	}
	s.dirty = make(map[string]bool)
	return &Version{Full: true, Entries: entries}
}

// FreezeDelta returns only the entries changed since the previous freeze,
// with tombstones for deleted keys, and resets delta tracking.
func (s *KeyedState) FreezeDelta() *Version {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := &Version{Entries: make(map[string][]byte)}
	for k, wrote := range s.dirty {
		if wrote {
			v.Entries[k] = s.entries[k]
		} else {
			v.Deleted = append(v.Deleted, k)
		}
	}
	s.dirty = make(map[string]bool)
	return v
}

// Replace swaps in restored entries wholesale, discarding current state and
// delta tracking.
func (s *KeyedState) Replace(entries map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string][]byte, len(entries))
	for k, v := range entries {
		s.entries[k] = v
	}
	s.dirty = make(map[string]bool)
}

// Snapshot returns a copy of current entries, for inspection in tests and
// recovery verification.
func (s *KeyedState) Snapshot() map[string][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}
