package cluster

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockHeld is returned when a distributed lock is already held by
	// someone else.
	ErrLockHeld = errors.New("lock held")
)

// Coordination is the contract the checkpoint subsystem needs from the
// external coordination service: leader election for coordinator failover
// and distributed locks to serialize rebalance operations. No particular
// consensus implementation is mandated.
type Coordination interface {
	// ElectLeader campaigns for leadership of a named resource. The
	// returned channel reports leadership transitions; it closes when the
	// context is cancelled or the session is lost.
	ElectLeader(ctx context.Context, resource string) (<-chan bool, error)

	// AcquireLock takes a TTL-bounded distributed lock. The returned
	// release func is idempotent.
	AcquireLock(ctx context.Context, id string, ttl time.Duration) (func(), error)
}

// InMemCoordination is a single-process Coordination for tests and
// standalone mode: the caller is always leader, locks are plain mutexes
// with TTL expiry.
type InMemCoordination struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewInMemCoordination() *InMemCoordination {
	return &InMemCoordination{locks: make(map[string]time.Time)}
}

func (c *InMemCoordination) ElectLeader(ctx context.Context, resource string) (<-chan bool, error) {
	ch := make(chan bool, 1)
	ch <- true
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (c *InMemCoordination) AcquireLock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.locks[id]; ok && time.Now().Before(expiry) {
		return nil, ErrLockHeld
	}
	c.locks[id] = time.Now().Add(ttl)

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.locks, id)
			c.mu.Unlock()
		})
	}
	return release, nil
}
