package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
)

const (
	inprocQueueLen    = 64
	inprocMaxAttempts = 3
	inprocBackoff     = 10 * time.Millisecond
)

// InProcTransport connects nodes living in one process. Used by tests and
// single-binary deployments; it honors the same retry-then-unreachable
// contract as a networked transport.
type InProcTransport struct {
	mu     sync.RWMutex
	subs   map[partition.NodeID]chan Message
	closed bool

	logger zerolog.Logger
}

func NewInProcTransport() *InProcTransport {
	return &InProcTransport{
		subs:   make(map[partition.NodeID]chan Message),
		logger: logger.GetLogger("transport"),
	}
}

func (t *InProcTransport) Subscribe(node partition.NodeID) (<-chan Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.subs[node]
	if !ok {
		ch = make(chan Message, inprocQueueLen)
		t.subs[node] = ch
	}
	return ch, nil
}

// Unsubscribe drops a node, making it unreachable for future sends.
func (t *InProcTransport) Unsubscribe(node partition.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.subs[node]; ok {
		delete(t.subs, node)
		close(ch)
	}
}

func (t *InProcTransport) Send(ctx context.Context, node partition.NodeID, msg Message) error {
	for attempt := 0; attempt < inprocMaxAttempts; attempt++ {
		t.mu.RLock()
		ch, ok := t.subs[node]
		t.mu.RUnlock()
		if !ok {
			return ErrUnknownNode
		}

		select {
		case ch <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inprocBackoff << attempt):
			// Queue full; back off and retry.
		}
	}
	t.logger.Warn().Str("node", string(node)).Msg("send retries exhausted")
	return ErrNodeUnreachable
}

func (t *InProcTransport) Broadcast(ctx context.Context, msg Message) error {
	t.mu.RLock()
	nodes := make([]partition.NodeID, 0, len(t.subs))
	for n := range t.subs {
		nodes = append(nodes, n)
	}
	t.mu.RUnlock()

	var firstErr error
	for _, n := range nodes {
		if n == msg.From {
			continue
		}
		if err := t.Send(ctx, n, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *InProcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for n, ch := range t.subs {
		delete(t.subs, n)
		close(ch)
	}
	return nil
}
