// Package etcdco is the etcd-backed implementation of the coordination
// service: leases for leader election and mutexes for rebalance locks.
package etcdco

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/millrace/weir/cluster"
	"github.com/millrace/weir/internal/logger"
)

const sessionTTLSeconds = 10

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix namespaces this cluster's keys.
	Prefix string
}

// Coordination implements cluster.Coordination on etcd.
type Coordination struct {
	client *clientv3.Client
	prefix string

	logger zerolog.Logger
}

var _ cluster.Coordination = (*Coordination)(nil)

func New(c *Config) (*Coordination, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "/weir"
	}
	return &Coordination{
		client: client,
		prefix: prefix,
		logger: logger.GetLogger("etcdco"),
	}, nil
}

// ElectLeader campaigns for the resource and reports transitions on the
// returned channel. Losing the etcd session reports false and ends the
// stream; the caller re-campaigns if it wants leadership back.
func (c *Coordination) ElectLeader(ctx context.Context, resource string) (<-chan bool, error) {
	session, err := concurrency.NewSession(c.client, concurrency.WithTTL(sessionTTLSeconds))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	election := concurrency.NewElection(session, c.prefix+"/election/"+resource)

	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		defer session.Close()

		if err := election.Campaign(ctx, ""); err != nil {
			c.logger.Err(err).Str("resource", resource).Msg("election campaign failed")
			return
		}
		c.logger.Info().Str("resource", resource).Msg("elected leader")
		select {
		case ch <- true:
		case <-ctx.Done():
			return
		}

		select {
		case <-session.Done():
			c.logger.Warn().Str("resource", resource).Msg("etcd session lost, leadership revoked")
			select {
			case ch <- false:
			default:
			}
		case <-ctx.Done():
			_ = election.Resign(context.Background())
		}
	}()
	return ch, nil
}

// AcquireLock takes a TTL-bounded mutex. TryLock is used so a held lock
// returns cluster.ErrLockHeld instead of blocking the rebalance caller.
func (c *Coordination) AcquireLock(ctx context.Context, id string, ttl time.Duration) (func(), error) {
	ttlSeconds := int(ttl / time.Second)
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	session, err := concurrency.NewSession(c.client, concurrency.WithTTL(ttlSeconds))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	mutex := concurrency.NewMutex(session, c.prefix+"/lock/"+id)

	if err := mutex.TryLock(ctx); err != nil {
		session.Close()
		if err == concurrency.ErrLocked {
			return nil, cluster.ErrLockHeld
		}
		return nil, fmt.Errorf("etcd lock: %w", err)
	}

	release := func() {
		if err := mutex.Unlock(context.Background()); err != nil {
			c.logger.Err(err).Str("lock", id).Msg("unlock failed")
		}
		session.Close()
	}
	return release, nil
}

func (c *Coordination) Close() error {
	return c.client.Close()
}
