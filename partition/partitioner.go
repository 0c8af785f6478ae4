package partition

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/internal/logger"
)

var (
	// ErrNoNodes is returned when an operation needs ring members and none
	// have joined.
	ErrNoNodes = errors.New("no nodes on the ring")

	// ErrMigrationActive is returned when a second migration is started for
	// a partition that is already moving.
	ErrMigrationActive = errors.New("partition migration already active")

	// ErrNotMigrating is returned by migration operations on a partition
	// with no active migration.
	ErrNotMigrating = errors.New("partition is not migrating")

	// ErrNotOwner is returned when a migration names a from-node that is
	// not the partition's current primary.
	ErrNotOwner = errors.New("node is not the current primary")

	// ErrNoCandidate is returned when no live node remains to receive a
	// migrating partition. The previous owner stays authoritative.
	ErrNoCandidate = errors.New("no candidate node for migration")
)

// migration tracks one in-flight partition move. Writes mirror to both the
// old and new primary until the new primary confirms full state transfer.
type migration struct {
	from   NodeID
	to     NodeID
	failed map[NodeID]struct{}
}

// Partitioner builds and maintains the partition map using a consistent
// hash ring. Membership changes and migrations are serialized under one
// mutex; reads go through an atomic pointer to the current immutable Map.
type Partitioner struct {
	mu         sync.Mutex
	ring       *Ring
	partitions int
	replicas   int

	current atomic.Pointer[Map]

	migrations map[ID]*migration

	logger zerolog.Logger
}

func NewPartitioner(partitions, replicas, vnodesPer int) *Partitioner {
	p := &Partitioner{
		ring:       NewRing(vnodesPer),
		partitions: partitions,
		replicas:   replicas,
		migrations: make(map[ID]*migration),
		logger:     logger.GetLogger("partitioner"),
	}
	p.current.Store(&Map{Version: 0, Owners: make([]Owners, partitions)})
	return p
}

// Assign maps a key to its partition. Deterministic and independent of
// cluster size.
func (p *Partitioner) Assign(key string) ID {
	return ID(KeyHash(key) % uint64(p.partitions))
}

// Current returns the published partition map. The returned Map is
// immutable.
func (p *Partitioner) Current() *Map {
	return p.current.Load()
}

// Owners looks up the owners of a partition in the current map.
func (p *Partitioner) Owners(id ID) (Owners, error) {
	return p.Current().OwnersOf(id)
}

// Live reports whether the node is currently a ring member.
func (p *Partitioner) Live(node NodeID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Has(node)
}

// Members returns the current ring membership count.
func (p *Partitioner) Members() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Size()
}

// Install adopts a map published by a peer node. A map is adopted only
// when its version exceeds the local one; ring membership follows the
// adopted map's nodes so later local assignments agree with it. Returns
// whether the map was adopted.
func (p *Partitioner) Install(m *Map) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current.Load()
	if m.Version <= cur.Version {
		return false
	}

	members := make(map[NodeID]struct{})
	for _, o := range m.Owners {
		if o.Primary != "" {
			members[o.Primary] = struct{}{}
		}
		for _, b := range o.Backups {
			members[b] = struct{}{}
		}
	}
	for _, n := range p.ring.Nodes() {
		if _, ok := members[n]; !ok {
			p.ring.Remove(n)
		}
	}
	for n := range members {
		p.ring.Add(n)
	}

	p.current.Store(m.clone())
	p.logger.Debug().Uint64("version", m.Version).Msg("installed announced partition map")
	return true
}

// Bootstrap seeds the ring with the initial membership and publishes the
// first complete assignment.
func (p *Partitioner) Bootstrap(nodes ...NodeID) (*Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range nodes {
		p.ring.Add(n)
	}
	if p.ring.Size() == 0 {
		return nil, ErrNoNodes
	}
	next := p.assignmentFromRing(nil)
	p.publish(next)
	return next, nil
}

// OnNodeJoin inserts the node's virtual nodes on the ring and publishes a
// new map version. Partitions that currently have no owner adopt the ring
// assignment directly; partitions whose ring primary changed keep their
// current primary until a migration confirms transfer, so the previous
// owner stays authoritative throughout. Backups follow the ring
// immediately and re-sync from their primary.
func (p *Partitioner) OnNodeJoin(node NodeID) (*Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ring.Has(node) {
		return p.current.Load(), nil
	}
	p.ring.Add(node)
	p.logger.Info().Str("node", string(node)).Int("cluster_size", p.ring.Size()).Msg("node joined")

	cur := p.current.Load()
	target := p.assignmentFromRing(nil)
	next := cur.clone()
	for i := range next.Owners {
		if next.Owners[i].Primary == "" {
			next.Owners[i] = target.Owners[i]
			continue
		}
		next.Owners[i].Backups = backupsExcluding(target.Owners[i], next.Owners[i].Primary)
	}
	p.publish(next)
	return next, nil
}

// OnNodeLeave removes the node from the ring and immediately fails over
// every partition it owned to the ring's next candidates. Migrations
// touching the node are cancelled or retargeted by the caller via
// FailTransfer.
func (p *Partitioner) OnNodeLeave(node NodeID) (*Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ring.Has(node) {
		return p.current.Load(), nil
	}
	p.ring.Remove(node)
	p.logger.Warn().Str("node", string(node)).Int("cluster_size", p.ring.Size()).Msg("node left")
	if p.ring.Size() == 0 {
		return nil, ErrNoNodes
	}

	cur := p.current.Load()
	target := p.assignmentFromRing(nil)
	next := cur.clone()
	for i := range next.Owners {
		if next.Owners[i].Primary == node {
			// Promote the first live backup when one exists so the new
			// primary already holds replicated state.
			promoted := false
			for _, b := range next.Owners[i].Backups {
				if b != node && p.ring.Has(b) {
					next.Owners[i].Primary = b
					promoted = true
					break
				}
			}
			if !promoted {
				next.Owners[i].Primary = target.Owners[i].Primary
			}
		}
		next.Owners[i].Backups = backupsExcluding(target.Owners[i], next.Owners[i].Primary)
	}
	p.publish(next)
	return next, nil
}

// Rebalance computes the moves needed to converge the published map onto
// the ring assignment, by diffing the two rather than recomputing state
// placement from scratch. An empty plan means the map already matches the
// ring.
func (p *Partitioner) Rebalance() []Move {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current.Load()
	target := p.assignmentFromRing(nil)
	return cur.Diff(target)
}

// StartMigration begins mirroring writes for one plan step. The from-node
// remains the authoritative owner until ConfirmTransfer.
func (p *Partitioner) StartMigration(m Move) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.current.Load()
	owners, err := cur.OwnersOf(m.Partition)
	if err != nil {
		return err
	}
	if owners.Primary != m.From {
		return ErrNotOwner
	}
	if _, ok := p.migrations[m.Partition]; ok {
		return ErrMigrationActive
	}
	p.migrations[m.Partition] = &migration{
		from:   m.From,
		to:     m.To,
		failed: make(map[NodeID]struct{}),
	}
	p.logger.Info().Uint32("partition", uint32(m.Partition)).
		Str("from", string(m.From)).Str("to", string(m.To)).Msg("migration started")
	return nil
}

// MigrationActive reports whether any partition is mid-migration.
func (p *Partitioner) MigrationActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.migrations) > 0
}

// MirrorTargets returns the set of nodes a write to the partition must
// reach: just the primary normally, primary plus migration target while a
// transfer is in flight.
func (p *Partitioner) MirrorTargets(id ID) ([]NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	owners, err := p.current.Load().OwnersOf(id)
	if err != nil {
		return nil, err
	}
	targets := []NodeID{owners.Primary}
	if m, ok := p.migrations[id]; ok {
		targets = append(targets, m.to)
	}
	return targets, nil
}

// ConfirmTransfer flips ownership of the partition to the migration target
// atomically, publishing a new map version, and ends write mirroring.
func (p *Partitioner) ConfirmTransfer(id ID) (*Map, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.migrations[id]
	if !ok {
		return nil, ErrNotMigrating
	}
	delete(p.migrations, id)

	cur := p.current.Load()
	target := p.assignmentFromRing(nil)
	next := cur.clone()
	next.Owners[id].Primary = m.to
	next.Owners[id].Backups = backupsExcluding(target.Owners[id], m.to)
	p.publish(next)
	p.logger.Info().Uint32("partition", uint32(id)).Str("to", string(m.to)).Msg("migration confirmed")
	return next, nil
}

// FailTransfer records that the migration target became unreachable and
// retries the plan step against the next ring candidate. The previous
// owner stays authoritative; if no candidate remains the migration is
// cancelled and ErrNoCandidate returned.
func (p *Partitioner) FailTransfer(id ID) (NodeID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.migrations[id]
	if !ok {
		return "", ErrNotMigrating
	}
	m.failed[m.to] = struct{}{}

	exclude := map[NodeID]struct{}{m.from: {}}
	for n := range m.failed {
		exclude[n] = struct{}{}
	}
	candidates := p.ring.OwnersFor(PartitionPoint(id), 1, exclude)
	if len(candidates) == 0 {
		delete(p.migrations, id)
		p.logger.Error().Uint32("partition", uint32(id)).Msg("no live migration candidate, previous owner stays authoritative")
		return "", ErrNoCandidate
	}
	p.logger.Warn().Uint32("partition", uint32(id)).
		Str("failed", string(m.to)).Str("retry", string(candidates[0])).Msg("migration target unreachable, retrying next candidate")
	m.to = candidates[0]
	return m.to, nil
}

// assignmentFromRing computes the pure ring placement for every partition.
// Caller holds p.mu.
func (p *Partitioner) assignmentFromRing(exclude map[NodeID]struct{}) *Map {
	cur := p.current.Load()
	next := &Map{
		Version: cur.Version,
		Owners:  make([]Owners, p.partitions),
	}
	want := p.replicas
	if want > p.ring.Size() {
		want = p.ring.Size()
	}
	for i := 0; i < p.partitions; i++ {
		owners := p.ring.OwnersFor(PartitionPoint(ID(i)), want, exclude)
		if len(owners) == 0 {
			continue
		}
		next.Owners[i] = Owners{Primary: owners[0], Backups: owners[1:]}
	}
	return next
}

// publish swaps in the next map with a bumped version. Caller holds p.mu.
func (p *Partitioner) publish(next *Map) {
	next.Version = p.current.Load().Version + 1
	p.current.Store(next)
	p.logger.Debug().Uint64("version", next.Version).Msg("partition map published")
}

// backupsExcluding takes the ring's backup choice for a partition but
// guarantees the primary never appears among its own backups.
func backupsExcluding(ringOwners Owners, primary NodeID) []NodeID {
	var backups []NodeID
	for _, n := range append([]NodeID{ringOwners.Primary}, ringOwners.Backups...) {
		if n != primary {
			backups = append(backups, n)
		}
	}
	// Replica count stays fixed: one primary plus len(ringOwners.Backups)
	// backups, even when the kept primary displaces the ring's choice.
	if len(backups) > len(ringOwners.Backups) {
		backups = backups[:len(ringOwners.Backups)]
	}
	return backups
}
