// Package partition implements consistent-hash based ownership of operator
// state: a virtual-node hash ring, an immutable versioned partition map,
// and the partitioner that maintains both across membership changes.
package partition

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// DefaultVirtualNodes is the number of ring positions per physical node.
const DefaultVirtualNodes = 150

// NodeID is the opaque identifier of a cluster member.
type NodeID string

type vnode struct {
	hash uint64
	node NodeID
}

// Ring is a consistent-hash ring with virtual nodes. It is not safe for
// concurrent use; the Partitioner serializes access to it.
type Ring struct {
	vnodesPer int
	vnodes    []vnode // sorted by hash
	nodes     map[NodeID]struct{}
}

func NewRing(vnodesPer int) *Ring {
	if vnodesPer <= 0 {
		vnodesPer = DefaultVirtualNodes
	}
	return &Ring{
		vnodesPer: vnodesPer,
		nodes:     make(map[NodeID]struct{}),
	}
}

// Add inserts the node's virtual nodes into the ring. Adding a present
// node is a no-op.
func (r *Ring) Add(node NodeID) {
	if _, ok := r.nodes[node]; ok {
		return
	}
	r.nodes[node] = struct{}{}
	for i := 0; i < r.vnodesPer; i++ {
		r.vnodes = append(r.vnodes, vnode{
			hash: vnodeHash(node, i),
			node: node,
		})
	}
	sort.Slice(r.vnodes, func(i, j int) bool { return r.vnodes[i].hash < r.vnodes[j].hash })
}

// Remove deletes the node's virtual nodes from the ring.
func (r *Ring) Remove(node NodeID) {
	if _, ok := r.nodes[node]; !ok {
		return
	}
	delete(r.nodes, node)
	kept := r.vnodes[:0]
	for _, v := range r.vnodes {
		if v.node != node {
			kept = append(kept, v)
		}
	}
	r.vnodes = kept
}

func (r *Ring) Has(node NodeID) bool {
	_, ok := r.nodes[node]
	return ok
}

func (r *Ring) Nodes() []NodeID {
	out := make([]NodeID, 0, len(r.nodes))
	for n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Ring) Size() int {
	return len(r.nodes)
}

// OwnersFor walks the ring clockwise from the given hash position and
// returns up to count distinct physical nodes, skipping virtual nodes of
// nodes already selected and any node in the exclude set. The first entry
// is the primary.
func (r *Ring) OwnersFor(hash uint64, count int, exclude map[NodeID]struct{}) []NodeID {
	if len(r.vnodes) == 0 || count <= 0 {
		return nil
	}

	start := sort.Search(len(r.vnodes), func(i int) bool { return r.vnodes[i].hash >= hash })
	seen := make(map[NodeID]struct{}, count)
	owners := make([]NodeID, 0, count)
	for i := 0; i < len(r.vnodes) && len(owners) < count; i++ {
		v := r.vnodes[(start+i)%len(r.vnodes)]
		if _, ok := seen[v.node]; ok {
			continue
		}
		if _, ok := exclude[v.node]; ok {
			continue
		}
		seen[v.node] = struct{}{}
		owners = append(owners, v.node)
	}
	return owners
}

func vnodeHash(node NodeID, index int) uint64 {
	return xxhash.Sum64String(string(node) + "#" + strconv.Itoa(index))
}

// PartitionPoint is the ring position a partition id hashes to.
func PartitionPoint(id ID) uint64 {
	return xxhash.Sum64String("partition-" + strconv.FormatUint(uint64(id), 10))
}

// KeyHash hashes an event key onto the 64-bit hash space.
func KeyHash(key string) uint64 {
	return xxhash.Sum64String(key)
}
