// Package cluster holds the narrow interfaces the checkpoint core consumes
// from its collaborators: a message transport and a coordination service,
// with in-process and etcd-backed implementations.
package cluster

import (
	"context"
	"errors"

	"github.com/millrace/weir/partition"
)

var (
	// ErrNodeUnreachable is the node-unreachable signal a transport
	// surfaces after its retries exhaust.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrUnknownNode is returned for sends to a node that never
	// subscribed.
	ErrUnknownNode = errors.New("unknown node")
)

// MessageType tags control messages carried by the transport.
type MessageType uint8

const (
	// MsgBarrier announces a checkpoint barrier to peer nodes.
	MsgBarrier MessageType = iota + 1
	// MsgAck carries an operator acknowledgement back to the coordinator.
	MsgAck
	// MsgPartitionMap announces a new partition map version.
	MsgPartitionMap
)

// Message is a control-plane message between nodes. Payloads are
// msgpack-encoded by the sender.
type Message struct {
	Type    MessageType
	From    partition.NodeID
	Payload []byte
}

// Transport propagates barriers and control messages across nodes. At
// least reliable delivery with retry and backoff is the transport's
// responsibility; a persistent send failure surfaces as
// ErrNodeUnreachable.
type Transport interface {
	// Send delivers a message to one node.
	Send(ctx context.Context, node partition.NodeID, msg Message) error
	// Broadcast delivers a message to every subscribed node.
	Broadcast(ctx context.Context, msg Message) error
	// Subscribe registers a node and returns its inbound message stream.
	Subscribe(node partition.NodeID) (<-chan Message, error)
	// Close tears the transport down.
	Close() error
}
