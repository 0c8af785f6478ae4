package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/millrace/weir/cluster"
	"github.com/millrace/weir/internal/command"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

// ackMsg carries an operator's snapshot report from a worker node back to
// the coordinator node.
type ackMsg struct {
	CheckpointID uint64       `codec:"checkpoint_id"`
	OperatorID   string       `codec:"operator_id"`
	Handle       state.Handle `codec:"handle"`
	Nack         bool         `codec:"nack"`
	Cause        string       `codec:"cause"`
}

// mapAnnounce carries a newly published partition map to peer nodes.
type mapAnnounce struct {
	Map *partition.Map `codec:"map"`
}

// Relay is a node's endpoint of the cross-node barrier protocol. On
// worker nodes it turns barrier announcements into local barrier
// injections and adopts announced partition maps; on the coordinator node
// it feeds remote acks into the coordinator.
type Relay struct {
	transport cluster.Transport
	node      partition.NodeID

	mu          sync.Mutex
	sources     []*stream.Channel
	acker       Acker
	partitioner *partition.Partitioner

	logger zerolog.Logger
}

func NewRelay(transport cluster.Transport, node partition.NodeID) *Relay {
	return &Relay{
		transport: transport,
		node:      node,
		logger:    logger.GetLogger("relay").With().Str("node", string(node)).Logger(),
	}
}

// DeliverTo adds a local source channel that announced barriers are
// injected into.
func (r *Relay) DeliverTo(ch *stream.Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append(r.sources, ch)
}

// ServeAcks routes remote operator acks into the given acker. Set on the
// coordinator node.
func (r *Relay) ServeAcks(a Acker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acker = a
}

// TrackMap adopts announced partition maps into the given partitioner.
func (r *Relay) TrackMap(p *partition.Partitioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partitioner = p
}

// PublishMap broadcasts a partition map to every peer node. Peers adopt
// it only when its version exceeds theirs.
func (r *Relay) PublishMap(ctx context.Context, m *partition.Map) error {
	buf, err := command.EncodeMsgPack(mapAnnounce{Map: m})
	if err != nil {
		return err
	}
	return r.transport.Broadcast(ctx, cluster.Message{
		Type:    cluster.MsgPartitionMap,
		From:    r.node,
		Payload: buf.Bytes(),
	})
}

// RemoteAcker is the worker-node side of ack routing: it implements Acker
// by sending reports over the transport to the coordinator node.
type RemoteAcker struct {
	transport   cluster.Transport
	node        partition.NodeID
	coordinator partition.NodeID
}

func NewRemoteAcker(transport cluster.Transport, node, coordinator partition.NodeID) *RemoteAcker {
	return &RemoteAcker{transport: transport, node: node, coordinator: coordinator}
}

func (a *RemoteAcker) OnOperatorAck(ctx context.Context, checkpointID uint64, operatorID string, h state.Handle) error {
	return a.send(ctx, ackMsg{CheckpointID: checkpointID, OperatorID: operatorID, Handle: h})
}

func (a *RemoteAcker) OnOperatorNack(ctx context.Context, checkpointID uint64, operatorID string, cause error) {
	msg := ackMsg{CheckpointID: checkpointID, OperatorID: operatorID, Nack: true}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	// A lost nack is absorbed by the coordinator's ack timeout.
	_ = a.send(ctx, msg)
}

func (a *RemoteAcker) send(ctx context.Context, msg ackMsg) error {
	buf, err := command.EncodeMsgPack(msg)
	if err != nil {
		return err
	}
	return a.transport.Send(ctx, a.coordinator, cluster.Message{
		Type:    cluster.MsgAck,
		From:    a.node,
		Payload: buf.Bytes(),
	})
}

// Run subscribes the relay's node on the transport and dispatches inbound
// control messages until the context is done or the transport closes.
func (r *Relay) Run(ctx context.Context) error {
	inbox, err := r.transport.Subscribe(r.node)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, msg cluster.Message) {
	switch msg.Type {
	case cluster.MsgBarrier:
		var ann barrierAnnounce
		if err := command.DecodeMsgPack(msg.Payload, &ann); err != nil {
			r.logger.Err(err).Msg("undecodable barrier announcement")
			return
		}
		b := stream.Barrier{
			CheckpointID: ann.CheckpointID,
			SourceTime:   time.Unix(0, ann.SourceTime).UTC(),
			Offsets:      ann.Offsets,
		}
		r.mu.Lock()
		sources := r.sources
		r.mu.Unlock()
		for _, ch := range sources {
			if err := ch.Send(ctx, b); err != nil {
				r.logger.Err(err).Uint64("checkpoint", b.CheckpointID).
					Str("channel", ch.ID()).Msg("local barrier injection failed")
			}
		}

	case cluster.MsgAck:
		r.mu.Lock()
		acker := r.acker
		r.mu.Unlock()
		if acker == nil {
			return
		}
		var ack ackMsg
		if err := command.DecodeMsgPack(msg.Payload, &ack); err != nil {
			r.logger.Err(err).Msg("undecodable ack")
			return
		}
		if ack.Nack {
			acker.OnOperatorNack(ctx, ack.CheckpointID, ack.OperatorID, errors.New(ack.Cause))
			return
		}
		if err := acker.OnOperatorAck(ctx, ack.CheckpointID, ack.OperatorID, ack.Handle); err != nil {
			r.logger.Err(err).Uint64("checkpoint", ack.CheckpointID).
				Str("operator", ack.OperatorID).Msg("remote ack rejected")
		}

	case cluster.MsgPartitionMap:
		r.mu.Lock()
		p := r.partitioner
		r.mu.Unlock()
		if p == nil {
			return
		}
		var ann mapAnnounce
		if err := command.DecodeMsgPack(msg.Payload, &ann); err != nil {
			r.logger.Err(err).Msg("undecodable map announcement")
			return
		}
		if ann.Map != nil && p.Install(ann.Map) {
			r.logger.Info().Uint64("version", ann.Map.Version).
				Str("from", string(msg.From)).Msg("adopted announced partition map")
		}
	}
}
