package main

import (
	"context"
	"strings"
	"sync"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/internal/config"
	"github.com/millrace/weir/recovery"
	"github.com/millrace/weir/sources"
	"github.com/millrace/weir/state"
	"github.com/millrace/weir/stream"
)

// kafkaPipeline wires a Kafka topic through a keyed store operator with a
// barrier handler, so scheduled checkpoints have an operator to snapshot
// and a source whose offsets ride in the barriers.
type kafkaPipeline struct {
	source   *sources.KafkaSource
	channel  *stream.Channel
	operator stream.Operator
	handler  *checkpoint.Handler

	wg sync.WaitGroup
}

func newKafkaPipeline(cfg *config.Config, backend state.Backend,
	coordinator *checkpoint.Coordinator, consistency *checkpoint.ConsistencyManager) (*kafkaPipeline, error) {
	src, err := sources.NewKafkaSource(sources.KafkaConfig{
		BootstrapServers: strings.Join(cfg.KafkaBrokers, ","),
		Topic:            cfg.KafkaTopic,
		Group:            cfg.KafkaGroup,
	})
	if err != nil {
		return nil, err
	}

	ch := stream.NewChannel("kafka:"+cfg.KafkaTopic, 256)
	op := stream.NewBaseOperator("store:" + cfg.KafkaTopic)

	handler := checkpoint.NewHandler(op, []string{ch.ID()}, nil, backend, coordinator, checkpoint.HandlerConfig{
		Aligned:           consistency.Aligned(),
		FullSnapshotEvery: cfg.FullSnapshotEvery,
	})
	handler.SetOffsetSource(src.Position)

	coordinator.ExpectOperators(op.ID())
	coordinator.RegisterSource(ch, src.Position)
	coordinator.RegisterHandler(handler)

	return &kafkaPipeline{
		source:   src,
		channel:  ch,
		operator: op,
		handler:  handler,
	}, nil
}

// restore replays the recovered state into the operator and rewinds the
// source. Must run before start.
func (p *kafkaPipeline) restore(ctx context.Context, m *recovery.Manager, plan *recovery.Plan) error {
	if err := m.RestoreOperator(ctx, plan, p.operator); err != nil {
		return err
	}
	return m.RewindSource(plan, p.source)
}

// start opens the source and pumps its records into the handler's input
// channel until the context is done.
func (p *kafkaPipeline) start(ctx context.Context) error {
	msgs, err := p.source.Open(ctx)
	if err != nil {
		return err
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.handler.Run(ctx, []*stream.Channel{p.channel})
	}()
	go func() {
		defer p.wg.Done()
		defer p.channel.Close()
		for msg := range msgs {
			if err := p.channel.Send(ctx, msg); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *kafkaPipeline) close() {
	_ = p.source.Close()
	p.wg.Wait()
}
