// Package sources contains stream sources whose positions can be captured
// in checkpoints and rewound during recovery.
package sources

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/stream"
)

type KafkaConfig struct {
	BootstrapServers string
	Topic            string
	Group            string
	ChannelBuffer    int
}

// KafkaSource consumes a topic and tracks per-partition offsets so a
// recovery plan can rewind it to the positions recorded at a checkpoint.
// Offset keys are "topic/partition".
type KafkaSource struct {
	cfg    KafkaConfig
	client *kgo.Client

	mu      sync.Mutex
	offsets map[string]int64
	// pending holds offsets installed by Seek before Open builds the
	// client.
	pending map[string]int64

	logger zerolog.Logger
}

var (
	_ stream.Source     = (*KafkaSource)(nil)
	_ stream.Rewindable = (*KafkaSource)(nil)
)

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if cfg.BootstrapServers == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source requires bootstrap_servers and topic")
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 64
	}
	return &KafkaSource{
		cfg:     cfg,
		offsets: make(map[string]int64),
		pending: make(map[string]int64),
		logger:  logger.GetLogger("kafka-source").With().Str("topic", cfg.Topic).Logger(),
	}, nil
}

// Open connects to the cluster and starts consuming. If Seek installed
// offsets beforehand, consumption starts exactly there.
func (k *KafkaSource) Open(ctx context.Context) (<-chan stream.Message, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(strings.Split(k.cfg.BootstrapServers, ",")...),
	}

	k.mu.Lock()
	if len(k.pending) > 0 {
		partitions := make(map[int32]kgo.Offset, len(k.pending))
		for key, off := range k.pending {
			p, err := partitionOf(key)
			if err != nil {
				k.mu.Unlock()
				return nil, err
			}
			// The recorded offset is the last consumed one; resume just
			// after it.
			partitions[p] = kgo.NewOffset().At(off + 1)
			k.offsets[key] = off
		}
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			k.cfg.Topic: partitions,
		}))
		k.pending = make(map[string]int64)
	} else {
		opts = append(opts, kgo.ConsumeTopics(k.cfg.Topic))
		if k.cfg.Group != "" {
			opts = append(opts, kgo.ConsumerGroup(k.cfg.Group), kgo.DisableAutoCommit())
		}
	}
	k.mu.Unlock()

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	k.client = client

	out := make(chan stream.Message, k.cfg.ChannelBuffer)
	go func() {
		defer close(out)
		for {
			fetches := client.PollFetches(ctx)
			if fetches.IsClientClosed() || ctx.Err() != nil {
				return
			}
			fetches.EachError(func(t string, p int32, err error) {
				k.logger.Err(err).Str("topic", t).Int32("partition", p).Msg("fetch error")
			})
			fetches.EachRecord(func(r *kgo.Record) {
				ev := stream.Event{
					Key:    string(r.Key),
					Value:  r.Value,
					Offset: r.Offset,
				}
				select {
				case out <- ev:
					k.mu.Lock()
					k.offsets[offsetKey(r.Topic, r.Partition)] = r.Offset
					k.mu.Unlock()
				case <-ctx.Done():
				}
			})
		}
	}()
	return out, nil
}

// Position returns the last consumed offset per partition. Embedded in
// snapshots by the source operator's barrier handler.
func (k *KafkaSource) Position() map[string]int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make(map[string]int64, len(k.offsets))
	for key, off := range k.offsets {
		out[key] = off
	}
	return out
}

// Seek installs recovery offsets. Must be called before Open; a live
// client is closed and consumption restarts on the next Open.
func (k *KafkaSource) Seek(offsets map[string]int64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	k.pending = make(map[string]int64, len(offsets))
	for key, off := range offsets {
		if !strings.HasPrefix(key, k.cfg.Topic+"/") {
			continue
		}
		k.pending[key] = off
	}
	k.logger.Info().Int("partitions", len(k.pending)).Msg("source rewound to checkpoint offsets")
	return nil
}

func (k *KafkaSource) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	return nil
}

func offsetKey(topic string, p int32) string {
	return topic + "/" + strconv.FormatInt(int64(p), 10)
}

func partitionOf(key string) (int32, error) {
	idx := strings.LastIndex(key, "/")
	if idx < 0 {
		return 0, fmt.Errorf("malformed offset key %q", key)
	}
	p, err := strconv.ParseInt(key[idx+1:], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed offset key %q: %w", key, err)
	}
	return int32(p), nil
}
