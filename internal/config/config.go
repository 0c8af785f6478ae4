// Package config loads and validates the configuration surface the
// checkpoint core consumes.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/partition"
)

type Config struct {
	NodeID string
	Port   string

	CheckpointInterval       time.Duration
	CheckpointTimeout        time.Duration
	MaxConcurrentCheckpoints int

	ReplicationFactor       int
	VirtualNodesPerPhysical int
	Partitions              int

	ConsistencyMode checkpoint.Mode

	// FullSnapshotEvery bounds incremental snapshot chains; 0 disables
	// incremental snapshots.
	FullSnapshotEvery int

	// StateDir is the badger directory for keyed state and snapshots.
	StateDir string

	JournalDir  string
	JournalAddr string

	EtcdEndpoints []string

	// KafkaBrokers enables the built-in Kafka pipeline when non-empty.
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
}

// Load reads the merged koanf tree into a validated Config with defaults
// applied.
func Load(ko *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		NodeID: ko.String("node_id"),
		Port:   ko.String("port"),

		CheckpointInterval:       ko.Duration("checkpoint_interval"),
		CheckpointTimeout:        ko.Duration("checkpoint_timeout"),
		MaxConcurrentCheckpoints: ko.Int("max_concurrent_checkpoints"),

		ReplicationFactor:       ko.Int("replication_factor"),
		VirtualNodesPerPhysical: ko.Int("virtual_nodes_per_physical"),
		Partitions:              ko.Int("partitions"),

		FullSnapshotEvery: ko.Int("full_snapshot_every"),

		StateDir: ko.String("state_dir"),

		JournalDir:  ko.String("journal_dir"),
		JournalAddr: ko.String("journal_addr"),

		EtcdEndpoints: ko.Strings("etcd_endpoints"),

		KafkaBrokers: ko.Strings("kafka_brokers"),
		KafkaTopic:   ko.String("kafka_topic"),
		KafkaGroup:   ko.String("kafka_group"),
	}

	mode, err := checkpoint.ParseMode(ko.String("consistency_mode"))
	if err != nil {
		return nil, err
	}
	cfg.ConsistencyMode = mode

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.CheckpointTimeout == 0 {
		c.CheckpointTimeout = 2 * time.Minute
	}
	if c.MaxConcurrentCheckpoints == 0 {
		c.MaxConcurrentCheckpoints = 1
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 2
	}
	if c.VirtualNodesPerPhysical == 0 {
		c.VirtualNodesPerPhysical = partition.DefaultVirtualNodes
	}
	if c.Partitions == 0 {
		c.Partitions = 64
	}
	if c.StateDir == "" {
		c.StateDir = ".weir/state"
	}
	if c.JournalDir == "" {
		c.JournalDir = ".weir/journal"
	}
	if c.JournalAddr == "" {
		c.JournalAddr = "127.0.0.1:9021"
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaGroup == "" {
		c.KafkaGroup = "weir-" + c.NodeID
	}
}

func (c *Config) validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.Partitions < 1 {
		return fmt.Errorf("partitions must be positive, got %d", c.Partitions)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be positive, got %d", c.ReplicationFactor)
	}
	if c.CheckpointTimeout <= 0 {
		return fmt.Errorf("checkpoint_timeout must be positive, got %s", c.CheckpointTimeout)
	}
	if c.MaxConcurrentCheckpoints < 1 {
		return fmt.Errorf("max_concurrent_checkpoints must be positive, got %d", c.MaxConcurrentCheckpoints)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("kafka_topic is required when kafka_brokers is set")
	}
	return nil
}
