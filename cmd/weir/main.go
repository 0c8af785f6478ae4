// Command weir runs a single node of the stream state service: the
// partition manager, the checkpoint coordinator with its replicated
// journal, the state backend, and the control plane HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/cluster"
	"github.com/millrace/weir/cluster/etcdco"
	"github.com/millrace/weir/internal/config"
	"github.com/millrace/weir/internal/journal"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/recovery"
	"github.com/millrace/weir/server"
	"github.com/millrace/weir/state/badgerstate"
)

var (
	buildString = "unknown"
	ko          = koanf.New(".")
)

func main() {
	initFlags(ko)

	if ko.Bool("version") {
		fmt.Println(buildString)
		os.Exit(0)
	}

	logger.SetDevelopment(ko.Bool("dev"))
	mainLogger := logger.GetLogger("weir")
	mainLogger.Info().Str("build", buildString).Msg("starting")

	cfg, err := config.Load(ko)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := badgerstate.New(&badgerstate.Config{Dir: cfg.StateDir})
	if err := backend.Open(&badgerstate.Config{Dir: cfg.StateDir}); err != nil {
		mainLogger.Fatal().Err(err).Msg("opening state backend")
	}
	defer backend.Close()

	jrnl := journal.New(&journal.Config{
		Dir:    cfg.JournalDir,
		NodeID: cfg.NodeID,
		Addr:   cfg.JournalAddr,
	})
	if err := jrnl.Open(); err != nil {
		mainLogger.Fatal().Err(err).Msg("opening journal")
	}
	defer jrnl.Close(true)

	if ko.Bool("bootstrap") {
		if err := jrnl.BootstrapSelf(); err != nil {
			mainLogger.Fatal().Err(err).Msg("bootstrapping journal")
		}
	}
	if err := jrnl.WaitForLeader(30 * time.Second); err != nil {
		mainLogger.Fatal().Err(err).Msg("journal has no leader")
	}

	// With etcd configured, concurrently starting nodes serialize their
	// map bootstrap behind a cluster-wide lock.
	var coordination cluster.Coordination = cluster.NewInMemCoordination()
	if len(cfg.EtcdEndpoints) > 0 {
		etcd, err := etcdco.New(&etcdco.Config{Endpoints: cfg.EtcdEndpoints})
		if err != nil {
			mainLogger.Fatal().Err(err).Msg("connecting to etcd")
		}
		defer etcd.Close()
		coordination = etcd
	}

	partitioner := partition.NewPartitioner(cfg.Partitions, cfg.ReplicationFactor, cfg.VirtualNodesPerPhysical)
	release, err := coordination.AcquireLock(ctx, "rebalance", 30*time.Second)
	if err != nil {
		mainLogger.Fatal().Err(err).Msg("acquiring rebalance lock")
	}
	if _, err := partitioner.Bootstrap(partition.NodeID(cfg.NodeID)); err != nil {
		mainLogger.Fatal().Err(err).Msg("seeding partition map")
	}
	release()

	consistency := checkpoint.NewConsistencyManager(cfg.ConsistencyMode, backend)
	transport := cluster.NewInProcTransport()

	coordinator := checkpoint.NewCoordinator(jrnl, consistency, partitioner, transport, checkpoint.CoordinatorConfig{
		NodeID:        partition.NodeID(cfg.NodeID),
		Interval:      cfg.CheckpointInterval,
		Timeout:       cfg.CheckpointTimeout,
		MaxConcurrent: cfg.MaxConcurrentCheckpoints,
	})

	relay := checkpoint.NewRelay(transport, partition.NodeID(cfg.NodeID))
	relay.ServeAcks(coordinator)
	relay.TrackMap(partitioner)
	go func() {
		if err := relay.Run(ctx); err != nil {
			mainLogger.Error().Err(err).Msg("cluster relay stopped")
		}
	}()

	var pipeline *kafkaPipeline
	if len(cfg.KafkaBrokers) > 0 {
		pipeline, err = newKafkaPipeline(cfg, backend, coordinator, consistency)
		if err != nil {
			mainLogger.Fatal().Err(err).Msg("building kafka pipeline")
		}
		relay.DeliverTo(pipeline.channel)
	}

	// Restore from the most recent usable checkpoint before taking
	// traffic. A missing checkpoint on a fresh cluster is not an error.
	rec := recovery.NewManager(backend, coordinator, partitioner)
	plan, err := rec.Recover(ctx)
	switch err {
	case nil:
		mainLogger.Info().Uint64("checkpoint", plan.CheckpointID).Msg("recovered from checkpoint")
		if pipeline != nil {
			if err := pipeline.restore(ctx, rec, plan); err != nil {
				mainLogger.Fatal().Err(err).Msg("restoring kafka pipeline")
			}
		}
	case recovery.ErrNoRecoverableCheckpoint:
		mainLogger.Info().Msg("no committed checkpoint, starting fresh")
	default:
		mainLogger.Fatal().Err(err).Msg("recovery failed")
	}

	if pipeline != nil {
		if err := pipeline.start(ctx); err != nil {
			mainLogger.Fatal().Err(err).Msg("starting kafka pipeline")
		}
		defer pipeline.close()
	}

	go coordinator.Run(ctx)

	srv := server.New(":"+cfg.Port, coordinator, partitioner)
	srv.SetMapPublisher(relay)
	go func() {
		if err := srv.Run(); err != nil {
			mainLogger.Error().Err(err).Msg("control plane server stopped")
			cancel()
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	select {
	case <-done:
		log.Info().Msg("received interrupt signal, shutting down")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLogger.Error().Err(err).Msg("server shutdown")
	}
}
