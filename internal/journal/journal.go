// Package journal is the raft-replicated store of the coordinator's
// authoritative state: the checkpoint id counter and the record set. A
// re-elected coordinator resumes from the journal and can never reissue a
// lower id.
package journal

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/rqlite/raft-boltdb/v2"
	"github.com/rs/zerolog"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/internal/command"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/internal/rsync"
	"github.com/millrace/weir/partition"
	"github.com/millrace/weir/state"
)

var (
	// ErrJournalNotOpen is returned when the journal has not been opened.
	ErrJournalNotOpen = errors.New("journal not open")

	// ErrNotLeader is returned for writes on a follower.
	ErrNotLeader = errors.New("not the journal leader")
)

const (
	applyTimeout        = 10 * time.Second
	retainedSnapshots   = 2
	connectionPoolCount = 5
	connectionTimeout   = 10 * time.Second
	raftDBFile          = "journal.db"
	snapshotsDirName    = "jsnapshots"
)

type Config struct {
	Dir    string // working directory for raft state
	NodeID string
	Addr   string // bind address for the raft transport
}

// Journal replicates the coordinator's counter and records over raft.
type Journal struct {
	open *rsync.AtomicBool

	raftDir string
	raftID  string
	addr    string

	raft      *raft.Raft
	fsm       *fsm
	transport raft.Transport

	logStore    raft.LogStore
	stableStore raft.StableStore
	snapshots   raft.SnapshotStore
	boltStore   *raftboltdb.BoltStore

	logger zerolog.Logger
}

var _ checkpoint.Journal = (*Journal)(nil)

func New(c *Config) *Journal {
	newLogger := logger.GetLogger("journal")
	j := &Journal{
		open:    rsync.NewAtomicBool(),
		raftDir: c.Dir,
		raftID:  c.NodeID,
		addr:    c.Addr,
		logger:  newLogger,
	}
	j.fsm = newFSM(newLogger)
	return j
}

// Open starts the raft node with bolt-backed log and stable stores and a
// file snapshot store under the configured directory.
func (j *Journal) Open() (retErr error) {
	defer func() {
		if retErr == nil {
			j.open.Set()
		}
	}()

	addr, err := net.ResolveTCPAddr("tcp", j.addr)
	if err != nil {
		return err
	}
	transport, err := raft.NewTCPTransport(j.addr, addr, connectionPoolCount, connectionTimeout, os.Stderr)
	if err != nil {
		return err
	}
	j.transport = transport

	snapshots, err := raft.NewFileSnapshotStore(filepath.Join(j.raftDir, snapshotsDirName), retainedSnapshots, os.Stderr)
	if err != nil {
		return err
	}
	j.snapshots = snapshots

	bolt, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(j.raftDir, raftDBFile),
	})
	if err != nil {
		return err
	}
	j.boltStore = bolt
	j.logStore = bolt
	j.stableStore = bolt

	return j.start()
}

// OpenInMem starts a single-node journal on raft's in-memory stores and
// transport. Tests and standalone mode.
func (j *Journal) OpenInMem() (retErr error) {
	defer func() {
		if retErr == nil {
			j.open.Set()
		}
	}()

	store := raft.NewInmemStore()
	j.logStore = store
	j.stableStore = store
	j.snapshots = raft.NewInmemSnapshotStore()

	addr, transport := raft.NewInmemTransport(raft.ServerAddress(j.addr))
	j.addr = string(addr)
	j.transport = transport

	return j.start()
}

func (j *Journal) start() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(j.raftID)
	config.Logger = hclog.New(&hclog.LoggerOptions{
		Name:  "raft",
		Level: hclog.Warn,
	})

	r, err := raft.NewRaft(config, j.fsm, j.logStore, j.stableStore, j.snapshots, j.transport)
	if err != nil {
		return err
	}
	j.raft = r
	j.logger.Info().Str("node_id", j.raftID).Str("addr", j.addr).Msg("journal raft node started")
	return nil
}

// Bootstrap seeds a brand-new cluster with the given voters. The local
// node must be among them.
func (j *Journal) Bootstrap(servers ...raft.Server) error {
	if !j.open.Is() {
		return ErrJournalNotOpen
	}
	fut := j.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	return fut.Error()
}

// BootstrapSelf bootstraps a single-node cluster.
func (j *Journal) BootstrapSelf() error {
	return j.Bootstrap(raft.Server{
		ID:      raft.ServerID(j.raftID),
		Address: raft.ServerAddress(j.addr),
	})
}

// WaitForLeader blocks until the cluster has a leader or the timeout
// lapses.
func (j *Journal) WaitForLeader(timeout time.Duration) error {
	if !j.open.Is() {
		return ErrJournalNotOpen
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if addr, _ := j.raft.LeaderWithID(); addr != "" {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.New("timeout waiting for leader")
}

func (j *Journal) IsLeader() bool {
	if !j.open.Is() {
		return false
	}
	return j.raft.State() == raft.Leader
}

// NextCheckpointID durably advances the replicated counter. Ids are
// monotonic across coordinator failovers and never reused.
func (j *Journal) NextCheckpointID() (uint64, error) {
	if !j.open.Is() {
		return 0, ErrJournalNotOpen
	}
	buf, err := command.EncodeMsgPack(command.Command{Op: command.OpAdvanceCounter})
	if err != nil {
		return 0, err
	}
	fut := j.raft.Apply(buf.Bytes(), applyTimeout)
	if err := fut.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return 0, ErrNotLeader
		}
		return 0, err
	}
	switch resp := fut.Response().(type) {
	case uint64:
		return resp, nil
	case error:
		return 0, resp
	default:
		return 0, errors.New("unexpected journal apply response")
	}
}

// SaveRecord replicates a record's terminal metadata.
func (j *Journal) SaveRecord(rec *checkpoint.Record) error {
	if !j.open.Is() {
		return ErrJournalNotOpen
	}
	raw, err := command.EncodeMsgPack(toStored(rec))
	if err != nil {
		return err
	}
	buf, err := command.EncodeMsgPack(command.Command{Op: command.OpPutRecord, Record: raw.Bytes()})
	if err != nil {
		return err
	}
	fut := j.raft.Apply(buf.Bytes(), applyTimeout)
	if err := fut.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return ErrNotLeader
		}
		return err
	}
	if resp, ok := fut.Response().(error); ok {
		return resp
	}
	return nil
}

// Records returns every stored record, ascending by id.
func (j *Journal) Records() ([]*checkpoint.Record, error) {
	if !j.open.Is() {
		return nil, ErrJournalNotOpen
	}
	var out []*checkpoint.Record
	for _, raw := range j.fsm.Records() {
		var sr storedRecord
		if err := command.DecodeMsgPack(raw, &sr); err != nil {
			return nil, err
		}
		out = append(out, fromStored(&sr))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

// CommittedRecords returns committed records newest first, the shape
// recovery consults after a coordinator restart.
func (j *Journal) CommittedRecords(ctx context.Context) ([]*checkpoint.Record, error) {
	all, err := j.Records()
	if err != nil {
		return nil, err
	}
	var out []*checkpoint.Record
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == checkpoint.StatusCommitted {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Counter returns the current value of the replicated counter.
func (j *Journal) Counter() uint64 {
	return j.fsm.Counter()
}

// LeaderCh surfaces raft leadership transitions.
func (j *Journal) LeaderCh() <-chan bool {
	return j.raft.LeaderCh()
}

// Close shuts the raft node down. If wait is true it blocks for a
// graceful shutdown.
func (j *Journal) Close(wait bool) error {
	if !j.open.Is() {
		return nil
	}
	j.open.Unset()

	f := j.raft.Shutdown()
	if wait {
		if err := f.Error(); err != nil {
			return err
		}
	}
	if j.boltStore != nil {
		return j.boltStore.Close()
	}
	return nil
}

// storedRecord is the msgpack form of a checkpoint record. Times are unix
// nanoseconds to keep the encoding self-contained.
type storedRecord struct {
	ID          uint64                  `codec:"id"`
	Status      int                     `codec:"status"`
	CreatedAt   int64                   `codec:"created_at"`
	CompletedAt int64                   `codec:"completed_at"`
	Expected    []string                `codec:"expected"`
	Gaps        []string                `codec:"gaps"`
	Snapshots   map[string]state.Handle `codec:"snapshots"`
	MapVersion  uint64                  `codec:"map_version"`
	Owners      []storedOwners          `codec:"owners"`
}

type storedOwners struct {
	Primary string   `codec:"primary"`
	Backups []string `codec:"backups"`
}

func toStored(rec *checkpoint.Record) *storedRecord {
	sr := &storedRecord{
		ID:          rec.ID,
		Status:      int(rec.Status),
		CreatedAt:   rec.CreatedAt.UnixNano(),
		CompletedAt: rec.CompletedAt.UnixNano(),
		Expected:    rec.Expected,
		Gaps:        rec.Gaps,
		Snapshots:   rec.Snapshots,
	}
	if rec.PartitionMap != nil {
		sr.MapVersion = rec.PartitionMap.Version
		sr.Owners = make([]storedOwners, len(rec.PartitionMap.Owners))
		for i, o := range rec.PartitionMap.Owners {
			backups := make([]string, len(o.Backups))
			for k, b := range o.Backups {
				backups[k] = string(b)
			}
			sr.Owners[i] = storedOwners{Primary: string(o.Primary), Backups: backups}
		}
	}
	return sr
}

func fromStored(sr *storedRecord) *checkpoint.Record {
	rec := &checkpoint.Record{
		ID:          sr.ID,
		Status:      checkpoint.Status(sr.Status),
		CreatedAt:   time.Unix(0, sr.CreatedAt).UTC(),
		CompletedAt: time.Unix(0, sr.CompletedAt).UTC(),
		Expected:    sr.Expected,
		Gaps:        sr.Gaps,
		Snapshots:   sr.Snapshots,
	}
	if rec.Snapshots == nil {
		rec.Snapshots = make(map[string]state.Handle)
	}
	if len(sr.Owners) > 0 {
		pm := &partition.Map{
			Version: sr.MapVersion,
			Owners:  make([]partition.Owners, len(sr.Owners)),
		}
		for i, o := range sr.Owners {
			backups := make([]partition.NodeID, len(o.Backups))
			for k, b := range o.Backups {
				backups[k] = partition.NodeID(b)
			}
			pm.Owners[i] = partition.Owners{Primary: partition.NodeID(o.Primary), Backups: backups}
		}
		rec.PartitionMap = pm
	}
	return rec
}
