// Package server exposes the control plane over HTTP: cluster status,
// the current partition map, and checkpoint inspection and triggering.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/millrace/weir/checkpoint"
	"github.com/millrace/weir/internal/logger"
	"github.com/millrace/weir/partition"
)

// MapPublisher announces a newly published partition map to peer nodes.
type MapPublisher interface {
	PublishMap(ctx context.Context, m *partition.Map) error
}

type Server struct {
	addr        string
	coordinator *checkpoint.Coordinator
	partitioner *partition.Partitioner
	publisher   MapPublisher
	httpServer  *http.Server
	logger      zerolog.Logger
}

func New(addr string, co *checkpoint.Coordinator, pt *partition.Partitioner) *Server {
	return &Server{
		addr:        addr,
		coordinator: co,
		partitioner: pt,
		logger:      logger.GetLogger("server"),
	}
}

// SetMapPublisher wires the announcement path for membership changes made
// through the control plane.
func (s *Server) SetMapPublisher(pub MapPublisher) {
	s.publisher = pub
}

func (s *Server) routes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Heartbeat("/health"))
	router.Use(middleware.CleanPath)
	router.Use(middleware.RequestID)

	router.Mount("/checkpoints", s.checkpointRouter())
	router.Mount("/partitions", s.partitionRouter())
	router.Get("/status", s.status())

	return router
}

func (s *Server) Run() error {
	router := s.routes()

	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info().Str("addr", s.addr).Msg("control plane listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkpointRouter() chi.Router {
	router := chi.NewRouter()

	router.Get("/", s.listCheckpoints())
	router.Get("/last", s.lastCheckpoint())
	router.Post("/trigger", s.triggerCheckpoint())

	return router
}

func (s *Server) partitionRouter() chi.Router {
	router := chi.NewRouter()

	router.Get("/", s.partitionMap())
	router.Post("/join", s.nodeJoin())
	router.Post("/leave", s.nodeLeave())

	return router
}

type statusResponse struct {
	MapVersion      uint64 `json:"map_version"`
	Nodes           int    `json:"nodes"`
	Partitions      int    `json:"partitions"`
	InFlight        int    `json:"in_flight_checkpoints"`
	LastCheckpoint  uint64 `json:"last_committed_checkpoint"`
	RebalanceActive bool   `json:"rebalance_active"`
}

func (s *Server) status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := s.partitioner.Current()
		var lastID uint64
		if rec, ok := s.coordinator.LastCommitted(); ok {
			lastID = rec.ID
		}
		writeJSON(w, http.StatusOK, statusResponse{
			MapVersion:      m.Version,
			Nodes:           s.partitioner.Members(),
			Partitions:      len(m.Owners),
			InFlight:        s.coordinator.InFlight(),
			LastCheckpoint:  lastID,
			RebalanceActive: s.partitioner.MigrationActive(),
		})
	}
}

type checkpointSummary struct {
	ID          uint64    `json:"id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Operators   int       `json:"operators"`
	Gaps        []string  `json:"gaps,omitempty"`
}

func (s *Server) listCheckpoints() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := s.coordinator.CommittedRecords(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out := make([]checkpointSummary, 0, len(records))
		for _, rec := range records {
			out = append(out, summarize(rec))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) lastCheckpoint() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := s.coordinator.LastCommitted()
		if !ok {
			writeError(w, http.StatusNotFound, checkpoint.ErrUnknownCheckpoint)
			return
		}
		writeJSON(w, http.StatusOK, summarize(rec))
	}
}

func (s *Server) triggerCheckpoint() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.coordinator.Trigger(r.Context())
		switch err {
		case nil:
			writeJSON(w, http.StatusAccepted, map[string]uint64{"id": id})
		case checkpoint.ErrCheckpointBusy, checkpoint.ErrRebalanceActive, checkpoint.ErrNoOperators:
			writeError(w, http.StatusConflict, err)
		case checkpoint.ErrNotLeader:
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
	}
}

type partitionEntry struct {
	Partition uint32   `json:"partition"`
	Primary   string   `json:"primary"`
	Backups   []string `json:"backups"`
}

func (s *Server) partitionMap() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := s.partitioner.Current()
		out := struct {
			Version uint64           `json:"version"`
			Owners  []partitionEntry `json:"owners"`
		}{Version: m.Version}
		for id, owners := range m.Owners {
			backups := make([]string, 0, len(owners.Backups))
			for _, b := range owners.Backups {
				backups = append(backups, string(b))
			}
			out.Owners = append(out.Owners, partitionEntry{
				Partition: uint32(id),
				Primary:   string(owners.Primary),
				Backups:   backups,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type membershipRequest struct {
	Node string `json:"node"`
}

func (s *Server) nodeJoin() http.HandlerFunc {
	return s.membershipChange(func(node partition.NodeID) (*partition.Map, error) {
		return s.partitioner.OnNodeJoin(node)
	})
}

func (s *Server) nodeLeave() http.HandlerFunc {
	return s.membershipChange(func(node partition.NodeID) (*partition.Map, error) {
		return s.partitioner.OnNodeLeave(node)
	})
}

func (s *Server) membershipChange(apply func(partition.NodeID) (*partition.Map, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req membershipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Node == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "node is required"})
			return
		}
		m, err := apply(partition.NodeID(req.Node))
		if err != nil {
			writeError(w, http.StatusConflict, err)
			return
		}
		if s.publisher != nil {
			if err := s.publisher.PublishMap(r.Context(), m); err != nil {
				s.logger.Warn().Err(err).Uint64("version", m.Version).Msg("map announcement failed")
			}
		}
		writeJSON(w, http.StatusOK, map[string]uint64{"version": m.Version})
	}
}

func summarize(rec *checkpoint.Record) checkpointSummary {
	return checkpointSummary{
		ID:          rec.ID,
		Status:      rec.Status.String(),
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Operators:   len(rec.Expected),
		Gaps:        rec.Gaps,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
