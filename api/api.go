// Package api exposes the server's operator surface over HTTP: prometheus
// metrics, a health probe, a read-only view of the swarm, and a JSON-RPC
// bridge with the same information.
package api

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mezonai/blockswarm/exception"
	"github.com/mezonai/blockswarm/host"
	"github.com/mezonai/blockswarm/jsonx"
	"github.com/mezonai/blockswarm/logx"
	"github.com/mezonai/blockswarm/monitoring"
	"github.com/mezonai/blockswarm/registry"
)

const swarmQueryTimeout = 10 * time.Second

// Supervisor is the part of server.Server the api reads.
type Supervisor interface {
	ActiveHost() *host.ModuleHost
	Ready() bool
}

// CacheStats is the part of the cache allocator the api reads.
type CacheStats interface {
	Used() int64
	Capacity() int64
	Active() int
}

type Config struct {
	Addr        string
	Prefix      string
	TotalBlocks int
}

type Server struct {
	cfg    Config
	sup    Supervisor
	cache  CacheStats
	reg    registry.Registry
	router *mux.Router
	rpc    *rpcBridge
	http   *http.Server
	clock  registry.Clock
}

func NewServer(cfg Config, sup Supervisor, cache CacheStats, reg registry.Registry) *Server {
	s := &Server{
		cfg:    cfg,
		sup:    sup,
		cache:  cache,
		reg:    reg,
		router: mux.NewRouter(),
		clock:  time.Now,
	}
	s.rpc = newRPCBridge(s)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/metrics", monitoring.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/swarm", s.handleSwarm).Methods(http.MethodGet)
	s.router.HandleFunc("/swarm/{index}", s.handleBlock).Methods(http.MethodGet)
	s.router.Handle("/rpc", s.rpc).Methods(http.MethodPost)
}

// Router is the configured handler, for embedding or tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start serves on cfg.Addr in the background.
func (s *Server) Start() {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	exception.SafeGo("OperatorAPI", func() {
		logx.Info("API", "Serving operator api on", s.cfg.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Error("API", "Operator api stopped:", err)
		}
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.rpc.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type Status struct {
	Status        string `json:"status"`
	PeerID        string `json:"peer_id"`
	Blocks        string `json:"blocks,omitempty"`
	HostState     string `json:"host_state,omitempty"`
	CacheUsed     int64  `json:"cache_used"`
	CacheCapacity int64  `json:"cache_capacity"`
	Sessions      int    `json:"sessions"`
}

func (s *Server) status() Status {
	st := Status{Status: "starting", PeerID: s.reg.PeerID()}
	if s.cache != nil {
		st.CacheUsed = s.cache.Used()
		st.CacheCapacity = s.cache.Capacity()
		st.Sessions = s.cache.Active()
	}
	if h := s.sup.ActiveHost(); h != nil {
		st.Blocks = h.Range().String()
		st.HostState = h.State().String()
	}
	if s.sup.Ready() {
		st.Status = "healthy"
	}
	return st
}

type ServerView struct {
	PeerID     string    `json:"peer_id"`
	State      string    `json:"state"`
	Throughput float64   `json:"throughput"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type BlockView struct {
	UID     string       `json:"uid"`
	Servers []ServerView `json:"servers"`
}

func (s *Server) swarm(ctx context.Context, start, end int) ([]BlockView, error) {
	uids := registry.ModuleUIDs(s.cfg.Prefix, start, end)
	ctx, cancel := context.WithTimeout(ctx, swarmQueryTimeout)
	defer cancel()
	infos, err := s.reg.Get(ctx, uids, s.clock())
	if err != nil {
		return nil, err
	}
	views := make([]BlockView, len(uids))
	for i, uid := range uids {
		views[i] = BlockView{UID: uid, Servers: []ServerView{}}
		if infos[i] == nil {
			continue
		}
		for peerID, info := range infos[i].Servers {
			views[i].Servers = append(views[i].Servers, ServerView{
				PeerID:     peerID,
				State:      info.State.String(),
				Throughput: info.Throughput,
				ExpiresAt:  info.ExpiresAt,
			})
		}
		sort.Slice(views[i].Servers, func(a, b int) bool {
			return views[i].Servers[a].PeerID < views[i].Servers[b].PeerID
		})
	}
	return views, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	code := http.StatusServiceUnavailable
	if st.Status == "healthy" {
		code = http.StatusOK
	}
	writeJSON(w, code, st)
}

func (s *Server) handleSwarm(w http.ResponseWriter, r *http.Request) {
	views, err := s.swarm(r.Context(), 0, s.cfg.TotalBlocks)
	if err != nil {
		logx.Warn("API", "Swarm query failed:", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil || index < 0 || index >= s.cfg.TotalBlocks {
		http.Error(w, "block index out of range", http.StatusBadRequest)
		return
	}
	views, err := s.swarm(r.Context(), index, index+1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, views[0])
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsonx.NewEncoder(w).Encode(v); err != nil {
		logx.Error("API", "Failed to encode response:", err)
	}
}
