package edk

import (
	"context"
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DebugServer exposes introspection endpoints for a process's Registry
// over HTTP: the set of channels it holds open to other processes, and
// (via pprof/prometheus) standard Go runtime diagnostics. Structured the
// way the teacher's AdminServer wraps a net.Listener + http.ServeMux +
// graceful Shutdown, trimmed to this package's routes/channels concerns
// instead of cluster/actor ones.
type DebugServer struct {
	registry *Registry
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewDebugServer binds a DebugServer to addr, backed by reg. Not started
// until Start is called.
func NewDebugServer(reg *Registry, addr string) (*DebugServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	ds := &DebugServer{
		registry: reg,
		listener: ln,
		logger:   Logger().Named("debug_server"),
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/debug/channels", ds.handleChannels)
	mux.HandleFunc("/debug/routes", ds.handleRoutes)
	mux.Handle("/debug/metrics", promhttp.Handler())
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return ds, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (ds *DebugServer) Addr() string {
	return ds.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (ds *DebugServer) Start() {
	go func() {
		if err := ds.server.Serve(ds.listener); err != nil && err != http.ErrServerClosed {
			ds.logger.Error("debug server error", zap.Error(err))
		}
	}()
	ds.logger.Info("debug server started", zap.String("addr", ds.Addr()))
}

// Stop gracefully shuts down the debug server.
func (ds *DebugServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ds.server.Shutdown(ctx)
}

type channelsResponse struct {
	Count int      `json:"count"`
	Pids  []string `json:"process_ids"`
}

func (ds *DebugServer) handleChannels(w http.ResponseWriter, r *http.Request) {
	pids := ds.registry.Snapshot()
	resp := channelsResponse{Count: len(pids), Pids: make([]string, len(pids))}
	for i, p := range pids {
		resp.Pids[i] = p.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type routesResponse struct {
	Process       string   `json:"process"`
	TransportDown bool     `json:"transport_down"`
	BoundPipeIDs  []uint64 `json:"bound_pipe_ids"`
	PendingCount  int      `json:"pending_count"`
}

// handleRoutes answers /debug/routes?process=<id> with the bound pipe ids
// and pending-buffer depth of the channel to that process, or 404 if this
// process holds no channel to it.
func (ds *DebugServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	idStr := r.URL.Query().Get("process")
	if idStr == "" {
		http.Error(w, "missing process query parameter", http.StatusBadRequest)
		return
	}
	u, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid process id", http.StatusBadRequest)
		return
	}
	rc, ok := ds.registry.Get(ProcessId(u))
	if !ok {
		http.NotFound(w, r)
		return
	}
	resp := routesResponse{
		Process:       idStr,
		TransportDown: rc.TransportDown(),
		BoundPipeIDs:  rc.RouteIDs(),
		PendingCount:  rc.PendingCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
