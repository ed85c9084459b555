package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/storage"
)

// HealthServer exposes liveness, readiness, and Prometheus endpoints
// for a Server over plain HTTP, separate from the websocket sync
// listener.
type HealthServer struct {
	srv *Server[any]
	mux *http.ServeMux
}

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the /ready payload: checks are keyed by subsystem.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// NewHealthServer builds a health HTTP mux for srv. Doc is erased to
// any here since health checks never touch document content.
func NewHealthServer[Doc any](srv *Server[Doc]) *HealthServer {
	generic := &Server[any]{store: srv.store, sequencer: srv.sequencer}
	mux := http.NewServeMux()
	hs := &HealthServer{srv: generic, mux: mux}

	mux.HandleFunc("/health", hs.health)
	mux.HandleFunc("/ready", hs.ready)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Handler returns the mux for embedding in another http.Server.
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

func (hs *HealthServer) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

func (hs *HealthServer) ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if hs.srv.sequencer != nil {
		if hs.srv.sequencer.IsLeader() {
			checks["sequencer"] = "leader"
		} else if addr := hs.srv.sequencer.LeaderAddr(); addr != "" {
			checks["sequencer"] = "follower (leader: " + addr + ")"
		} else {
			checks["sequencer"] = "no leader elected"
			ready = false
		}
	} else {
		checks["sequencer"] = "direct (no raft)"
	}

	if err := hs.srv.store.Transaction(storage.ReadOnly, func(tx storage.ServerTx) error {
		_, _, _, err := tx.GetSerializedDoc("__health_probe__")
		return err
	}); err != nil {
		checks["storage"] = "error: " + err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks})
}
