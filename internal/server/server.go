// Package server exposes the database VM lifecycle endpoints consumed by
// the gate controller and CLI.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/internal/compute"
	"github.com/open-notebook/vmgate/pkg/log"
)

type Server struct {
	compute compute.Client
	cfg     api.VMConfig
	log     log.Logger
	now     func() time.Time
}

func New(client compute.Client, cfg api.VMConfig, logger log.Logger) *Server {
	return &Server{
		compute: client,
		cfg:     cfg,
		log:     logger,
		now:     time.Now,
	}
}

// Routes returns the HTTP handler for all endpoints.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /infra/db-vm/status", s.handleStatus)
	mux.HandleFunc("POST /infra/db-vm/start", s.handleStart)
	mux.HandleFunc("POST /infra/db-vm/stop", s.handleStop)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	raw, err := s.compute.Status(r.Context())
	if err != nil {
		s.log.Error(err, "fetching VM status")
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, api.StatusSnapshot{
		Status:    compute.Normalize(raw),
		RawStatus: raw,
		CheckedAt: s.now().UTC(),
		Config:    s.cfg,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	result, err := s.compute.Start(r.Context())
	if err != nil {
		s.log.Error(err, "VM start failed")
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, api.StartResponse{
		RequestedAt:    s.now().UTC(),
		PreviousStatus: compute.Normalize(result.Previous),
		Operation:      result.Operation,
		Action:         result.Action,
		Config:         s.cfg,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	result, err := s.compute.Suspend(r.Context())
	if err != nil {
		s.log.Error(err, "VM suspend/stop failed")
		writeJSON(w, http.StatusBadGateway, api.ErrorResponse{Error: err.Error()})
		return
	}

	action := result.Action
	if action == "" {
		action = "suspend"
	}
	writeJSON(w, http.StatusOK, api.StopResponse{
		RequestedAt:    s.now().UTC(),
		PreviousStatus: compute.Normalize(result.Previous),
		Operation:      result.Operation,
		Action:         action,
		Config:         s.cfg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
