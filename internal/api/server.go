// Package api exposes job status and cancellation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/codebypatrickleung/rehost/internal/cancel"
	"github.com/codebypatrickleung/rehost/internal/job"
	"github.com/codebypatrickleung/rehost/internal/logger"
	"github.com/codebypatrickleung/rehost/internal/metrics"
	"github.com/codebypatrickleung/rehost/internal/status"
)

// Submitter starts a validated job in the background.
type Submitter interface {
	Submit(ctx context.Context, j *job.MigrationJob) error
}

// Server serves the /v1 job endpoints.
type Server struct {
	store     status.Store
	registry  *cancel.Registry
	submitter Submitter
	metrics   *metrics.Collector
	log       *logger.Logger
}

// NewServer creates the API server. registry, submitter and m may be nil.
func NewServer(store status.Store, registry *cancel.Registry, submitter Submitter, m *metrics.Collector, log *logger.Logger) *Server {
	return &Server{store: store, registry: registry, submitter: submitter, metrics: m, log: log}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	if s.submitter != nil {
		v1.HandleFunc("/jobs", s.submitJob).Methods(http.MethodPost)
	}
	v1.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/cancel", s.cancelJob).Methods(http.MethodPost)
	return r
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infof("Listening on %s", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type jobResponse struct {
	*status.Record
	History []status.Transition `json:"history"`
}

type submitRequest struct {
	SpecYAML string `json:"spec_yaml"`
}

type acceptedResponse struct {
	ID              string    `json:"id"`
	Phase           job.Phase `json:"phase,omitempty"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getJob handles GET /v1/jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Get(r.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		s.log.Errorf("Failed to read job %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read job"})
		return
	}
	history, err := s.store.History(r.Context(), id)
	if err != nil {
		s.log.Errorf("Failed to read history of job %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to read job history"})
		return
	}
	if history == nil {
		history = []status.Transition{}
	}
	writeJSON(w, http.StatusOK, jobResponse{Record: rec, History: history})
}

// cancelJob handles POST /v1/jobs/{id}/cancel
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := s.store.RequestCancel(r.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
		return
	}
	if err != nil {
		s.log.Errorf("Failed to cancel job %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to request cancellation"})
		return
	}
	if s.registry != nil {
		s.registry.Cancel(id)
	}
	s.log.Warningf("Cancellation requested for job %s", id)
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: id, CancelRequested: true})
}

// submitJob handles POST /v1/jobs
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	j, err := job.Parse([]byte(req.SpecYAML))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := j.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.submitter.Submit(r.Context(), j); err != nil {
		if errors.Is(err, job.ErrJobActive) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		s.log.Errorf("Failed to submit job %s: %v", j.ID, err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to submit job"})
		return
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse{ID: j.ID, Phase: job.PhaseCreateRawFiles})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
