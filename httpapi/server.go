// Package httpapi is the REST glue around the scheduler core: pipeline
// submission, status inspection, and the manual operations (cancel, resume,
// stage skip and restart). Definition validation and authentication live
// upstream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/conveyor/message"
	"github.com/c360studio/conveyor/model"
	"github.com/c360studio/conveyor/queue"
	"github.com/c360studio/conveyor/store"
)

// Server exposes the HTTP API.
type Server struct {
	repo   store.ExecutionRepository
	queue  queue.Queue
	logger *slog.Logger
	router *mux.Router
}

// New builds the server and its routes. gatherer may be nil when metrics
// exposition is not wanted.
func New(repo store.ExecutionRepository, q queue.Queue, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		repo:   repo,
		queue:  q,
		logger: logger,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/v1/pipelines", s.submitPipeline).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/pipelines/{id}", s.getPipeline).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/pipelines/{id}/cancel", s.cancelPipeline).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/pipelines/{id}/resume", s.resumePipeline).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/pipelines/{id}/stages/{stageId}/skip", s.skipStage).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/pipelines/{id}/stages/{stageId}/restart", s.restartStage).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/applications/{application}/pipelines", s.listForConfig).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// submitPipeline stores a new execution and enqueues StartExecution.
func (s *Server) submitPipeline(w http.ResponseWriter, r *http.Request) {
	var exec model.PipelineExecution
	if err := json.NewDecoder(r.Body).Decode(&exec); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode pipeline: %w", err))
		return
	}

	if exec.Application == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("application is required"))
		return
	}
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.Type == "" {
		exec.Type = model.ExecutionTypePipeline
	}
	exec.Status = model.StatusNotStarted
	exec.StartTime = nil
	exec.EndTime = nil
	for _, stage := range exec.Stages {
		stage.Status = model.StatusNotStarted
	}
	exec.AttachBackrefs()

	if err := exec.ValidateGraph(); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid stage graph: %w", err))
		return
	}

	ctx := r.Context()
	if err := s.repo.Store(ctx, &exec); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.queue.Push(ctx, &message.StartExecution{ExecutionInfo: message.NewExecutionInfo(&exec)}, 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	s.logger.Info("pipeline submitted",
		"execution_id", exec.ID,
		"application", exec.Application,
		"stages", len(exec.Stages))
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID})
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, exec)
}

func (s *Server) cancelPipeline(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		User   string `json:"user"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	msg := &message.CancelExecution{
		ExecutionInfo: message.NewExecutionInfo(exec),
		CanceledBy:    body.User,
		Reason:        body.Reason,
	}
	if err := s.queue.Push(r.Context(), msg, 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID})
}

func (s *Server) resumePipeline(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var body struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	msg := &message.ResumeExecution{
		ExecutionInfo: message.NewExecutionInfo(exec),
		User:          body.User,
	}
	if err := s.queue.Push(r.Context(), msg, 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID})
}

func (s *Server) skipStage(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stageID := mux.Vars(r)["stageId"]
	if _, found := exec.StageByID(stageID); !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("stage %s not found", stageID))
		return
	}
	var body struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	msg := &message.SkipStage{
		StageRef: message.StageRef{ExecutionInfo: message.NewExecutionInfo(exec), Stage: stageID},
		User:     body.User,
	}
	if err := s.queue.Push(r.Context(), msg, 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID, "stageId": stageID})
}

func (s *Server) restartStage(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.lookup(w, r)
	if !ok {
		return
	}
	stageID := mux.Vars(r)["stageId"]
	if _, found := exec.StageByID(stageID); !found {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("stage %s not found", stageID))
		return
	}
	var body struct {
		User string `json:"user"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	msg := &message.RestartStage{
		StageRef: message.StageRef{ExecutionInfo: message.NewExecutionInfo(exec), Stage: stageID},
		User:     body.User,
	}
	if err := s.queue.Push(r.Context(), msg, 0); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"id": exec.ID, "stageId": stageID})
}

func (s *Server) listForConfig(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("pipelineConfigId")
	if configID == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("pipelineConfigId query parameter is required"))
		return
	}
	application := mux.Vars(r)["application"]

	executions, err := s.repo.RetrieveForPipelineConfigID(r.Context(), configID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]*model.PipelineExecution, 0, len(executions))
	for _, e := range executions {
		if e.Application == application {
			out = append(out, e)
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// lookup resolves the execution in the path, trying both execution types.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*model.PipelineExecution, bool) {
	id := mux.Vars(r)["id"]
	exec, err := s.repo.Retrieve(r.Context(), model.ExecutionTypePipeline, id)
	if errors.Is(err, store.ErrNotFound) {
		exec, err = s.repo.Retrieve(r.Context(), model.ExecutionTypeOrchestration, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("execution %s not found", id))
		return nil, false
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	return exec, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
