package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jonathan/apply-agent/internal/orchestrator"
	"github.com/jonathan/apply-agent/internal/store"
	"github.com/jonathan/apply-agent/internal/types"
)

var validate = validator.New()

type submitRunRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	SourceURL string `json:"source_url" validate:"required,url"`
}

type runResponse struct {
	RunID     uuid.UUID   `json:"run_id"`
	UserID    uuid.UUID   `json:"user_id"`
	SourceURL string      `json:"source_url"`
	Stage     types.Stage `json:"stage"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, "user_id and source_url are required and must be valid")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be a UUID")
		return
	}

	run, err := s.store.CreateRun(r.Context(), userID, req.SourceURL)
	if err != nil {
		s.logger.Error("creating run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create run")
		return
	}
	if err := s.runner.Submit(run.ID); err != nil {
		if errors.Is(err, orchestrator.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "run queue is full, try again later")
			return
		}
		s.logger.Error("queueing run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not queue run")
		return
	}
	if s.metrics != nil {
		s.metrics.RunsSubmitted.Inc()
	}

	writeJSON(w, http.StatusAccepted, runResponse{
		RunID:     run.ID,
		UserID:    run.UserID,
		SourceURL: run.SourceURL,
		Stage:     run.Stage,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{}
	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "user_id must be a UUID")
			return
		}
		filter.UserID = userID
	}
	if v := r.URL.Query().Get("stage"); v != "" {
		stage := types.Stage(v)
		if !stage.Valid() {
			writeError(w, http.StatusBadRequest, "unknown stage")
			return
		}
		filter.Stage = stage
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{
			RunID:     run.ID,
			UserID:    run.UserID,
			SourceURL: run.SourceURL,
			Stage:     run.Stage,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, chi.URLParam(r, "runID"), "run_id")
	if !ok {
		return
	}
	status, err := s.store.RunStatus(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("loading run status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, chi.URLParam(r, "runID"), "run_id")
	if !ok {
		return
	}
	run, err := s.store.LoadRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("loading run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel run")
		return
	}
	if run.Stage.Terminal() {
		writeError(w, http.StatusConflict, "run already finished")
		return
	}
	if err := s.store.RequestCancel(r.Context(), runID); err != nil {
		s.logger.Error("requesting cancel", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not cancel run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
}

func (s *Server) handleRetryQuestion(w http.ResponseWriter, r *http.Request) {
	runID, ok := parseID(w, chi.URLParam(r, "runID"), "run_id")
	if !ok {
		return
	}
	questionID, ok := parseID(w, chi.URLParam(r, "questionID"), "question_id")
	if !ok {
		return
	}

	err := s.orch.RetryQuestion(r.Context(), runID, questionID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run or question not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.runner.Submit(runID); err != nil {
		writeError(w, http.StatusServiceUnavailable, "run queue is full, try again later")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retry queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// The store is exercised with a cheap read; a broken backend turns
	// the probe red.
	if _, err := s.store.ListRuns(r.Context(), store.RunFilter{Limit: 1}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseID(w http.ResponseWriter, raw, field string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, field+" must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
