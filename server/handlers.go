package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/showrunner-ai/showrunner"
)

// maxWebhookBody bounds inbound webhook payloads at 1 MiB.
const maxWebhookBody = 1 << 20

type createRunRequest struct {
	Graph string         `json:"graph"`
	Input map[string]any `json:"input"`
}

type createRunResponse struct {
	RunID  string               `json:"run_id"`
	Status showrunner.RunStatus `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Graph == "" {
		writeError(w, http.StatusBadRequest, "graph is required")
		return
	}

	runID, err := s.registry.Create(r.Context(), req.Graph, req.Input)
	if err != nil && runID == "" {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// A run whose first advance failed still exists; report its status.
	summary, sumErr := s.registry.GetSummary(r.Context(), runID)
	if sumErr != nil {
		writeError(w, http.StatusInternalServerError, "run created but status unavailable")
		return
	}
	writeJSON(w, http.StatusCreated, createRunResponse{RunID: runID, Status: summary.Status})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	summary, err := s.registry.GetSummary(r.Context(), runID)
	if err != nil {
		if errors.Is(err, showrunner.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAbortRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if err := s.registry.Abort(r.Context(), runID); err != nil {
		if errors.Is(err, showrunner.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to abort run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": string(showrunner.RunStatusAborted)})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	ack, err := s.ingress.Receive(r.Context(), provider, body, r.Header)
	if err != nil {
		// Authentication failures: reject without detail. Raw payloads and
		// signature material are never echoed back.
		switch {
		case errors.Is(err, showrunner.ErrInvalidSignature):
			writeError(w, http.StatusUnauthorized, "signature verification failed")
		case errors.Is(err, showrunner.ErrReplayRejected):
			writeError(w, http.StatusUnauthorized, "timestamp outside replay window")
		default:
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	gate := r.PathValue("gate")
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	payload, err := s.gates.Approve(r.Context(), runID, gate, token)
	if err != nil {
		switch {
		case errors.Is(err, showrunner.ErrTokenAlreadyUsed):
			writeError(w, http.StatusConflict, "token already used")
		case errors.Is(err, showrunner.ErrTokenExpired):
			writeError(w, http.StatusGone, "token expired")
		default:
			writeError(w, http.StatusUnauthorized, "token invalid")
		}
		return
	}

	if err := s.executor.Resume(r.Context(), runID, payload); err != nil {
		switch {
		case errors.Is(err, showrunner.ErrRunAborted):
			writeError(w, http.StatusConflict, "run aborted")
			return
		case errors.Is(err, showrunner.ErrStaleResume):
			writeError(w, http.StatusConflict, "run is not waiting on this gate")
			return
		case errors.Is(err, showrunner.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		// The run itself may have failed while advancing; the approval was
		// still consumed and applied, so report the run's current state.
		s.logger.Error("advance after approval failed", "run_id", runID, "error", err)
	}

	summary, err := s.registry.GetSummary(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "approved but status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "dead letter queue not configured")
		return
	}
	filter := showrunner.DeadLetterFilter{
		Provider:   r.URL.Query().Get("provider"),
		RunID:      r.URL.Query().Get("run_id"),
		Unresolved: r.URL.Query().Get("unresolved") == "true",
	}
	entries, err := s.dlq.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeError(w, http.StatusNotFound, "dead letter queue not configured")
		return
	}
	entryID := r.PathValue("entry_id")
	if err := s.dlq.Replay(r.Context(), entryID); err != nil {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"entry_id": entryID,
			"status":   "retry_scheduled",
			"error":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"entry_id": entryID, "status": "resolved"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
