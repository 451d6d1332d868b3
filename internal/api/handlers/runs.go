package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zps-zest/zest/internal/runner"
	"github.com/zps-zest/zest/internal/stages"
)

type startRunRequest struct {
	Target    string `json:"target" validate:"omitempty,max=1024"`
	Line      int    `json:"line" validate:"gte=0"`
	Diff      string `json:"diff"`
	Branch    string `json:"branch"`
	SessionID string `json:"session_id"`
}

func (h *Handlers) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Names)
}

// StartRun queues a workflow run and returns its record immediately.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "workflow")
	p, err := h.Workflows(name)
	if errors.Is(err, stages.ErrUnknownWorkflow) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req startRunRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	pc := stages.NewContext(stages.Input{
		Target:    req.Target,
		Line:      req.Line,
		Diff:      req.Diff,
		Branch:    req.Branch,
		SessionID: req.SessionID,
	})

	id := h.Runner.Submit(p, pc)
	run, err := h.Runner.Get(id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Runner.List())
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Runner.Get(chi.URLParam(r, "runId"))
	if errors.Is(err, runner.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runId")
	if err := h.Runner.Cancel(id); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "canceling"})
}
