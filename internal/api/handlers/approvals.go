package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type decideRequest struct {
	Approved *bool `json:"approved" validate:"required"`
}

func (h *Handlers) ListApprovals(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Gates.Pending())
}

func (h *Handlers) GetApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := h.Gates.Get(chi.URLParam(r, "approvalId"))
	if !ok {
		respondError(w, http.StatusNotFound, "approval not found")
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// DecideApproval accepts or rejects a pending file change.
func (h *Handlers) DecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "approvalId")
	var req decideRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.Gates.Resolve(id, *req.Approved) {
		respondError(w, http.StatusNotFound, "approval not found or already decided")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "approved": *req.Approved})
}
