package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zps-zest/zest/internal/agent"
	"github.com/zps-zest/zest/internal/sessions"
	"github.com/zps-zest/zest/pkg/models"
)

type createSessionRequest struct {
	ID string `json:"id" validate:"omitempty,max=128"`
}

type sendMessageRequest struct {
	Message string `json:"message" validate:"required"`
	Context string `json:"context"`
}

type sendMessageResponse struct {
	Outcome agent.Outcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
	Session sessions.Info `json:"session"`
}

type completeResponseRequest struct {
	RequestID string `json:"request_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s, err := h.Sessions.Create(req.ID)
	if err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, s.Info())
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Sessions.List())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.Info())
}

func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Delete(chi.URLParam(r, "sessionId")); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SendMessage runs one agent turn synchronously and returns its outcome.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.Send(r.Context(), req.Message, req.Context)
	if errors.Is(err, sessions.ErrSessionBusy) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, sessions.ErrSessionClosed) {
		respondError(w, http.StatusGone, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if out.Kind == models.OutcomeFailed {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, sendMessageResponse{Outcome: out, Error: out.ErrorMessage(), Session: s.Info()})
}

func (h *Handlers) SessionHistory(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.History())
}

func (h *Handlers) NewConversation(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.NewConversation()
	respondJSON(w, http.StatusOK, s.Info())
}

// CompleteResponse lets a chat UI deliver a reply over HTTP instead of the
// bridge socket. Without a request id the newest outstanding wait is used.
func (h *Handlers) CompleteResponse(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	var req completeResponseRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	corr := s.Correlator()
	var matched bool
	switch {
	case req.RequestID == "":
		matched = corr.CompleteLatest(req.Content)
	case req.MessageID != "":
		matched = corr.CompleteMessage(req.RequestID, req.MessageID, req.Content)
	default:
		matched = corr.Complete(req.RequestID, req.Content)
	}
	respondJSON(w, http.StatusOK, map[string]bool{"matched": matched})
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*sessions.Session, bool) {
	s, err := h.Sessions.Get(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return s, true
}
