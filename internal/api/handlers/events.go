package handlers

import (
	"net/http"
	"strconv"
)

const defaultEventLimit = 100

// ListEvents returns recent status events. ?since=<seq> returns everything
// newer than seq, optionally narrowed by ?session_id=.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if since := q.Get("since"); since != "" {
		seq, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be an integer")
			return
		}
		respondJSON(w, http.StatusOK, h.Events.Since(seq, q.Get("session_id")))
		return
	}

	limit := defaultEventLimit
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, h.Events.Recent(limit))
}
