package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/zps-zest/zest/pkg/models"
)

func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Gateway.List())
}

// MCPEndpoint serves the tool gateway over JSON-RPC 2.0.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	var req models.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusOK, &models.RPCResponse{
			Jsonrpc: "2.0",
			Error:   &models.RPCError{Code: -32700, Message: "Parse error"},
		})
		return
	}
	resp := h.Gateway.HandleJSONRPC(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
