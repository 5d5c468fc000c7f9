package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/api/mcp"
)

// RPC handles POST /rpc. The bearer credential travels in the Authorization
// header; authentication outcomes are reported inside the JSON-RPC envelope,
// so the endpoint itself always answers 200 for a readable request.
func (h *Handlers) RPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request body unreadable or too large"})
		return
	}

	ctx := mcp.WithAuthorization(r.Context(), r.Header.Get("Authorization"))
	response, err := h.rpc.HandleRequest(ctx, body)
	if err != nil {
		// HandleRequest encodes its own failures; reaching here means the
		// response itself could not be serialized.
		h.logger.Error("Failed to handle RPC request", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(response)
}
