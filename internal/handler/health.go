package handler

import (
	"net/http"

	"github.com/deepforums/internal/ws"
)

// Health reports liveness and the number of connected store clients.
func Health(hub *ws.Hub, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"backend":     backend,
			"connections": hub.Connections(),
		})
	}
}
