package handler

import (
	"net/http"
)

// Connectivity is implemented by dependencies that hold a live connection.
type Connectivity interface {
	Connected() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	deps map[string]Connectivity
}

// NewHealthHandler creates a new health handler. Ready fails while any of
// deps is disconnected.
func NewHealthHandler(deps map[string]Connectivity) *HealthHandler {
	return &HealthHandler{
		deps: deps,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	for name, dep := range h.deps {
		if dep == nil || !dep.Connected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": name + " not connected",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
