package handlers

import (
	"net/http"
	"time"

	"github.com/vire-cms/vire/pkg/session/manager"
)

// Response is the envelope of health responses.
type Response struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func healthyResponse(data any) Response {
	return Response{Status: "healthy", Timestamp: time.Now().UTC(), Data: data}
}

func unhealthyResponse(errMsg string) Response {
	return Response{Status: "unhealthy", Timestamp: time.Now().UTC(), Error: errMsg}
}

// HealthHandler handles the unauthenticated health endpoints.
type HealthHandler struct {
	manager *manager.Manager
	version string
}

// NewHealthHandler creates a new health handler. m may be nil, in which
// case readiness fails.
func NewHealthHandler(m *manager.Manager, version string) *HealthHandler {
	return &HealthHandler{manager: m, version: version}
}

// Liveness handles GET /health.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "vired",
		"version": h.version,
	}))
}

// Readiness handles GET /health/ready. The server is ready once the
// configured root session, if any, is active.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.manager == nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("session manager not initialized"))
		return
	}

	root := h.manager.RootKey()
	if root != "" {
		if _, err := h.manager.SessionByKey(root); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("root session "+root+" is not active"))
			return
		}
	}

	reservations, err := h.manager.Reservations(r.Context())
	if err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, unhealthyResponse("reservation store: "+err.Error()))
		return
	}

	WriteJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"sessions":     len(h.manager.Sessions()),
		"reservations": len(reservations),
		"root":         root,
	}))
}
