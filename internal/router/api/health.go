// Package api exposes the router's monitoring and health HTTP surface.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/router/internal/router/health"
)

// HealthHandler serves the infrastructure health check and the
// Kubernetes-style probes.
type HealthHandler struct {
	infraHealth  *health.InfrastructureHealthService
	brokerHealth *health.BrokerHealthService
}

// NewHealthHandler creates a health handler. brokerHealth may be nil.
func NewHealthHandler(infraHealth *health.InfrastructureHealthService, brokerHealth *health.BrokerHealthService) *HealthHandler {
	return &HealthHandler{
		infraHealth:  infraHealth,
		brokerHealth: brokerHealth,
	}
}

// RegisterRoutes registers /health and the probe endpoints.
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Check)
	r.Get("/health/live", h.Liveness)
	r.Get("/health/ready", h.Readiness)
	r.Get("/health/startup", h.Readiness)
}

// Check handles GET /health.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	result := h.infraHealth.CheckHealth()

	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, result)
}

// Liveness handles GET /health/live. It checks nothing external; if the
// process can answer, it is alive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, health.NewHealthyStatus("ALIVE"))
}

// Readiness handles GET /health/ready. Ready means the routing
// infrastructure is up and the broker is reachable.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	var issues []string

	if h.infraHealth != nil {
		if result := h.infraHealth.CheckHealth(); !result.Healthy {
			issues = append(issues, result.Issues...)
		}
	}
	if h.brokerHealth != nil {
		issues = append(issues, h.brokerHealth.CheckBrokerConnectivity()...)
	}

	if len(issues) == 0 {
		writeJSON(w, http.StatusOK, health.NewHealthyStatus("READY"))
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, health.NewUnhealthyStatus("NOT_READY", issues))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
