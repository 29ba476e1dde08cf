package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.flowcatalyst.tech/router/internal/router/health"
)

// TrafficStatusProvider reports load balancer registration state.
type TrafficStatusProvider interface {
	IsEnabled() bool
	StatusJSON() any
}

// RouterController is the queue manager surface the monitoring API
// drives: the read probe plus the pause/resume switch.
type RouterController interface {
	health.RouterProbe
	Pause()
	Resume()
}

// MonitoringHandler serves the operational snapshot endpoints under
// /router/*.
type MonitoringHandler struct {
	status  *health.StatusService
	manager RouterController
	standby health.StandbyStatusProvider
	traffic TrafficStatusProvider
}

// NewMonitoringHandler creates the monitoring handler.
func NewMonitoringHandler(status *health.StatusService, qm RouterController) *MonitoringHandler {
	return &MonitoringHandler{
		status:  status,
		manager: qm,
	}
}

// SetStandbyProvider wires the HA standby service.
func (h *MonitoringHandler) SetStandbyProvider(p health.StandbyStatusProvider) {
	h.standby = p
}

// SetTrafficProvider wires the traffic management service.
func (h *MonitoringHandler) SetTrafficProvider(p TrafficStatusProvider) {
	h.traffic = p
}

// RegisterRoutes registers the /router endpoints.
func (h *MonitoringHandler) RegisterRoutes(r chi.Router) {
	r.Route("/router", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/pools", h.GetPools)
		r.Get("/consumers", h.GetConsumers)
		r.Get("/circuit-breakers", h.GetCircuitBreakers)
		r.Get("/standby", h.GetStandbyStatus)
		r.Get("/traffic", h.GetTrafficStatus)
		r.Post("/pause", h.Pause)
		r.Post("/resume", h.Resume)
	})
}

// GetStatus handles GET /router/status.
func (h *MonitoringHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Snapshot())
}

// GetPools handles GET /router/pools. Draining pools are included so an
// operator can watch a config change settle.
func (h *MonitoringHandler) GetPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active":   h.manager.PoolStats(),
		"draining": h.manager.DrainingPoolStats(),
	})
}

// GetConsumers handles GET /router/consumers.
func (h *MonitoringHandler) GetConsumers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.ConsumerStatuses())
}

// GetCircuitBreakers handles GET /router/circuit-breakers.
func (h *MonitoringHandler) GetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	snapshot := h.status.Snapshot()
	writeJSON(w, http.StatusOK, snapshot.CircuitBreakers)
}

// GetStandbyStatus handles GET /router/standby.
func (h *MonitoringHandler) GetStandbyStatus(w http.ResponseWriter, r *http.Request) {
	if h.standby == nil || !h.standby.IsEnabled() {
		writeJSON(w, http.StatusOK, map[string]bool{"standbyEnabled": false})
		return
	}
	writeJSON(w, http.StatusOK, h.standby.GetStatus())
}

// GetTrafficStatus handles GET /router/traffic.
func (h *MonitoringHandler) GetTrafficStatus(w http.ResponseWriter, r *http.Request) {
	if h.traffic == nil || !h.traffic.IsEnabled() {
		writeJSON(w, http.StatusOK, map[string]any{
			"enabled": false,
			"message": "Traffic management not available",
		})
		return
	}
	writeJSON(w, http.StatusOK, h.traffic.StatusJSON())
}

// Pause handles POST /router/pause. Polling stops; in-flight messages
// finish normally.
func (h *MonitoringHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.manager.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// Resume handles POST /router/resume.
func (h *MonitoringHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.manager.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}
