package warning

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// defaultClearAge is used when DELETE /warnings/old gives no hours.
const defaultClearAge = 24

// Handler serves the warning inspection and maintenance endpoints.
type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the warning endpoints under /warnings.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/warnings", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/unacknowledged", h.listUnacknowledged)
		r.Get("/severity/{severity}", h.listBySeverity)
		r.Post("/{id}/acknowledge", h.acknowledge)
		r.Delete("/", h.clearAll)
		r.Delete("/old", h.clearOld)
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetAllWarnings())
}

func (h *Handler) listUnacknowledged(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetUnacknowledgedWarnings())
}

func (h *Handler) listBySeverity(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.service.GetWarningsBySeverity(chi.URLParam(r, "severity")))
}

func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	if !h.service.AcknowledgeWarning(chi.URLParam(r, "id")) {
		http.Error(w, "warning not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearAll(w http.ResponseWriter, r *http.Request) {
	h.service.ClearAllWarnings()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) clearOld(w http.ResponseWriter, r *http.Request) {
	hours := defaultClearAge
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}
	h.service.ClearOldWarnings(hours)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}
