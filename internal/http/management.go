package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/davidbz/hearth/internal/balancer"
	"github.com/davidbz/hearth/internal/domain"
	"github.com/davidbz/hearth/internal/gateway"
	"github.com/davidbz/hearth/internal/observability"
	"github.com/davidbz/hearth/internal/registry"
)

// Management handles the admin API: endpoint CRUD, instance lifecycle,
// metrics views, and strategy control.
type Management struct {
	registry *registry.Controller
	gateway  *gateway.Service
}

// NewManagement creates the management handler (DI constructor).
func NewManagement(reg *registry.Controller, gw *gateway.Service) *Management {
	return &Management{
		registry: reg,
		gateway:  gw,
	}
}

// HandleListEndpoints lists all registered endpoints.
func (m *Management) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": m.registry.Endpoints(),
	})
}

// HandleRegisterEndpoint registers a new endpoint.
func (m *Management) HandleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var ep domain.Endpoint
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeAdminError(w, domain.ValidationError("invalid request body: %v", err))
		return
	}

	if err := m.registry.Register(r.Context(), &ep); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &ep)
}

// HandleGetEndpoint returns one endpoint with its live summary.
func (m *Management) HandleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ep, err := m.registry.Endpoint(id)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	summary, err := m.registry.Summary(id)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint": ep,
		"summary":  summary,
	})
}

// HandleUnregisterEndpoint removes an endpoint and all its instances.
func (m *Management) HandleUnregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := m.registry.Unregister(r.Context(), id); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
}

// HandleSetEnabled flips an endpoint's traffic eligibility.
func (m *Management) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, domain.ValidationError("invalid request body: %v", err))
		return
	}

	if err := m.registry.SetEnabled(r.Context(), id, body.Enabled); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}

// HandleStartInstances starts instances for an endpoint. Count defaults
// to one.
func (m *Management) HandleStartInstances(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	count := 1
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Count > 0 {
		count = body.Count
	}

	started, err := m.registry.StartInstances(r.Context(), id, count)
	if err != nil {
		observability.FromContext(r.Context()).Error("failed to start instances",
			observability.String("endpoint", id),
			observability.Error(err))
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"started": started})
}

// HandleStopInstances stops instances for an endpoint. Count <= 0 stops
// all of them.
func (m *Management) HandleStopInstances(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	count := 0
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeAdminError(w, domain.ValidationError("invalid count %q", v))
			return
		}
		count = n
	}

	stopped, err := m.registry.StopInstances(r.Context(), id, count)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stopped": stopped})
}

// HandleGetInstance returns one instance snapshot.
func (m *Management) HandleGetInstance(w http.ResponseWriter, r *http.Request) {
	snap, err := m.registry.Instance(r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleGlobalMetrics returns system-wide aggregates.
func (m *Management) HandleGlobalMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.registry.GlobalMetrics())
}

// HandleGetStrategy returns the active load-balancing strategy.
func (m *Management) HandleGetStrategy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"strategy": string(m.gateway.Strategy()),
	})
}

// HandleSetStrategy switches the load-balancing strategy at runtime.
func (m *Management) HandleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Strategy string `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAdminError(w, domain.ValidationError("invalid request body: %v", err))
		return
	}

	if err := m.gateway.SetStrategy(balancer.Strategy(body.Strategy)); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": body.Strategy})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAdminError maps the error taxonomy onto admin API status codes.
func writeAdminError(w http.ResponseWriter, err error) {
	gerr := domain.AsError(err)

	status := http.StatusInternalServerError
	switch gerr.Kind {
	case domain.KindInvalidRequest:
		status = http.StatusBadRequest
	case domain.KindAuthFailed:
		status = http.StatusUnauthorized
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]string{"error": gerr.Message})
}
