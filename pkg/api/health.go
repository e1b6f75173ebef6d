package api

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/hed1ad/ledgerguard/pkg/modelstore"
)

// HealthCheck reports liveness and readiness.
type HealthCheck struct {
	store *modelstore.Store
	ready atomic.Bool
}

// NewHealthCheck creates a health check that is not ready until SetReady.
func NewHealthCheck(store *modelstore.Store) *HealthCheck {
	return &HealthCheck{store: store}
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 once the model store was initialised from the artifact, even if empty.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.IsReady() {
		writeJSONResponse(w, http.StatusServiceUnavailable, ReadinessResponse{
			Status: "not_ready",
			Checks: map[string]string{"model_store": "initializing"},
		})
		return
	}

	snap := hc.store.Current()
	writeJSONResponse(w, http.StatusOK, ReadinessResponse{
		Status: "ready",
		Checks: map[string]string{
			"model_store":      "initialized",
			"models":           strconv.Itoa(snap.Len()),
			"snapshot_version": strconv.FormatUint(snap.Version(), 10),
		},
	})
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	return hc.ready.Load()
}

// SetReady sets the readiness status.
func (hc *HealthCheck) SetReady(ready bool) {
	hc.ready.Store(ready)
}
