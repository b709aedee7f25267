// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz — liveness probe; a process that serves HTTP is alive.
//   - /readyz  — readiness probe; 200 only when every registered check
//     passes, 503 otherwise.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Check probes one dependency. It must respect context cancellation and
// return nil when healthy.
type Check func(ctx context.Context) error

// response is the JSON body of both probes.
type response struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The check set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	started time.Time
	checks  map[string]Check
}

// New creates a Handler evaluating the given named checks on each /readyz
// request.
func New(checks map[string]Check) *Handler {
	cloned := make(map[string]Check, len(checks))
	for name, c := range checks {
		cloned[name] = c
	}
	return &Handler{started: time.Now(), checks: cloned}
}

// Healthz always reports 200 with the process uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz reports 200 when every check passes and 503 otherwise, with a
// per-check result map.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))
	ready := true

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := check(ctx)
		cancel()

		if err != nil {
			results[name] = "fail: " + err.Error()
			ready = false
		} else {
			results[name] = "ok"
		}
	}

	res := response{Status: "ok", Checks: results}
	status := http.StatusOK
	if !ready {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
