// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz — liveness; returns 200 with process uptime.
//   - /readyz  — readiness; 200 only when all registered checks pass.
//
// Responses are JSON with a top-level "status" ("ok" or "fail"), an
// "uptime_s" field, and a "checks" map with each named result. Engine
// adapters plug in through [ProviderCheck], which maps adapter health to a
// check result (Degraded passes readiness; Down fails it).
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lumora-ai/chorus/pkg/provider"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe. Check returns nil when healthy.
type Check struct {
	// Name appears as a key in the JSON response.
	Name string

	// Probe inspects the dependency. Must respect context cancellation.
	Probe func(ctx context.Context) error
}

// ProviderCheck adapts an engine adapter's health report into a readiness
// check. Ready and Degraded pass (a degraded engine still serves);
// Down fails.
func ProviderCheck(name string, hc provider.HealthChecker) Check {
	return Check{
		Name: name,
		Probe: func(ctx context.Context) error {
			if h := hc.Health(ctx); h == provider.Down {
				return fmt.Errorf("%s is down", name)
			}
			return nil
		},
	}
}

// response is the JSON body for both endpoints.
type response struct {
	Status  string            `json:"status"`
	UptimeS int64             `json:"uptime_s"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Checks may be added until Register
// is called; after that the set is read-only.
type Handler struct {
	startedAt time.Time

	mu     sync.Mutex
	checks []Check
}

// New creates a Handler with the given initial checks.
func New(checks ...Check) *Handler {
	h := &Handler{startedAt: time.Now()}
	h.checks = append(h.checks, checks...)
	return h
}

// Add registers an additional readiness check.
func (h *Handler) Add(c Check) {
	h.mu.Lock()
	h.checks = append(h.checks, c)
	h.mu.Unlock()
}

// Healthz is the liveness probe. A process that serves HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{
		Status:  "ok",
		UptimeS: int64(time.Since(h.startedAt).Seconds()),
	})
}

// Readyz runs every check with a per-check deadline and fails with 503 when
// any check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	checks := make([]Check, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	results := make(map[string]string, len(checks))
	allOK := true
	for _, c := range checks {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Probe(ctx)
		cancel()
		if err != nil {
			results[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			results[c.Name] = "ok"
		}
	}

	resp := response{
		Status:  "ok",
		UptimeS: int64(time.Since(h.startedAt).Seconds()),
		Checks:  results,
	}
	status := http.StatusOK
	if !allOK {
		resp.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
