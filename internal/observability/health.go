package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// checkTimeout bounds each dependency probe of a readiness request.
const checkTimeout = 2 * time.Second

// HealthChecker backs the /healthz and /readyz probes. Readiness needs the
// ready flag (recovery done, intake open) and every registered dependency
// check to pass.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	sequence  atomic.Int64

	mu     sync.RWMutex
	checks map[string]func(ctx context.Context) error
}

func NewHealthChecker() *HealthChecker {
	h := &HealthChecker{
		startTime: time.Now(),
		checks:    make(map[string]func(ctx context.Context) error),
	}
	h.sequence.Store(-1)
	return h
}

// SetReady marks the service as ready to accept commands.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetSequence records the last durable sequence for the probes.
func (h *HealthChecker) SetSequence(seq int64) {
	h.sequence.Store(seq)
}

// AddCheck registers a dependency probe, e.g. a Postgres ping.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "alive",
		"uptime":   time.Since(h.startTime).String(),
		"sequence": h.sequence.Load(),
	})
}

// ReadinessHandler returns HTTP 200 once recovery and replay are done and
// all dependencies answer, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	failures := h.runChecks(r.Context())
	body := map[string]interface{}{"sequence": h.sequence.Load()}
	switch {
	case !h.ready.Load():
		body["status"] = "not_ready"
	case len(failures) > 0:
		body["status"] = "degraded"
		body["failing"] = failures
	default:
		body["status"] = "ready"
		writeJSON(w, http.StatusOK, body)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, body)
}

func (h *HealthChecker) runChecks(ctx context.Context) map[string]string {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	failures := make(map[string]string)
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(cctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
