package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Probe reports whether a dependency is usable.
type Probe func(ctx context.Context) error

type check struct {
	probe    Probe
	optional bool
}

// Readiness aggregates dependency probes for /ready. A failing required
// check makes the unit not ready; a failing optional one (MQTT on a mobile
// unit) is reported but tolerated.
type Readiness struct {
	mu     sync.RWMutex
	checks map[string]check
	// OnResult is called with each probe outcome, letting metrics track
	// dependency health.
	OnResult func(name string, ok bool)
}

func NewReadiness() *Readiness {
	return &Readiness{checks: make(map[string]check)}
}

// Register adds or replaces the probe for name.
func (r *Readiness) Register(name string, optional bool, p Probe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check{probe: p, optional: optional}
}

type CheckStatus struct {
	Status   string `json:"status"` // ok, not_ready, unavailable
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckStatus `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

// Evaluate runs every probe.
func (r *Readiness) Evaluate(ctx context.Context) ReadinessResponse {
	r.mu.RLock()
	checks := make(map[string]check, len(r.checks))
	for k, v := range r.checks {
		checks[k] = v
	}
	onResult := r.OnResult
	r.mu.RUnlock()

	resp := ReadinessResponse{Ready: true, Checks: make(map[string]CheckStatus, len(checks))}
	var failing []string
	for name, c := range checks {
		st := CheckStatus{Status: "ok", Optional: c.optional}
		err := c.probe(ctx)
		if err != nil {
			st.Error = err.Error()
			st.Status = "not_ready"
			if c.optional {
				st.Status = "unavailable"
			} else {
				resp.Ready = false
				failing = append(failing, name)
			}
		}
		if onResult != nil {
			onResult(name, err == nil)
		}
		resp.Checks[name] = st
	}
	if !resp.Ready {
		sort.Strings(failing)
		resp.NotReadyMsg = "not ready: " + strings.Join(failing, ", ")
	}
	return resp
}

func (r *Readiness) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	resp := r.Evaluate(ctx)
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
