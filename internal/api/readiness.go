package api

import (
	"net/http"
	"strings"
	"sync"
)

// Check statuses reported by /ready.
const (
	CheckOK          = "ok"
	CheckNotReady    = "not_ready"
	CheckUnavailable = "unavailable"
	CheckDisabled    = "disabled"
)

type CheckResult struct {
	Status   string `json:"status"`
	Optional bool   `json:"optional,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ReadinessResponse struct {
	Ready       bool                   `json:"ready"`
	Checks      map[string]CheckResult `json:"checks"`
	NotReadyMsg string                 `json:"message,omitempty"`
}

type dependencyState struct {
	enabled   bool
	connected bool
	optional  bool
}

// Readiness tracks the state of the server's dependencies. Staging is
// probed on every request; MQTT and Postgres report through setters.
type Readiness struct {
	mu       sync.RWMutex
	staging  func() error
	mqtt     dependencyState
	postgres dependencyState
}

// NewReadiness returns a tracker probing staging with check. A nil check
// always passes.
func NewReadiness(check func() error) *Readiness {
	return &Readiness{staging: check}
}

// SetMQTTState marks MQTT as enabled and records its connection state.
func (r *Readiness) SetMQTTState(connected, optional bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mqtt = dependencyState{enabled: true, connected: connected, optional: optional}
}

// SetPostgresState marks Postgres as enabled and records its connection state.
func (r *Readiness) SetPostgresState(connected, optional bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postgres = dependencyState{enabled: true, connected: connected, optional: optional}
}

// MQTTConnected reports the last recorded MQTT state.
func (r *Readiness) MQTTConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mqtt.connected
}

// Evaluate runs every check.
func (r *Readiness) Evaluate() ReadinessResponse {
	resp := ReadinessResponse{Ready: true, Checks: make(map[string]CheckResult)}
	var reasons []string

	if r.staging != nil {
		if err := r.staging(); err != nil {
			resp.Ready = false
			resp.Checks["staging"] = CheckResult{Status: CheckNotReady, Error: err.Error()}
			reasons = append(reasons, "staging directory is not writable")
		} else {
			resp.Checks["staging"] = CheckResult{Status: CheckOK}
		}
	} else {
		resp.Checks["staging"] = CheckResult{Status: CheckOK}
	}

	r.mu.RLock()
	deps := map[string]dependencyState{"mqtt": r.mqtt, "postgres": r.postgres}
	r.mu.RUnlock()

	for _, name := range []string{"mqtt", "postgres"} {
		d := deps[name]
		switch {
		case !d.enabled:
			resp.Checks[name] = CheckResult{Status: CheckDisabled}
		case d.connected:
			resp.Checks[name] = CheckResult{Status: CheckOK, Optional: d.optional}
		case d.optional:
			resp.Checks[name] = CheckResult{Status: CheckUnavailable, Optional: true}
		default:
			resp.Ready = false
			resp.Checks[name] = CheckResult{Status: CheckNotReady}
			reasons = append(reasons, name+" not connected")
		}
	}

	if !resp.Ready {
		resp.NotReadyMsg = strings.Join(reasons, "; ")
	}
	return resp
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.readiness.Evaluate()
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
