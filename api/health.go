package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"task-notifications/system"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

// Check probes one dependency.
type Check func(ctx context.Context) system.HealthCheck

type namedCheck struct {
	name  string
	check Check
}

type HealthReport struct {
	Status    string                        `json:"status"`
	Service   string                        `json:"service,omitempty"`
	Timestamp time.Time                     `json:"timestamp"`
	Uptime    float64                       `json:"uptime"`
	Checks    map[string]system.HealthCheck `json:"checks"`
}

type probeStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Health serves /health, /health/live and /health/ready for one process
// role. A degraded report is still a 200.
type Health struct {
	service string
	started time.Time
	checks  []namedCheck
	ready   Check
	now     func() time.Time
}

func NewHealth(service string) *Health {
	now := func() time.Time { return time.Now().UTC() }
	return &Health{service: service, started: now(), now: now}
}

// With adds a check to the /health report.
func (h *Health) With(name string, check Check) *Health {
	h.checks = append(h.checks, namedCheck{name: name, check: check})
	return h
}

// ReadyWhen sets the check gating /health/ready.
func (h *Health) ReadyWhen(check Check) *Health {
	h.ready = check
	return h
}

func (h *Health) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    statusHealthy,
		Service:   h.service,
		Timestamp: h.now(),
		Uptime:    h.now().Sub(h.started).Seconds(),
		Checks:    make(map[string]system.HealthCheck, len(h.checks)),
	}
	for _, c := range h.checks {
		result := c.check(ctx)
		report.Checks[c.name] = result
		if result.Status != statusHealthy {
			report.Status = statusDegraded
		}
	}
	return report
}

func (h *Health) Check(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Report(r.Context()))
}

func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, probeStatus{Status: "alive", Timestamp: h.now()})
}

func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if result := h.ready(r.Context()); result.Status != statusHealthy {
			writeJSON(w, http.StatusServiceUnavailable, probeStatus{Status: "not ready", Timestamp: h.now(), Error: result.Message})
			return
		}
	}
	writeJSON(w, http.StatusOK, probeStatus{Status: "ready", Timestamp: h.now()})
}

type healthCaller interface {
	Health(ctx context.Context) (system.HealthResponse, error)
}

// NotificationsServiceCheck asks the notifications service for its status
// over the broker. The caller's timeout bounds the probe.
func NotificationsServiceCheck(c healthCaller) Check {
	return func(ctx context.Context) system.HealthCheck {
		resp, err := c.Health(ctx)
		if err != nil || resp.Status != statusHealthy {
			check := system.HealthCheck{Status: statusUnhealthy, Message: "Notifications service is not responding"}
			if err != nil {
				check.Error = err.Error()
			}
			return check
		}
		return system.HealthCheck{Status: statusHealthy, Message: "Notifications service is healthy"}
	}
}

// DatabaseCheck reuses the notifications service's own database probe.
func DatabaseCheck(h *system.Handler) Check {
	return func(ctx context.Context) system.HealthCheck {
		return h.Check(ctx).Database
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
