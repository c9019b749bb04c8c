// Package health aggregates component health checks and exposes them
// over HTTP for liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Checker is a component that can report its health.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// Status is the outcome of one component check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Optional  bool      `json:"optional,omitempty"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Report is the aggregate health document served over HTTP. Status is
// "healthy" when all required checks pass, "degraded" when only
// optional checks fail, "unhealthy" otherwise.
type Report struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime"`
	Timestamp time.Time `json:"timestamp"`
	Checks    []Status  `json:"checks,omitempty"`
}

type registered struct {
	name     string
	checker  Checker
	optional bool
}

// Aggregator runs registered checks concurrently with a per-check
// timeout.
type Aggregator struct {
	service string
	version string
	timeout time.Duration
	started time.Time

	mu     sync.RWMutex
	checks []registered
}

// NewAggregator creates an aggregator with a 5 second per-check timeout.
func NewAggregator(service, version string) *Aggregator {
	return &Aggregator{
		service: service,
		version: version,
		timeout: 5 * time.Second,
		started: time.Now(),
	}
}

// Register adds a required check. A failing required check makes the
// whole report unhealthy.
func (a *Aggregator) Register(name string, c Checker) {
	a.add(name, c, false)
}

// RegisterOptional adds a check whose failure only degrades the report.
// Used for sinks the monitor can live without.
func (a *Aggregator) RegisterOptional(name string, c Checker) {
	a.add(name, c, true)
}

func (a *Aggregator) add(name string, c Checker, optional bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checks = append(a.checks, registered{name: name, checker: c, optional: optional})
}

// Check runs all checks and assembles the report. Registration order is
// preserved in the output.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.RLock()
	checks := make([]registered, len(a.checks))
	copy(checks, a.checks)
	a.mu.RUnlock()

	report := Report{
		Status:    "healthy",
		Service:   a.service,
		Version:   a.version,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Timestamp: time.Now(),
		Checks:    make([]Status, len(checks)),
	}

	var wg sync.WaitGroup
	for i, reg := range checks {
		wg.Add(1)
		go func(i int, reg registered) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, a.timeout)
			defer cancel()

			status := Status{
				Name:      reg.name,
				Healthy:   true,
				Optional:  reg.optional,
				CheckedAt: time.Now(),
			}
			if err := reg.checker.HealthCheck(checkCtx); err != nil {
				status.Healthy = false
				status.Error = err.Error()
			}
			report.Checks[i] = status
		}(i, reg)
	}
	wg.Wait()

	for _, status := range report.Checks {
		if status.Healthy {
			continue
		}
		if status.Optional {
			if report.Status == "healthy" {
				report.Status = "degraded"
			}
		} else {
			report.Status = "unhealthy"
		}
	}
	return report
}

// Handler serves the full health report. Unhealthy reports get a 503;
// degraded reports stay 200.
func (a *Aggregator) Handler(w http.ResponseWriter, r *http.Request) {
	report := a.Check(r.Context())
	code := http.StatusOK
	if report.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

// LivenessHandler reports only that the process is up.
func (a *Aggregator) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Report{
		Status:    "healthy",
		Service:   a.service,
		Version:   a.version,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Timestamp: time.Now(),
	})
}

// ReadinessHandler runs the checks; it is the probe to gate traffic on.
func (a *Aggregator) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	a.Handler(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
