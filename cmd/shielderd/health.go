// health.go - Health monitoring for the shielder daemon
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

// SystemHealth represents the overall system health
type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) error

// HealthChecker runs the registered component checks.
type HealthChecker struct {
	mu        sync.Mutex
	checks    map[string]HealthCheck
	startTime time.Time
	version   string
	timeout   time.Duration
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(version string, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		checks:    make(map[string]HealthCheck),
		startTime: time.Now(),
		version:   version,
		timeout:   timeout,
	}
}

// RegisterComponent registers a health check for a component
func (hc *HealthChecker) RegisterComponent(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckHealth runs every check concurrently, each bounded by the checker timeout.
func (hc *HealthChecker) CheckHealth(ctx context.Context) *SystemHealth {
	hc.mu.Lock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.Unlock()
	sort.Strings(names)

	components := make([]ComponentHealth, len(names))
	var eg errgroup.Group
	for i, name := range names {
		eg.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, hc.timeout)
			defer cancel()
			start := time.Now()
			err := checks[name](cctx)
			c := ComponentHealth{Name: name, Status: Healthy, Message: "OK", LastCheck: time.Now(), Latency: time.Since(start)}
			if err != nil {
				c.Status, c.Message = Unhealthy, err.Error()
			}
			components[i] = c
			return nil
		})
	}
	eg.Wait()

	overall := Healthy
	for _, c := range components {
		if c.Status == Unhealthy {
			overall = Unhealthy
		}
	}
	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}

// ServeHTTP reports the system health; unhealthy systems answer 503.
func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	health := hc.CheckHealth(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if health.OverallStatus != Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(health)
}
