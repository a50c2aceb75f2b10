// Package health aggregates dependency probes for the gateway process.
// Readiness separates hard failures from self-healing ones: a dropped
// WebSocket session reports degraded while its reconnect loop works,
// and only a down dependency (the state database) takes /ready to 503.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// probeTimeout bounds each individual check.
const probeTimeout = 5 * time.Second

// Status is the result of probing one dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) Status

// Checker fans probes out concurrently and remembers the last results.
type Checker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
	last   map[string]Status
	logger zerolog.Logger
}

// NewChecker creates an empty checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		last:   make(map[string]Status),
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named probe. Re-registering a name replaces it.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes every probe concurrently, each under its own timeout,
// and caches the results.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			s := f(probeCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}

	wg.Wait()

	c.mu.Lock()
	for name, s := range results {
		if prev, ok := c.last[name]; ok && prev != s {
			c.logger.Info().
				Str("check", name).
				Str("from", string(prev)).
				Str("to", string(s)).
				Msg("health status changed")
		}
	}
	c.last = results
	c.mu.Unlock()

	return results
}

// IsReady reports whether no probe is down. Degraded dependencies are
// still ready: their owners recover without a restart.
func (c *Checker) IsReady(ctx context.Context) bool {
	for _, s := range c.RunAll(ctx) {
		if s == StatusDown {
			return false
		}
	}
	return true
}

// ConnectionCheck adapts a gateway's connection state. A dropped
// session is degraded, not down, while its reconnect loop runs.
func ConnectionCheck(conn interface{ IsConnected() bool }) CheckFunc {
	return func(context.Context) Status {
		if conn.IsConnected() {
			return StatusOK
		}
		return StatusDegraded
	}
}

// PingCheck adapts a ping-style probe: any error is down.
func PingCheck(ping func() error) CheckFunc {
	return func(context.Context) Status {
		if err := ping(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// LivenessHandler answers liveness: the process is up.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler answers /ready with per-check detail. Any down
// check returns 503; degraded-only keeps 200 with status "degraded".
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		results := c.RunAll(r.Context())

		anyDown, anyDegraded := false, false
		for _, s := range results {
			switch s {
			case StatusDown:
				anyDown = true
			case StatusDegraded:
				anyDegraded = true
			}
		}

		status := "ready"
		code := http.StatusOK
		if anyDegraded {
			status = "degraded"
		}
		if anyDown {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}

		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
