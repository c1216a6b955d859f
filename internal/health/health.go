// Package health provides a registry of named subsystem health checkers
// and the gin handlers that expose them.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Pinger is anything with a Ping method: nonce stores, *sql.DB wrappers,
// receipt stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker turns a Pinger into a Checker.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
	ready    atomic.Bool
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a registry whose checks share a 5s deadline.
func NewRegistry() *Registry {
	return &Registry{timeout: 5 * time.Second}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady flips the readiness probe. The server marks itself ready once
// listening and unready when draining.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// CheckAll runs all checkers concurrently and returns the aggregate
// status plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := nc.check(ctx)
			if s.Name == "" {
				s.Name = nc.name
			}
			statuses[i] = s
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Response is the body of GET /health.
type Response struct {
	Status      string   `json:"status"`
	Version     string   `json:"version"`
	X402Enabled bool     `json:"x402_enabled"`
	Checks      []Status `json:"checks,omitempty"`
	Timestamp   string   `json:"timestamp"`
}

// Handler serves the aggregate health report.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		resp := Response{
			Status:      "ok",
			Version:     version,
			X402Enabled: true,
			Checks:      statuses,
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		}
		code := http.StatusOK
		if !healthy {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, resp)
	}
}

// LiveHandler answers as long as the process serves HTTP.
func (r *Registry) LiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadyHandler reports readiness for load balancers.
func (r *Registry) ReadyHandler(c *gin.Context) {
	if !r.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
