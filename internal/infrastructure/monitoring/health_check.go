package monitoring

import (
	"context"
	"sync"
	"time"

	"peerlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// HealthChecker aggregates named liveness checks for the relay's backing
// services and runs them on demand or on a background schedule.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []healthCheck
}

type healthCheck struct {
	name     string
	run      func(ctx context.Context) error
	interval time.Duration
	timeout  time.Duration
}

// HealthStatus is the JSON body of the health endpoint.
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

// AddCheck registers a check. The check fails when it returns an error.
func (h *HealthChecker) AddCheck(name string, run func(ctx context.Context) error, interval, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, healthCheck{
		name:     name,
		run:      run,
		interval: interval,
		timeout:  timeout,
	})
}

// AddRedisCheck verifies the presence store responds to pings.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddRegistryCheck verifies the presence registry can be listed.
func (h *HealthChecker) AddRegistryCheck(registry ports.PresenceRegistry, interval, timeout time.Duration) {
	h.AddCheck("registry", func(ctx context.Context) error {
		_, err := registry.List(ctx)
		return err
	}, interval, timeout)
}

// CheckAll runs every registered check and reports the aggregate status.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Checks:    make(map[string]string),
	}
	for _, check := range h.checks {
		if err := runWithTimeout(ctx, check); err != nil {
			status.Status = "unhealthy"
			status.Checks[check.name] = err.Error()
		} else {
			status.Checks[check.name] = "healthy"
		}
	}
	return status
}

// IsReady reports whether the service can accept traffic.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == "healthy"
}

// StartBackgroundChecks keeps each check's backing connection warm until
// ctx is cancelled. Results are discarded; CheckAll gives the snapshot.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, check := range h.checks {
		go func(c healthCheck) {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = runWithTimeout(ctx, c)
				}
			}
		}(check)
	}
}

func runWithTimeout(ctx context.Context, c healthCheck) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.run(ctx)
}
