package reliability

import (
	"context"
	"errors"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/retry"

	"go.uber.org/zap"
)

// RegistryWrapper wraps a PresenceRegistry with retry logic and a circuit
// breaker. The relay keeps serving locally connected devices while the
// backing store is unavailable; cross-instance lookups fail fast instead of
// stalling the routing loop.
type RegistryWrapper struct {
	registry ports.PresenceRegistry
	logger   *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewRegistryWrapper creates a new wrapper with retry and circuit breaker.
func NewRegistryWrapper(
	registry ports.PresenceRegistry,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RegistryWrapper {
	wrapper := &RegistryWrapper{
		registry:       registry,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("presence registry circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// Register records device presence with retry logic.
func (w *RegistryWrapper) Register(ctx context.Context, device domain.DeviceID, instanceID string) error {
	if !w.retryConfig.Enabled {
		return w.registry.Register(ctx, device, instanceID)
	}

	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.registry.Register(ctx, device, instanceID)
		})
	})
}

// Unregister removes device presence with retry logic.
func (w *RegistryWrapper) Unregister(ctx context.Context, device domain.DeviceID) error {
	if !w.retryConfig.Enabled {
		return w.registry.Unregister(ctx, device)
	}

	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, func() error {
			return w.registry.Unregister(ctx, device)
		})
	})
}

type lookupResult struct {
	instance string
	miss     bool
}

// Lookup resolves the instance holding a device. No retry: the routing loop
// needs a fast answer, the circuit breaker alone sheds load from a failing
// store. An absent device is a normal outcome and does not count against
// the breaker.
func (w *RegistryWrapper) Lookup(ctx context.Context, device domain.DeviceID) (string, error) {
	result, err := w.circuitBreaker.ExecuteWithResult(ctx, func() (interface{}, error) {
		instance, err := w.registry.Lookup(ctx, device)
		if errors.Is(err, domain.ErrDeviceNotFound) {
			return lookupResult{miss: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return lookupResult{instance: instance}, nil
	})
	if err != nil {
		return "", err
	}
	res := result.(lookupResult)
	if res.miss {
		return "", domain.ErrDeviceNotFound
	}
	return res.instance, nil
}

// List returns all registered devices with retry logic.
func (w *RegistryWrapper) List(ctx context.Context) ([]domain.DeviceID, error) {
	if !w.retryConfig.Enabled {
		return w.registry.List(ctx)
	}

	return retry.RetryWithResult(ctx, w.retryConfig, func() ([]domain.DeviceID, error) {
		result, err := w.circuitBreaker.ExecuteWithResult(ctx, func() (interface{}, error) {
			return w.registry.List(ctx)
		})
		if err != nil {
			return nil, err
		}
		return result.([]domain.DeviceID), nil
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics.
func (w *RegistryWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
