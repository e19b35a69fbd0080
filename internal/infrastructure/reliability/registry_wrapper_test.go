package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/internal/core/domain"
	"peerlink/pkg/circuitbreaker"
	"peerlink/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errStoreDown = errors.New("store down")

// flakyRegistry fails the first failures calls to each method, then works.
type flakyRegistry struct {
	mu       sync.Mutex
	failures int
	calls    int
	devices  map[domain.DeviceID]string
}

func newFlakyRegistry(failures int) *flakyRegistry {
	return &flakyRegistry{failures: failures, devices: make(map[domain.DeviceID]string)}
}

func (r *flakyRegistry) failing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.calls <= r.failures
}

func (r *flakyRegistry) Register(ctx context.Context, device domain.DeviceID, instanceID string) error {
	if r.failing() {
		return errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device] = instanceID
	return nil
}

func (r *flakyRegistry) Unregister(ctx context.Context, device domain.DeviceID) error {
	if r.failing() {
		return errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, device)
	return nil
}

func (r *flakyRegistry) Lookup(ctx context.Context, device domain.DeviceID) (string, error) {
	if r.failing() {
		return "", errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	instance, ok := r.devices[device]
	if !ok {
		return "", domain.ErrDeviceNotFound
	}
	return instance, nil
}

func (r *flakyRegistry) List(ctx context.Context) ([]domain.DeviceID, error) {
	if r.failing() {
		return nil, errStoreDown
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeviceID, 0, len(r.devices))
	for d := range r.devices {
		out = append(out, d)
	}
	return out, nil
}

func wrapperFixture(t *testing.T, backing *flakyRegistry) *RegistryWrapper {
	t.Helper()
	retryCfg := retry.Config{
		Enabled:      true,
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
	cbCfg := circuitbreaker.Config{
		FailureThreshold:    10,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxRequestsHalfOpen: 2,
	}
	return NewRegistryWrapper(backing, retryCfg, cbCfg, zap.NewNop().Sugar())
}

func TestRegisterRetriesThroughTransientFailure(t *testing.T) {
	backing := newFlakyRegistry(2)
	w := wrapperFixture(t, backing)

	err := w.Register(context.Background(), "dev-a", "instance-1")
	require.NoError(t, err)

	got, err := w.Lookup(context.Background(), "dev-a")
	require.NoError(t, err)
	assert.Equal(t, "instance-1", got)
}

func TestLookupMissDoesNotTripBreaker(t *testing.T) {
	w := wrapperFixture(t, newFlakyRegistry(0))

	for i := 0; i < 20; i++ {
		_, err := w.Lookup(context.Background(), "ghost")
		require.ErrorIs(t, err, domain.ErrDeviceNotFound)
	}

	stats := w.GetCircuitBreakerStats()
	assert.Equal(t, circuitbreaker.StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
}

func TestBreakerOpensOnPersistentStoreFailure(t *testing.T) {
	backing := newFlakyRegistry(1000)
	w := wrapperFixture(t, backing)

	for i := 0; i < 5; i++ {
		_ = w.Register(context.Background(), "dev-a", "instance-1")
	}

	stats := w.GetCircuitBreakerStats()
	assert.Equal(t, circuitbreaker.StateOpen, stats.State)

	// While open, lookups fail fast without touching the store.
	before := backing.calls
	_, err := w.Lookup(context.Background(), "dev-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, before, backing.calls)
}

func TestListReturnsRegisteredDevices(t *testing.T) {
	w := wrapperFixture(t, newFlakyRegistry(0))

	require.NoError(t, w.Register(context.Background(), "dev-a", "instance-1"))
	require.NoError(t, w.Register(context.Background(), "dev-b", "instance-2"))
	require.NoError(t, w.Unregister(context.Background(), "dev-a"))

	devices, err := w.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.DeviceID{"dev-b"}, devices)
}
