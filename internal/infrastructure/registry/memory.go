package registry

import (
	"context"
	"sync"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
)

// MemoryPresenceRegistry keeps device presence in process memory. Suitable
// for a single-instance relay.
type MemoryPresenceRegistry struct {
	mu      sync.RWMutex
	devices map[domain.DeviceID]string
}

func NewMemoryPresenceRegistry() ports.PresenceRegistry {
	return &MemoryPresenceRegistry{
		devices: make(map[domain.DeviceID]string),
	}
}

func (r *MemoryPresenceRegistry) Register(ctx context.Context, device domain.DeviceID, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device] = instanceID
	return nil
}

func (r *MemoryPresenceRegistry) Unregister(ctx context.Context, device domain.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, device)
	return nil
}

func (r *MemoryPresenceRegistry) Lookup(ctx context.Context, device domain.DeviceID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	instance, ok := r.devices[device]
	if !ok {
		return "", domain.ErrDeviceNotFound
	}
	return instance, nil
}

func (r *MemoryPresenceRegistry) List(ctx context.Context) ([]domain.DeviceID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]domain.DeviceID, 0, len(r.devices))
	for id := range r.devices {
		devices = append(devices, id)
	}
	return devices, nil
}
