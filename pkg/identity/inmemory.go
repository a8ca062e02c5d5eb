package identity

import (
	"context"
	"fmt"
	"sync"
)

// InMemorySource is a thread-safe in-memory identity registry. It serves as
// the source of truth in tests and single-instance deployments.
type InMemorySource struct {
	mu         sync.RWMutex
	devices    map[string]Device
	byInternal map[string]Device
}

// NewInMemorySource creates an empty identity registry.
func NewInMemorySource() *InMemorySource {
	return &InMemorySource{
		devices:    make(map[string]Device),
		byInternal: make(map[string]Device),
	}
}

// Resolve returns the registered device or ErrNotFound.
func (s *InMemorySource) Resolve(_ context.Context, tenant string, ext ExternalID) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[cacheKey(tenant, ext)]
	if !ok {
		return Device{}, fmt.Errorf("%w: tenant %s, %s", ErrNotFound, tenant, ext)
	}
	return device, nil
}

// ResolveInternal returns the device registered under an internal id.
func (s *InMemorySource) ResolveInternal(_ context.Context, tenant string, internalID string) (Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.byInternal[internalKey(tenant, internalID)]
	if !ok {
		return Device{}, fmt.Errorf("%w: tenant %s, internal id %s", ErrNotFound, tenant, internalID)
	}
	return device, nil
}

// Register records a device identity under both its external identity and its
// internal id.
func (s *InMemorySource) Register(_ context.Context, tenant string, device Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[cacheKey(tenant, device.External)] = device
	s.byInternal[internalKey(tenant, device.InternalID)] = device
	return nil
}

// Close is a no-op.
func (s *InMemorySource) Close() error {
	return nil
}
