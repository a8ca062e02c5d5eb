package configstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// InMemoryStore is a thread-safe in-memory Store for tests and
// single-instance deployments.
type InMemoryStore struct {
	mu          sync.RWMutex
	mappings    map[string]map[string]*mapping.Mapping
	deployments map[string]map[string][]string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mappings:    make(map[string]map[string]*mapping.Mapping),
		deployments: make(map[string]map[string][]string),
	}
}

// LoadMappings returns copies of every stored mapping for a tenant.
func (s *InMemoryStore) LoadMappings(_ context.Context, tenant string) ([]*mapping.Mapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := s.mappings[tenant]
	out := make([]*mapping.Mapping, 0, len(byID))
	for _, m := range byID {
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

// SaveMapping upserts one mapping definition.
func (s *InMemoryStore) SaveMapping(_ context.Context, tenant string, m *mapping.Mapping) error {
	if m.Identifier == "" {
		return mapping.ErrMissingIdentifier
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.mappings[tenant]
	if !ok {
		byID = make(map[string]*mapping.Mapping)
		s.mappings[tenant] = byID
	}
	clone := *m
	byID[m.Identifier] = &clone
	return nil
}

// DeleteMapping removes one mapping definition.
func (s *InMemoryStore) DeleteMapping(_ context.Context, tenant, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.mappings[tenant]
	if _, ok := byID[identifier]; !ok {
		return fmt.Errorf("%w: tenant %s, mapping %s", ErrNotFound, tenant, identifier)
	}
	delete(byID, identifier)
	return nil
}

// LoadDeploymentMap returns a copy of the tenant's deployment map.
func (s *InMemoryStore) LoadDeploymentMap(_ context.Context, tenant string) (map[string][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.deployments[tenant]
	out := make(map[string][]string, len(stored))
	for mappingID, connectors := range stored {
		out[mappingID] = append([]string(nil), connectors...)
	}
	return out, nil
}

// SaveDeploymentMap replaces the tenant's deployment map.
func (s *InMemoryStore) SaveDeploymentMap(_ context.Context, tenant string, deployments map[string][]string) error {
	copied := make(map[string][]string, len(deployments))
	for mappingID, connectors := range deployments {
		copied[mappingID] = append([]string(nil), connectors...)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[tenant] = copied
	return nil
}
