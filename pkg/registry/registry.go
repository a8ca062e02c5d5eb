// Package registry holds the per-tenant mapping caches consulted on the hot
// path: the inbound topic resolver, the outbound per-API index, the
// deployment map, and the per-mapping processing statistics. All reads are
// lock-cheap; configuration changes rebuild a fresh snapshot and swap it in
// atomically so in-flight messages always see a consistent view.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/topictree"
)

// ErrMappingNotFound is returned when a lookup names an identifier the
// tenant's cache does not hold.
var ErrMappingNotFound = errors.New("mapping not found")

// tenantCache is one tenant's immutable resolution snapshot. It is replaced
// wholesale on rebuild, never mutated in place.
type tenantCache struct {
	inboundTree *topictree.Tree
	inbound     map[string]*mapping.Mapping
	outbound    map[string]*mapping.Mapping
	// outboundByAPI indexes active outbound mappings by target API for
	// dispatch-time resolution.
	outboundByAPI map[mapping.TargetAPI][]*mapping.Mapping
}

// Registry is the tenant-scoped mapping cache.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	tenants map[string]*tenantCache

	statusMu sync.Mutex
	status   map[string]map[string]*MappingStatus

	deployMu    sync.RWMutex
	deployments map[string]map[string][]string

	dirtyMu sync.Mutex
	dirty   map[string]map[string]struct{}
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:      logger.With().Str("component", "MappingRegistry").Logger(),
		tenants:     make(map[string]*tenantCache),
		status:      make(map[string]map[string]*MappingStatus),
		deployments: make(map[string]map[string][]string),
		dirty:       make(map[string]map[string]struct{}),
	}
}

// Rebuild replaces a tenant's resolution caches from the full set of its
// mapping definitions. Inactive mappings are indexed but not resolvable,
// matching the administrative view. Mappings that fail validation are skipped
// and recorded on their status as a loading error; a bad mapping never blocks
// its siblings.
func (r *Registry) Rebuild(tenant string, mappings []*mapping.Mapping) {
	cache := &tenantCache{
		inboundTree:   topictree.New(),
		inbound:       make(map[string]*mapping.Mapping),
		outbound:      make(map[string]*mapping.Mapping),
		outboundByAPI: make(map[mapping.TargetAPI][]*mapping.Mapping),
	}

	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			r.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("mapping", m.Identifier).
				Msg("Skipping invalid mapping during cache rebuild.")
			r.statusFor(tenant, m).LoadingError = err.Error()
			continue
		}
		r.statusFor(tenant, m).LoadingError = ""
		r.seedSnoopState(tenant, m)

		switch m.Direction {
		case mapping.DirectionOutbound:
			cache.outbound[m.Identifier] = m
			if m.Active {
				cache.outboundByAPI[m.TargetAPI] = append(cache.outboundByAPI[m.TargetAPI], m)
			}
		default:
			cache.inbound[m.Identifier] = m
			if m.Active || m.SnoopStatus.IsActive() {
				if err := cache.inboundTree.Insert(m); err != nil {
					r.logger.Error().Err(err).
						Str("tenant", tenant).
						Str("mapping", m.Identifier).
						Msg("Failed to index mapping in topic tree.")
				}
			}
		}
	}

	r.mu.Lock()
	r.tenants[tenant] = cache
	r.mu.Unlock()

	r.logger.Info().
		Str("tenant", tenant).
		Int("inbound", len(cache.inbound)).
		Int("outbound", len(cache.outbound)).
		Msg("Mapping cache rebuilt.")
}

// RemoveTenant drops every cache the registry holds for a tenant.
func (r *Registry) RemoveTenant(tenant string) {
	r.mu.Lock()
	delete(r.tenants, tenant)
	r.mu.Unlock()
	r.statusMu.Lock()
	delete(r.status, tenant)
	r.statusMu.Unlock()
	r.deployMu.Lock()
	delete(r.deployments, tenant)
	r.deployMu.Unlock()
	r.dirtyMu.Lock()
	delete(r.dirty, tenant)
	r.dirtyMu.Unlock()
}

func (r *Registry) cacheFor(tenant string) *tenantCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tenants[tenant]
}

// ResolveInbound returns every resolvable inbound mapping whose topic pattern
// matches the concrete topic, in pattern insertion order. Overlapping
// patterns all fire; there is no wildcard precedence.
func (r *Registry) ResolveInbound(tenant, topic string) []*mapping.Mapping {
	cache := r.cacheFor(tenant)
	if cache == nil {
		return nil
	}
	identifiers := cache.inboundTree.Resolve(topic)
	if len(identifiers) == 0 {
		return nil
	}
	matches := make([]*mapping.Mapping, 0, len(identifiers))
	for _, id := range identifiers {
		if m, ok := cache.inbound[id]; ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// OutboundForAPI returns the active outbound mappings registered for a target
// API.
func (r *Registry) OutboundForAPI(tenant string, api mapping.TargetAPI) []*mapping.Mapping {
	cache := r.cacheFor(tenant)
	if cache == nil {
		return nil
	}
	return cache.outboundByAPI[api]
}

// Get returns a mapping by identifier, searching both directions.
func (r *Registry) Get(tenant, identifier string) (*mapping.Mapping, error) {
	cache := r.cacheFor(tenant)
	if cache != nil {
		if m, ok := cache.inbound[identifier]; ok {
			return m, nil
		}
		if m, ok := cache.outbound[identifier]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: tenant %s, identifier %s", ErrMappingNotFound, tenant, identifier)
}

// All returns every cached mapping for a tenant, inbound first.
func (r *Registry) All(tenant string) []*mapping.Mapping {
	cache := r.cacheFor(tenant)
	if cache == nil {
		return nil
	}
	all := make([]*mapping.Mapping, 0, len(cache.inbound)+len(cache.outbound))
	for _, m := range cache.inbound {
		all = append(all, m)
	}
	for _, m := range cache.outbound {
		all = append(all, m)
	}
	return all
}

// TreeSnapshot returns a read-only copy of the tenant's inbound topic
// resolver, used by monitoring endpoints.
func (r *Registry) TreeSnapshot(tenant string) topictree.NodeSnapshot {
	cache := r.cacheFor(tenant)
	if cache == nil {
		return topictree.NodeSnapshot{}
	}
	return cache.inboundTree.Snapshot()
}

// MarkDirty records a mapping whose runtime state (snooped templates, snoop
// status) diverged from the persisted definition. The configuration store
// flushes dirty mappings on its housekeeping cycle.
func (r *Registry) MarkDirty(tenant, identifier string) {
	r.dirtyMu.Lock()
	defer r.dirtyMu.Unlock()
	byID, ok := r.dirty[tenant]
	if !ok {
		byID = make(map[string]struct{})
		r.dirty[tenant] = byID
	}
	byID[identifier] = struct{}{}
}

// TakeDirty drains the dirty set and returns a persistable copy of each
// mapping: the cached definition with the runtime capture state merged in.
func (r *Registry) TakeDirty(tenant string) []*mapping.Mapping {
	r.dirtyMu.Lock()
	ids := r.dirty[tenant]
	delete(r.dirty, tenant)
	r.dirtyMu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	cache := r.cacheFor(tenant)
	if cache == nil {
		return nil
	}
	out := make([]*mapping.Mapping, 0, len(ids))
	for id := range ids {
		def, ok := cache.inbound[id]
		if !ok {
			if def, ok = cache.outbound[id]; !ok {
				continue
			}
		}
		clone := *def
		if status, templates := r.SnoopState(tenant, id); status != "" {
			clone.SnoopStatus = status
			clone.SnoopedTemplates = templates
		}
		out = append(out, &clone)
	}
	return out
}
