package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
)

// UpsertMapping validates and stores a mapping definition, then rebuilds the
// tenant's caches. Replacing an active mapping is rejected so a definition
// never changes underneath in-flight messages.
func (s *Service) UpsertMapping(ctx context.Context, tenant string, m *mapping.Mapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if existing, err := s.mappings.Get(tenant, m.Identifier); err == nil && existing.Active {
		return fmt.Errorf("%w: %s", mapping.ErrActiveImmutable, m.Identifier)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.store.SaveMapping(ctx, tenant, m); err != nil {
		return fmt.Errorf("failed to persist mapping %s: %w", m.Identifier, err)
	}
	return s.rebuildFromStore(ctx, tenant)
}

// DeleteMapping removes a mapping definition, releasing its broker
// subscriptions and its deployment entry. Active mappings are rejected.
func (s *Service) DeleteMapping(ctx context.Context, tenant, identifier string) error {
	m, err := s.mappings.Get(tenant, identifier)
	if err != nil && !errors.Is(err, registry.ErrMappingNotFound) {
		return err
	}
	if m != nil {
		if m.Active {
			return fmt.Errorf("%w: %s", mapping.ErrActiveImmutable, identifier)
		}
		if m.SnoopStatus.IsActive() {
			if err := s.unsubscribeMapping(ctx, tenant, m); err != nil {
				s.logger.Warn().Err(err).
					Str("tenant", tenant).
					Str("mapping", identifier).
					Msg("Failed to unsubscribe mapping before delete.")
			}
		}
	}
	if err := s.store.DeleteMapping(ctx, tenant, identifier); err != nil {
		return fmt.Errorf("failed to delete mapping %s: %w", identifier, err)
	}
	s.mappings.UpdateDeployment(tenant, identifier, nil)
	if err := s.store.SaveDeploymentMap(ctx, tenant, s.mappings.DeploymentMap(tenant)); err != nil {
		return fmt.Errorf("failed to persist deployment map: %w", err)
	}
	return s.rebuildFromStore(ctx, tenant)
}

// ActivateMapping marks a mapping active, persists the change, rebuilds the
// tenant's caches and subscribes the mapping on its deployed connectors.
func (s *Service) ActivateMapping(ctx context.Context, tenant, identifier string) error {
	return s.updateMapping(ctx, tenant, identifier, func(m *mapping.Mapping) {
		m.Active = true
	})
}

// DeactivateMapping marks a mapping inactive. The mapping is unsubscribed
// from its connectors unless snooping keeps it resolvable.
func (s *Service) DeactivateMapping(ctx context.Context, tenant, identifier string) error {
	return s.updateMapping(ctx, tenant, identifier, func(m *mapping.Mapping) {
		m.Active = false
	})
}

// SetDebug toggles per-mapping debug logging.
func (s *Service) SetDebug(ctx context.Context, tenant, identifier string, debug bool) error {
	return s.updateMapping(ctx, tenant, identifier, func(m *mapping.Mapping) {
		m.Debug = debug
	})
}

// SetSnoop enables payload capture for a mapping. An inactive mapping
// becomes resolvable while snooping so templates can be collected before
// activation.
func (s *Service) SetSnoop(ctx context.Context, tenant, identifier string) error {
	return s.updateMapping(ctx, tenant, identifier, func(m *mapping.Mapping) {
		m.SnoopStatus = mapping.SnoopEnabled
	})
}

// StopSnoop ends payload capture. Captured templates are retained on the
// mapping definition.
func (s *Service) StopSnoop(ctx context.Context, tenant, identifier string) error {
	return s.updateMapping(ctx, tenant, identifier, func(m *mapping.Mapping) {
		m.SnoopStatus = mapping.SnoopStopped
	})
}

// DeployMapping assigns a mapping to a set of connectors, reconciling broker
// subscriptions against the previous assignment and persisting the new map.
func (s *Service) DeployMapping(ctx context.Context, tenant, identifier string, connectorIDs []string) error {
	m, err := s.mappings.Get(tenant, identifier)
	if err != nil {
		return err
	}

	previous := s.mappings.DeploymentFor(tenant, identifier)
	if resolvable(m) {
		if removed := difference(previous, connectorIDs); len(removed) > 0 {
			if err := s.connectors.UnsubscribeMapping(ctx, tenant, m, removed).Err(); err != nil {
				s.logger.Warn().Err(err).
					Str("tenant", tenant).
					Str("mapping", identifier).
					Msg("Failed to unsubscribe mapping from removed connectors.")
			}
		}
		if added := difference(connectorIDs, previous); len(added) > 0 {
			if err := s.connectors.SubscribeMapping(ctx, tenant, m, added).Err(); err != nil {
				return fmt.Errorf("failed to subscribe mapping %s on new connectors: %w", identifier, err)
			}
		}
	}

	s.mappings.UpdateDeployment(tenant, identifier, connectorIDs)
	if err := s.store.SaveDeploymentMap(ctx, tenant, s.mappings.DeploymentMap(tenant)); err != nil {
		return fmt.Errorf("failed to persist deployment map: %w", err)
	}
	return nil
}

// RemoveConnector deregisters a connector, releasing its broker
// subscriptions, and scrubs it from the tenant's deployment map.
func (s *Service) RemoveConnector(ctx context.Context, tenant, connectorID string) error {
	if err := s.connectors.Deregister(ctx, tenant, connectorID); err != nil {
		return err
	}
	s.mappings.RemoveConnectorFromDeployments(tenant, connectorID)
	if err := s.store.SaveDeploymentMap(ctx, tenant, s.mappings.DeploymentMap(tenant)); err != nil {
		return fmt.Errorf("failed to persist deployment map: %w", err)
	}
	s.updateGauges(tenant)
	return nil
}

// ResetStatistics zeroes the processing counters of every mapping in a
// tenant.
func (s *Service) ResetStatistics(tenant string) {
	s.mappings.ResetStatistics(tenant)
	s.logger.Info().Str("tenant", tenant).Msg("Mapping statistics reset.")
}

// ResetDeploymentMap removes every mapping-to-connector assignment for a
// tenant, unsubscribing the affected mappings, and persists the empty map.
func (s *Service) ResetDeploymentMap(ctx context.Context, tenant string) error {
	for _, m := range s.mappings.All(tenant) {
		if m.Direction == mapping.DirectionOutbound || !resolvable(m) {
			continue
		}
		if err := s.unsubscribeMapping(ctx, tenant, m); err != nil {
			s.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("mapping", m.Identifier).
				Msg("Failed to unsubscribe mapping during deployment map reset.")
		}
	}
	s.mappings.ResetDeploymentMap(tenant)
	if err := s.store.SaveDeploymentMap(ctx, tenant, map[string][]string{}); err != nil {
		return fmt.Errorf("failed to persist deployment map reset: %w", err)
	}
	s.logger.Info().Str("tenant", tenant).Msg("Deployment map reset.")
	return nil
}

// ClearCaches drops the identity resolver's in-process cache so subsequent
// lookups hit the backing store again.
func (s *Service) ClearCaches() {
	type clearer interface{ Clear() }
	if c, ok := s.resolver.(clearer); ok {
		c.Clear()
		s.logger.Info().Msg("Identity cache cleared.")
	}
}

// Reload discards a tenant's runtime state and rebuilds it from the
// configuration store: existing broker subscriptions are released, then the
// tenant is loaded as at startup.
func (s *Service) Reload(ctx context.Context, tenant string) error {
	for _, m := range s.mappings.All(tenant) {
		if m.Direction == mapping.DirectionOutbound || !resolvable(m) {
			continue
		}
		if err := s.unsubscribeMapping(ctx, tenant, m); err != nil {
			s.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("mapping", m.Identifier).
				Msg("Failed to release subscription during reload.")
		}
	}
	return s.LoadTenant(ctx, tenant)
}

// updateMapping applies a mutation to a mapping definition, persists it,
// rebuilds the tenant's caches from the store, and reconciles broker
// subscriptions when the mutation changed whether the mapping resolves.
func (s *Service) updateMapping(ctx context.Context, tenant, identifier string, mutate func(*mapping.Mapping)) error {
	current, err := s.mappings.Get(tenant, identifier)
	if err != nil {
		return err
	}
	wasResolvable := current.Direction != mapping.DirectionOutbound && resolvable(current)

	updated := *current
	// Captures accumulate on the registry at runtime; fold them into the
	// definition so a status change does not discard them.
	if status, templates := s.mappings.SnoopState(tenant, identifier); status != "" {
		updated.SnoopStatus = status
		updated.SnoopedTemplates = templates
	}
	mutate(&updated)
	if err := s.store.SaveMapping(ctx, tenant, &updated); err != nil {
		return fmt.Errorf("failed to persist mapping %s: %w", identifier, err)
	}
	isResolvable := updated.Direction != mapping.DirectionOutbound && resolvable(&updated)

	if wasResolvable && !isResolvable {
		if err := s.unsubscribeMapping(ctx, tenant, current); err != nil {
			s.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("mapping", identifier).
				Msg("Failed to unsubscribe mapping.")
		}
	}

	if err := s.rebuildFromStore(ctx, tenant); err != nil {
		return err
	}

	if !wasResolvable && isResolvable {
		if err := s.subscribeMapping(ctx, tenant, &updated); err != nil {
			return fmt.Errorf("failed to subscribe mapping %s: %w", identifier, err)
		}
	}
	return nil
}

// rebuildFromStore reloads a tenant's definitions and swaps in fresh caches.
func (s *Service) rebuildFromStore(ctx context.Context, tenant string) error {
	defs, err := s.store.LoadMappings(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to reload mappings for tenant %s: %w", tenant, err)
	}
	s.mappings.Rebuild(tenant, defs)
	s.updateGauges(tenant)
	return nil
}

func resolvable(m *mapping.Mapping) bool {
	return m.Active || m.SnoopStatus.IsActive()
}

// difference returns the elements of a not present in b, preserving order.
func difference(a, b []string) []string {
	seen := make(map[string]struct{}, len(b))
	for _, v := range b {
		seen[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
