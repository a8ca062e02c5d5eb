package gateway

import (
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
	"github.com/illmade-knight/go-mapping-gateway/pkg/topictree"
)

// MappingStatuses returns a point-in-time snapshot of every mapping's
// processing statistics for a tenant.
func (s *Service) MappingStatuses(tenant string) []registry.MappingStatus {
	return s.mappings.StatusSnapshot(tenant)
}

// MappingStatus returns one mapping's processing statistics.
func (s *Service) MappingStatus(tenant, identifier string) (registry.MappingStatus, bool) {
	return s.mappings.Status(tenant, identifier)
}

// SubscriptionCount reports how many resolvable mappings reference a topic
// pattern on a connector. Zero means the broker subscription has been
// released.
func (s *Service) SubscriptionCount(tenant, connectorID, topic string) int {
	return s.connectors.SubscriptionCount(tenant, connectorID, topic)
}

// Connectors lists the connector identifiers registered for a tenant.
func (s *Service) Connectors(tenant string) []string {
	return s.connectors.List(tenant)
}

// TopicTree returns a read-only copy of the tenant's inbound resolver tree
// for diagnostic inspection.
func (s *Service) TopicTree(tenant string) topictree.NodeSnapshot {
	return s.mappings.TreeSnapshot(tenant)
}

// DeploymentMap returns a copy of the tenant's mapping-to-connector
// assignments.
func (s *Service) DeploymentMap(tenant string) map[string][]string {
	return s.mappings.DeploymentMap(tenant)
}
