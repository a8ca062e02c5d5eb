package registry

// The deployment map records which connectors each mapping is deployed to.
// Inbound subscription management and outbound dispatch both consult it: a
// mapping with an empty entry is deployed nowhere and never fires.

// UpdateDeployment replaces the connector list for one mapping.
func (r *Registry) UpdateDeployment(tenant, mappingIdentifier string, connectorIdentifiers []string) {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()
	byMapping, ok := r.deployments[tenant]
	if !ok {
		byMapping = make(map[string][]string)
		r.deployments[tenant] = byMapping
	}
	if len(connectorIdentifiers) == 0 {
		delete(byMapping, mappingIdentifier)
		return
	}
	byMapping[mappingIdentifier] = append([]string(nil), connectorIdentifiers...)
}

// DeploymentFor returns the connectors a mapping is deployed to.
func (r *Registry) DeploymentFor(tenant, mappingIdentifier string) []string {
	r.deployMu.RLock()
	defer r.deployMu.RUnlock()
	return append([]string(nil), r.deployments[tenant][mappingIdentifier]...)
}

// DeployedTo reports whether a mapping is deployed to a specific connector.
func (r *Registry) DeployedTo(tenant, mappingIdentifier, connectorIdentifier string) bool {
	r.deployMu.RLock()
	defer r.deployMu.RUnlock()
	for _, id := range r.deployments[tenant][mappingIdentifier] {
		if id == connectorIdentifier {
			return true
		}
	}
	return false
}

// RemoveConnectorFromDeployments strips a decommissioned connector from every
// mapping's deployment entry.
func (r *Registry) RemoveConnectorFromDeployments(tenant, connectorIdentifier string) {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()
	byMapping := r.deployments[tenant]
	for mappingID, connectors := range byMapping {
		kept := connectors[:0]
		for _, id := range connectors {
			if id != connectorIdentifier {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(byMapping, mappingID)
		} else {
			byMapping[mappingID] = kept
		}
	}
}

// DeploymentMap returns a copy of the tenant's full deployment map.
func (r *Registry) DeploymentMap(tenant string) map[string][]string {
	r.deployMu.RLock()
	defer r.deployMu.RUnlock()
	byMapping := r.deployments[tenant]
	out := make(map[string][]string, len(byMapping))
	for mappingID, connectors := range byMapping {
		out[mappingID] = append([]string(nil), connectors...)
	}
	return out
}

// ResetDeploymentMap discards every deployment entry for a tenant.
func (r *Registry) ResetDeploymentMap(tenant string) {
	r.deployMu.Lock()
	defer r.deployMu.Unlock()
	delete(r.deployments, tenant)
}

// ReplaceDeploymentMap installs a full deployment map, as loaded from the
// configuration store.
func (r *Registry) ReplaceDeploymentMap(tenant string, deployments map[string][]string) {
	byMapping := make(map[string][]string, len(deployments))
	for mappingID, connectors := range deployments {
		if len(connectors) == 0 {
			continue
		}
		byMapping[mappingID] = append([]string(nil), connectors...)
	}
	r.deployMu.Lock()
	defer r.deployMu.Unlock()
	r.deployments[tenant] = byMapping
}
