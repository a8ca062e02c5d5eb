// Package configstore persists tenant mapping configuration: the mapping
// definitions themselves and the deployment map linking mappings to
// connectors. The registry is rebuilt from this store on startup and on
// administrative reloads.
package configstore

import (
	"context"
	"errors"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// ErrNotFound reports that a store holds no document for the requested key.
var ErrNotFound = errors.New("configuration not found")

// Store is the persistence contract for tenant mapping configuration.
type Store interface {
	// LoadMappings returns every mapping definition stored for a tenant.
	LoadMappings(ctx context.Context, tenant string) ([]*mapping.Mapping, error)
	// SaveMapping upserts one mapping definition.
	SaveMapping(ctx context.Context, tenant string, m *mapping.Mapping) error
	// DeleteMapping removes one mapping definition by identifier.
	DeleteMapping(ctx context.Context, tenant, identifier string) error

	// LoadDeploymentMap returns the tenant's mapping-to-connector deployment
	// map; a tenant with no stored map gets an empty one, not an error.
	LoadDeploymentMap(ctx context.Context, tenant string) (map[string][]string, error)
	// SaveDeploymentMap replaces the tenant's deployment map.
	SaveDeploymentMap(ctx context.Context, tenant string, deployments map[string][]string) error
}
