// Package identity resolves device identities between the external namespace
// used on device topics (serial numbers, client ids) and the internal ids the
// platform addresses objects by. Resolution is layered: a small in-process
// LRU in front of a shared Redis cache in front of the source of truth.
package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound reports that no device is registered for an external identity.
// Pipelines decide per mapping whether this is fatal or a create-on-demand.
var ErrNotFound = errors.New("device identity not found")

// ExternalID is a device identity in an external namespace, for example
// Type "c8y_Serial" with Value "sn-0042".
type ExternalID struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

func (e ExternalID) String() string {
	return e.Type + "/" + e.Value
}

// Device links an external identity to the platform-internal id.
type Device struct {
	InternalID string     `json:"internalId"`
	External   ExternalID `json:"external"`
	Name       string     `json:"name,omitempty"`
}

// Resolver looks up and registers device identities. Implementations are safe
// for concurrent use.
type Resolver interface {
	// Resolve returns the device for an external identity, or an error
	// wrapping ErrNotFound when no registration exists.
	Resolve(ctx context.Context, tenant string, ext ExternalID) (Device, error)
	// ResolveInternal is the reverse lookup: it returns the device for a
	// platform-internal id, or an error wrapping ErrNotFound.
	ResolveInternal(ctx context.Context, tenant string, internalID string) (Device, error)
	// Register records a device identity so later Resolve calls find it.
	Register(ctx context.Context, tenant string, device Device) error
	io.Closer
}

// cacheKey is the composite key the caching layers index by.
func cacheKey(tenant string, ext ExternalID) string {
	return fmt.Sprintf("identity:%s:%s:%s", tenant, ext.Type, ext.Value)
}

// internalKey indexes the caching layers by platform-internal id for the
// reverse lookup.
func internalKey(tenant, internalID string) string {
	return fmt.Sprintf("identity:internal:%s:%s", tenant, internalID)
}
