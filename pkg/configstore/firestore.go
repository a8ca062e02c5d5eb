package configstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// FirestoreConfig holds configuration for the Firestore-backed store.
type FirestoreConfig struct {
	ProjectID string
	// CollectionName is the root collection; each tenant is a document with
	// "mappings" and "deployments" subcollections under it.
	CollectionName string
}

// FirestoreStore persists mapping configuration in Firestore. Suitable for
// low-volume configuration data; the hot path never reads it, only registry
// rebuilds do.
type FirestoreStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

const deploymentDocID = "deploymentMap"

// NewFirestoreStore creates a store over an injected Firestore client. The
// client's lifecycle is managed by the caller.
func NewFirestoreStore(cfg *FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")
	return &FirestoreStore{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore) tenantDoc(tenant string) *firestore.DocumentRef {
	return s.client.Collection(s.collectionName).Doc(tenant)
}

// LoadMappings reads every mapping document stored for a tenant. A document
// that fails to unmarshal is skipped and logged; one corrupt mapping must not
// block a tenant's reload.
func (s *FirestoreStore) LoadMappings(ctx context.Context, tenant string) ([]*mapping.Mapping, error) {
	iter := s.tenantDoc(tenant).Collection("mappings").Documents(ctx)
	defer iter.Stop()

	var mappings []*mapping.Mapping
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating mappings for tenant %s: %w", tenant, err)
		}
		var m mapping.Mapping
		if err := doc.DataTo(&m); err != nil {
			s.logger.Error().Err(err).
				Str("tenant", tenant).
				Str("document", doc.Ref.ID).
				Msg("Failed to map mapping document, skipping.")
			continue
		}
		mappings = append(mappings, &m)
	}
	s.logger.Debug().Str("tenant", tenant).Int("count", len(mappings)).Msg("Loaded mappings from Firestore.")
	return mappings, nil
}

// SaveMapping upserts one mapping document keyed by its identifier.
func (s *FirestoreStore) SaveMapping(ctx context.Context, tenant string, m *mapping.Mapping) error {
	if m.Identifier == "" {
		return mapping.ErrMissingIdentifier
	}
	_, err := s.tenantDoc(tenant).Collection("mappings").Doc(m.Identifier).Set(ctx, m)
	if err != nil {
		return fmt.Errorf("firestore set for mapping %s: %w", m.Identifier, err)
	}
	return nil
}

// DeleteMapping removes one mapping document.
func (s *FirestoreStore) DeleteMapping(ctx context.Context, tenant, identifier string) error {
	_, err := s.tenantDoc(tenant).Collection("mappings").Doc(identifier).Delete(ctx)
	if err != nil {
		return fmt.Errorf("firestore delete for mapping %s: %w", identifier, err)
	}
	return nil
}

// deploymentDoc is the Firestore shape of the deployment map document.
type deploymentDoc struct {
	Deployments map[string][]string `firestore:"deployments"`
}

// LoadDeploymentMap reads the tenant's deployment map document. A missing
// document is an empty map, not an error.
func (s *FirestoreStore) LoadDeploymentMap(ctx context.Context, tenant string) (map[string][]string, error) {
	snap, err := s.tenantDoc(tenant).Collection("config").Doc(deploymentDocID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return map[string][]string{}, nil
		}
		return nil, fmt.Errorf("firestore get deployment map for tenant %s: %w", tenant, err)
	}
	var doc deploymentDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("firestore DataTo deployment map for tenant %s: %w", tenant, err)
	}
	if doc.Deployments == nil {
		doc.Deployments = map[string][]string{}
	}
	return doc.Deployments, nil
}

// SaveDeploymentMap replaces the tenant's deployment map document.
func (s *FirestoreStore) SaveDeploymentMap(ctx context.Context, tenant string, deployments map[string][]string) error {
	_, err := s.tenantDoc(tenant).Collection("config").Doc(deploymentDocID).Set(ctx, deploymentDoc{Deployments: deployments})
	if err != nil {
		return fmt.Errorf("firestore set deployment map for tenant %s: %w", tenant, err)
	}
	return nil
}
