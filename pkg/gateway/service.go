// Package gateway wires the mapping registry, connector registry,
// configuration store and processing pipelines into one runnable service,
// and exposes the administrative and monitoring operations on top of them.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/configstore"
	"github.com/illmade-knight/go-mapping-gateway/pkg/connector"
	"github.com/illmade-knight/go-mapping-gateway/pkg/identity"
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/pipeline"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
)

// ServiceConfig holds the runtime settings for the gateway service.
type ServiceConfig struct {
	NumWorkers int
	QueueSize  int
}

// Service is the top-level gateway. Inbound messages are queued and worked
// by a pool of processing goroutines; outbound platform events are handled
// synchronously.
type Service struct {
	cfg        ServiceConfig
	store      configstore.Store
	mappings   *registry.Registry
	connectors *connector.Registry
	resolver   identity.Resolver
	inbound    *pipeline.InboundProcessor
	outbound   *pipeline.OutboundProcessor
	metrics    *Metrics
	logger     zerolog.Logger

	queue    chan connector.InboundMessage
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService assembles the gateway from its components.
func NewService(
	cfg ServiceConfig,
	store configstore.Store,
	mappings *registry.Registry,
	connectors *connector.Registry,
	resolver identity.Resolver,
	inbound *pipeline.InboundProcessor,
	outbound *pipeline.OutboundProcessor,
	metrics *Metrics,
	logger zerolog.Logger,
) (*Service, error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if store == nil {
		return nil, fmt.Errorf("configuration store cannot be nil")
	}
	if mappings == nil {
		return nil, fmt.Errorf("mapping registry cannot be nil")
	}
	if connectors == nil {
		return nil, fmt.Errorf("connector registry cannot be nil")
	}
	if inbound == nil {
		return nil, fmt.Errorf("inbound processor cannot be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Service{
		cfg:        cfg,
		store:      store,
		mappings:   mappings,
		connectors: connectors,
		resolver:   resolver,
		inbound:    inbound,
		outbound:   outbound,
		metrics:    metrics,
		logger:     logger.With().Str("component", "GatewayService").Logger(),
		queue:      make(chan connector.InboundMessage, cfg.QueueSize),
		done:       make(chan struct{}),
	}, nil
}

// Start spawns the processing worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Int("worker_count", s.cfg.NumWorkers).Msg("Starting gateway service...")

	s.wg.Add(s.cfg.NumWorkers)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		go s.worker(ctx, i)
	}

	s.logger.Info().Msg("Gateway service started successfully.")
	return nil
}

// Stop signals shutdown, waits for the workers to drain the inbound queue,
// and flushes any mappings whose runtime state diverged from the store. The
// queue itself is never closed: connectors may still be delivering, and a
// late delivery is dropped rather than panicking on a closed channel.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping gateway service...")

	s.stopOnce.Do(func() {
		close(s.done)
	})

	workersDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		s.logger.Info().Msg("All processing workers completed.")
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for workers to finish.")
		return ctx.Err()
	}

	s.logger.Info().Msg("Gateway service stopped.")
	return nil
}

// HandleInbound returns the handler connector clients deliver messages to.
// The handler blocks when the queue is full so transport back-pressure
// propagates to the broker client rather than dropping messages. After Stop,
// deliveries from still-connected clients are logged and dropped.
func (s *Service) HandleInbound() connector.MessageHandler {
	return func(ctx context.Context, msg connector.InboundMessage) {
		select {
		case <-s.done:
			s.logger.Warn().
				Str("tenant", msg.Tenant).
				Str("topic", msg.Topic).
				Msg("Dropping inbound message, service is stopped.")
			return
		default:
		}
		select {
		case s.queue <- msg:
		case <-s.done:
			s.logger.Warn().
				Str("tenant", msg.Tenant).
				Str("topic", msg.Topic).
				Msg("Dropping inbound message, service is stopped.")
		case <-ctx.Done():
			s.logger.Warn().
				Str("tenant", msg.Tenant).
				Str("topic", msg.Topic).
				Msg("Dropping inbound message, context cancelled while enqueueing.")
		}
	}
}

// HandlePlatformEvent runs the outbound pipeline for one platform event.
func (s *Service) HandlePlatformEvent(ctx context.Context, event pipeline.PlatformEvent) []*pipeline.ProcessingContext {
	if s.outbound == nil {
		return nil
	}
	results := s.outbound.ProcessEvent(ctx, event)
	s.observe(event.Tenant, results)
	return results
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	s.logger.Debug().Int("worker_id", id).Msg("Processing worker started.")

	for {
		select {
		case msg := <-s.queue:
			results := s.inbound.ProcessMessage(ctx, msg)
			s.observe(msg.Tenant, results)
		case <-s.done:
			// Drain what was queued before the stop signal, then exit.
			for {
				select {
				case msg := <-s.queue:
					results := s.inbound.ProcessMessage(ctx, msg)
					s.observe(msg.Tenant, results)
				default:
					s.logger.Debug().Int("worker_id", id).Msg("Processing worker shutting down.")
					return
				}
			}
		}
	}
}

func (s *Service) observe(tenant string, results []*pipeline.ProcessingContext) {
	for _, pc := range results {
		s.metrics.MessagesReceived.WithLabelValues(tenant, pc.Mapping.Identifier).Inc()
		if pc.Failed() {
			s.metrics.ProcessingErrors.WithLabelValues(tenant, pc.Mapping.Identifier).Inc()
			continue
		}
		if pc.Snooped {
			s.metrics.MessagesSnooped.WithLabelValues(tenant, pc.Mapping.Identifier).Inc()
		}
	}
}

// LoadTenant loads a tenant's configuration from the store, rebuilds its
// resolution caches, restores the deployment map and subscribes every
// resolvable inbound mapping on its deployed connectors.
func (s *Service) LoadTenant(ctx context.Context, tenant string) error {
	defs, err := s.store.LoadMappings(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to load mappings for tenant %s: %w", tenant, err)
	}
	deployments, err := s.store.LoadDeploymentMap(ctx, tenant)
	if err != nil {
		return fmt.Errorf("failed to load deployment map for tenant %s: %w", tenant, err)
	}

	s.mappings.Rebuild(tenant, defs)
	s.mappings.ReplaceDeploymentMap(tenant, deployments)

	var subErrs error
	for _, m := range defs {
		if m.Direction == mapping.DirectionOutbound {
			continue
		}
		if !m.Active && !m.SnoopStatus.IsActive() {
			continue
		}
		if err := s.subscribeMapping(ctx, tenant, m); err != nil {
			s.logger.Warn().Err(err).
				Str("tenant", tenant).
				Str("mapping", m.Identifier).
				Msg("Failed to subscribe mapping on load.")
			subErrs = errors.Join(subErrs, fmt.Errorf("mapping %s: %w", m.Identifier, err))
		}
	}

	s.updateGauges(tenant)

	s.logger.Info().
		Str("tenant", tenant).
		Int("mappings", len(defs)).
		Msg("Tenant configuration loaded.")
	return subErrs
}

// FlushDirty persists every mapping whose runtime state changed since the
// last flush, typically snoop captures.
func (s *Service) FlushDirty(ctx context.Context, tenant string) error {
	for _, m := range s.mappings.TakeDirty(tenant) {
		if err := s.store.SaveMapping(ctx, tenant, m); err != nil {
			// Re-mark so the next flush retries.
			s.mappings.MarkDirty(tenant, m.Identifier)
			return fmt.Errorf("failed to persist mapping %s: %w", m.Identifier, err)
		}
		s.logger.Debug().
			Str("tenant", tenant).
			Str("mapping", m.Identifier).
			Msg("Persisted dirty mapping.")
	}
	return nil
}

func (s *Service) subscribeMapping(ctx context.Context, tenant string, m *mapping.Mapping) error {
	targets := s.mappings.DeploymentFor(tenant, m.Identifier)
	if len(targets) == 0 {
		return nil
	}
	return s.connectors.SubscribeMapping(ctx, tenant, m, targets).Err()
}

func (s *Service) unsubscribeMapping(ctx context.Context, tenant string, m *mapping.Mapping) error {
	targets := s.mappings.DeploymentFor(tenant, m.Identifier)
	if len(targets) == 0 {
		return nil
	}
	return s.connectors.UnsubscribeMapping(ctx, tenant, m, targets).Err()
}

func (s *Service) updateGauges(tenant string) {
	var activeIn, activeOut int
	for _, m := range s.mappings.All(tenant) {
		if !m.Active {
			continue
		}
		if m.Direction == mapping.DirectionOutbound {
			activeOut++
		} else {
			activeIn++
		}
	}
	s.metrics.ActiveMappings.WithLabelValues(tenant, "inbound").Set(float64(activeIn))
	s.metrics.ActiveMappings.WithLabelValues(tenant, "outbound").Set(float64(activeOut))
	s.metrics.ConnectedConnectors.WithLabelValues(tenant).Set(float64(len(s.connectors.List(tenant))))
}
