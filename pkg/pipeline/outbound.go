package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/connector"
	"github.com/illmade-knight/go-mapping-gateway/pkg/identity"
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
	"github.com/illmade-knight/go-mapping-gateway/pkg/substitution"
)

// PlatformEvent is one platform-side change routed back towards devices: an
// operation, alarm or event the platform core produced for a device.
// DeviceID carries the platform-internal id of the device the event targets;
// when set, the pipeline resolves it to the external identity before the
// event is transformed.
type PlatformEvent struct {
	Tenant   string
	API      mapping.TargetAPI
	DeviceID string
	Payload  map[string]any
}

// OutboundProcessor runs the platform-to-device pipeline: platform events are
// matched against the tenant's outbound mappings by target API, transformed,
// and published through every connector the mapping is deployed to.
type OutboundProcessor struct {
	registry   *registry.Registry
	connectors *connector.Registry
	resolver   identity.Resolver
	extractors substitution.ExtractorSet
	filters    *substitution.PathExtractor
	mode       Mode
	logger     zerolog.Logger
}

// NewOutboundProcessor wires the outbound pipeline.
func NewOutboundProcessor(
	reg *registry.Registry,
	connectors *connector.Registry,
	resolver identity.Resolver,
	extractors substitution.ExtractorSet,
	filters *substitution.PathExtractor,
	mode Mode,
	logger zerolog.Logger,
) *OutboundProcessor {
	return &OutboundProcessor{
		registry:   reg,
		connectors: connectors,
		resolver:   resolver,
		extractors: extractors,
		filters:    filters,
		mode:       mode,
		logger:     logger.With().Str("component", "OutboundProcessor").Logger(),
	}
}

// ProcessEvent runs the outbound state machine once per matching mapping.
func (p *OutboundProcessor) ProcessEvent(ctx context.Context, event PlatformEvent) []*ProcessingContext {
	matches := p.registry.OutboundForAPI(event.Tenant, event.API)
	if len(matches) == 0 {
		p.logger.Debug().
			Str("tenant", event.Tenant).
			Str("api", string(event.API)).
			Msg("No outbound mapping for event.")
		return nil
	}

	contexts := make([]*ProcessingContext, 0, len(matches))
	for _, m := range matches {
		p.registry.RecordReceived(event.Tenant, m)
		pc := p.process(ctx, m, event)
		if pc.Failed() {
			p.logger.Warn().
				Str("tenant", event.Tenant).
				Str("mapping", m.Identifier).
				Errs("errors", pc.Errors).
				Msg("Outbound processing finished with errors.")
		}
		contexts = append(contexts, pc)
	}
	return contexts
}

func (p *OutboundProcessor) process(ctx context.Context, m *mapping.Mapping, event PlatformEvent) *ProcessingContext {
	pc := &ProcessingContext{
		Tenant:  event.Tenant,
		Mapping: m,
		Payload: event.Payload,
	}

	if event.DeviceID != "" {
		if err := p.resolveIdentity(ctx, pc, event); err != nil {
			p.fail(pc, err)
			return pc
		}
	}

	if m.FilterMapping != "" && !p.filters.EvaluateFilter(m.FilterMapping, pc.Payload) {
		pc.IgnoreFurtherProcessing = true
		return pc
	}

	extractor, err := p.extractors.For(m.TransformationType)
	if err != nil {
		p.fail(pc, err)
		return pc
	}
	result, err := extractor.Extract(ctx, substitution.Input{
		Tenant:  pc.Tenant,
		Mapping: m,
		Payload: pc.Payload,
	})
	if err != nil {
		p.fail(pc, fmt.Errorf("extraction: %w", err))
		return pc
	}
	if result.Empty() {
		pc.IgnoreFurtherProcessing = true
		return pc
	}
	pc.Cache = result.Cache
	pc.Alarms = append(pc.Alarms, result.Alarms...)

	topic := p.resolveTopic(m, pc.Cache)
	if err := p.buildDocuments(pc); err != nil {
		p.fail(pc, err)
		return pc
	}

	p.publish(ctx, pc, topic)
	return pc
}

// resolveIdentity maps the event's internal device id to its external
// identity and exposes it under the identity token so substitution rules and
// filters can reference _IDENTITY_.externalId. The event payload is copied
// before enrichment since it may be shared between matching mappings.
func (p *OutboundProcessor) resolveIdentity(ctx context.Context, pc *ProcessingContext, event PlatformEvent) error {
	device, err := p.resolver.ResolveInternal(ctx, event.Tenant, event.DeviceID)
	if err != nil {
		return fmt.Errorf("identity resolution for internal id %s: %w", event.DeviceID, err)
	}
	payload := make(map[string]any, len(event.Payload)+1)
	for k, v := range event.Payload {
		payload[k] = v
	}
	payload[mapping.TokenIdentity] = map[string]any{
		"externalId":     device.External.Value,
		"externalIdType": device.External.Type,
		"name":           device.Name,
	}
	pc.Payload = payload
	return nil
}

// resolveTopic fills the publish pattern's wildcards with the extracted
// topic-level values, in order.
func (p *OutboundProcessor) resolveTopic(m *mapping.Mapping, cache substitution.Cache) string {
	levels := cache[mapping.TokenTopicLevel]
	if len(levels) == 0 {
		return m.PublishTopic
	}
	patternLevels := mapping.SplitTopic(m.PublishTopic)
	resolved := make([]string, 0, len(patternLevels))
	next := 0
	for _, level := range patternLevels {
		if (level == mapping.WildcardSingle || level == mapping.WildcardMulti) && next < len(levels) {
			resolved = append(resolved, fmt.Sprintf("%v", levels[next].Value))
			next++
			continue
		}
		resolved = append(resolved, level)
	}
	return strings.Join(resolved, mapping.TopicSeparator)
}

// buildDocuments builds the device-bound payloads, withholding the
// topic-level token entries from the documents.
func (p *OutboundProcessor) buildDocuments(pc *ProcessingContext) error {
	content := make(substitution.Cache, len(pc.Cache))
	for target, values := range pc.Cache {
		if target == mapping.TokenTopicLevel || target == identityPath {
			continue
		}
		content[target] = values
	}
	documents, err := substitution.BuildDocuments(pc.Mapping, content)
	if err != nil {
		return err
	}
	pc.Documents = documents
	return nil
}

// publish sends every built document through every connector the mapping is
// deployed to. A failing connector is recorded but does not block the others.
func (p *OutboundProcessor) publish(ctx context.Context, pc *ProcessingContext, topic string) {
	connectorIDs := p.registry.DeploymentFor(pc.Tenant, pc.Mapping.Identifier)
	if len(connectorIDs) == 0 {
		p.logger.Debug().
			Str("tenant", pc.Tenant).
			Str("mapping", pc.Mapping.Identifier).
			Msg("Outbound mapping deployed to no connector, dropping event.")
		pc.IgnoreFurtherProcessing = true
		return
	}

	failed := false
	for _, doc := range pc.Documents {
		payload, err := json.Marshal(doc)
		if err != nil {
			p.fail(pc, fmt.Errorf("marshal outbound document: %w", err))
			return
		}
		for _, connectorID := range connectorIDs {
			err := p.connectors.Publish(ctx, pc.Tenant, connectorID, topic, byte(pc.Mapping.QOS), false, payload)
			if err != nil {
				failed = true
				pc.recordError(fmt.Errorf("publish via %s: %w", connectorID, err))
			}
		}
	}
	if failed {
		if p.mode == ModeProduction {
			p.registry.RecordError(pc.Tenant, pc.Mapping)
		}
		return
	}
	if p.mode == ModeProduction {
		p.registry.RecordSuccess(pc.Tenant, pc.Mapping)
	}
}

func (p *OutboundProcessor) fail(pc *ProcessingContext, err error) {
	pc.recordError(err)
	if p.mode == ModeProduction {
		p.registry.RecordError(pc.Tenant, pc.Mapping)
		pc.IgnoreFurtherProcessing = true
	}
}
