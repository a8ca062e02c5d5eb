package pipeline

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/connector"
	"github.com/illmade-knight/go-mapping-gateway/pkg/identity"
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
	"github.com/illmade-knight/go-mapping-gateway/pkg/substitution"
)

// identityPath is the processing-cache key that carries the extracted device
// identity instead of a document field.
var identityPath = mapping.TokenIdentity + ".externalId"

// defaultExternalIDType is used when a mapping does not qualify the external
// identifier namespace.
const defaultExternalIDType = "c8y_Serial"

// InboundProcessor runs the device-to-platform state machine for every
// mapping a topic resolves to.
type InboundProcessor struct {
	registry   *registry.Registry
	extractors substitution.ExtractorSet
	filters    *substitution.PathExtractor
	resolver   identity.Resolver
	dispatcher connector.PlatformDispatcher
	mode       Mode
	logger     zerolog.Logger
}

// NewInboundProcessor wires the inbound pipeline.
func NewInboundProcessor(
	reg *registry.Registry,
	extractors substitution.ExtractorSet,
	filters *substitution.PathExtractor,
	resolver identity.Resolver,
	dispatcher connector.PlatformDispatcher,
	mode Mode,
	logger zerolog.Logger,
) *InboundProcessor {
	return &InboundProcessor{
		registry:   reg,
		extractors: extractors,
		filters:    filters,
		resolver:   resolver,
		dispatcher: dispatcher,
		mode:       mode,
		logger:     logger.With().Str("component", "InboundProcessor").Logger(),
	}
}

// ProcessMessage resolves the message's topic against the tenant's mappings
// and runs the state machine once per match. It returns the processing
// context of every run; callers in testing mode inspect these directly.
func (p *InboundProcessor) ProcessMessage(ctx context.Context, msg connector.InboundMessage) []*ProcessingContext {
	matches := p.registry.ResolveInbound(msg.Tenant, msg.Topic)
	if len(matches) == 0 {
		p.logger.Debug().
			Str("tenant", msg.Tenant).
			Str("topic", msg.Topic).
			Msg("No mapping resolved for topic.")
		return nil
	}

	contexts := make([]*ProcessingContext, 0, len(matches))
	for _, m := range matches {
		p.registry.RecordReceived(msg.Tenant, m)
		pc := p.process(ctx, m, msg)
		if pc.Failed() {
			p.logger.Warn().
				Str("tenant", msg.Tenant).
				Str("mapping", m.Identifier).
				Errs("errors", pc.Errors).
				Msg("Message processing finished with errors.")
		}
		contexts = append(contexts, pc)
	}
	return contexts
}

// process runs the stages for one mapping. Each stage either advances the
// context or sets IgnoreFurtherProcessing; nothing below a short-circuit
// runs.
func (p *InboundProcessor) process(ctx context.Context, m *mapping.Mapping, msg connector.InboundMessage) *ProcessingContext {
	pc := &ProcessingContext{
		Tenant:      msg.Tenant,
		ConnectorID: msg.ConnectorID,
		Topic:       msg.Topic,
		Mapping:     m,
		RawPayload:  msg.Payload,
		Key:         msg.Key,
	}

	if err := p.deserialize(pc); err != nil {
		p.fail(pc, fmt.Errorf("deserialize: %w", err))
		return pc
	}
	p.enrich(pc)

	if m.FilterMapping != "" && !p.filters.EvaluateFilter(m.FilterMapping, pc.Payload) {
		// Not a match for this mapping instance; no error, no counters.
		pc.IgnoreFurtherProcessing = true
		return pc
	}

	if m.SnoopStatus.IsActive() {
		p.snoop(pc)
		return pc
	}

	if done := p.extract(ctx, pc); done {
		return pc
	}

	if len(pc.Requests) == 0 {
		if err := p.buildDocuments(pc); err != nil {
			p.fail(pc, err)
			return pc
		}
		if err := p.buildRequests(ctx, pc); err != nil {
			p.fail(pc, err)
			return pc
		}
	}

	p.dispatch(ctx, pc)
	return pc
}

// deserialize parses the raw payload per the mapping's type. JSON payloads
// that are not objects are wrapped under "message" so token enrichment and
// path evaluation always see a document; BINARY payloads become their hex
// encoding under the same key.
func (p *InboundProcessor) deserialize(pc *ProcessingContext) error {
	switch pc.Mapping.MappingType {
	case mapping.MappingTypeBinary:
		pc.Payload = map[string]any{"message": hex.EncodeToString(pc.RawPayload)}
		return nil
	default:
		var parsed any
		if err := json.Unmarshal(pc.RawPayload, &parsed); err != nil {
			return err
		}
		if obj, ok := parsed.(map[string]any); ok {
			pc.Payload = obj
		} else {
			pc.Payload = map[string]any{"message": parsed}
		}
		return nil
	}
}

// enrich patches the topic-level and context-data tokens into the payload so
// substitutions can reference them like ordinary fields.
func (p *InboundProcessor) enrich(pc *ProcessingContext) {
	levels := mapping.SplitTopic(pc.Topic)
	tokenLevels := make([]any, len(levels))
	for i, level := range levels {
		tokenLevels[i] = level
	}
	pc.Payload[mapping.TokenTopicLevel] = tokenLevels

	if pc.Mapping.SupportsMessageContext && len(pc.Key) > 0 {
		pc.Payload[mapping.TokenContextData] = map[string]any{
			mapping.ContextDataKeyName: string(pc.Key),
		}
	}
}

// snoop captures the raw payload and short-circuits: snooping never produces
// live side effects. The capture is recorded on the registry, never on the
// cached definition, which other worker goroutines read concurrently.
func (p *InboundProcessor) snoop(pc *ProcessingContext) {
	p.registry.RecordSnoop(pc.Tenant, pc.Mapping, string(pc.RawPayload))
	pc.IgnoreFurtherProcessing = true
	pc.Snooped = true
	p.logger.Debug().
		Str("tenant", pc.Tenant).
		Str("mapping", pc.Mapping.Identifier).
		Msg("Payload snooped.")
}

// extract runs the mapping's extractor. It returns true when the pipeline
// should stop here: on extractor error or total extraction failure.
func (p *InboundProcessor) extract(ctx context.Context, pc *ProcessingContext) bool {
	extractor, err := p.extractors.For(pc.Mapping.TransformationType)
	if err != nil {
		p.fail(pc, err)
		return true
	}
	result, err := extractor.Extract(ctx, substitution.Input{
		Tenant:  pc.Tenant,
		Mapping: pc.Mapping,
		Payload: pc.Payload,
		Topic:   pc.Topic,
	})
	if err != nil {
		p.fail(pc, fmt.Errorf("extraction: %w", err))
		return true
	}
	if result.Empty() {
		// Total extraction failure: skip the message without an error.
		pc.IgnoreFurtherProcessing = true
		return true
	}
	pc.Cache = result.Cache
	pc.Alarms = append(pc.Alarms, result.Alarms...)

	if len(result.DeviceMessages) > 0 {
		p.requestsFromDeviceMessages(pc, result.DeviceMessages)
	}
	return false
}

// requestsFromDeviceMessages converts smart-function output straight into
// independent requests, bypassing document building.
func (p *InboundProcessor) requestsFromDeviceMessages(pc *ProcessingContext, messages []substitution.DeviceMessage) {
	for i, dm := range messages {
		doc, ok := dm.Payload.(map[string]any)
		if !ok {
			doc = map[string]any{"message": dm.Payload}
		}
		method := MethodCreate
		if dm.Action != "" {
			method = dm.Action
		}
		pc.Requests = append(pc.Requests, Request{
			Index:       i,
			Predecessor: -1,
			API:         dm.TargetAPI,
			Method:      method,
			Document:    doc,
			ExternalID:  dm.ExternalSource,
		})
	}
}

// buildDocuments merges the processing cache into target documents. Identity
// entries steer request construction and are withheld from the documents.
func (p *InboundProcessor) buildDocuments(pc *ProcessingContext) error {
	content := make(substitution.Cache, len(pc.Cache))
	for target, values := range pc.Cache {
		if target == identityPath {
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

// buildRequests creates one request per document, resolving the extracted
// device identity. A missing device with createNonExistingDevice set inserts
// an implicit inventory request as the document request's predecessor.
func (p *InboundProcessor) buildRequests(ctx context.Context, pc *ProcessingContext) error {
	m := pc.Mapping
	identityCandidates := pc.Cache[identityPath]

	for i, doc := range pc.Documents {
		req := Request{
			Index:       len(pc.Requests),
			Predecessor: -1,
			API:         m.TargetAPI,
			Method:      MethodCreate,
			Document:    doc,
		}
		if m.TargetAPI == mapping.APIInventory && m.UpdateExistingDevice {
			req.Method = MethodUpdate
		}

		ext := candidateAt(identityCandidates, i)
		if ext != "" {
			req.ExternalID = ext
			device, err := p.resolveDevice(ctx, pc, &req, ext)
			if err != nil {
				return err
			}
			req.InternalID = device.InternalID
		}
		req.Index = len(pc.Requests)
		pc.Requests = append(pc.Requests, req)
	}
	return nil
}

// resolveDevice maps an external identity to the internal id, creating the
// device implicitly when the mapping allows it.
func (p *InboundProcessor) resolveDevice(ctx context.Context, pc *ProcessingContext, req *Request, externalValue string) (identity.Device, error) {
	m := pc.Mapping
	idType := m.ExternalIDType
	if idType == "" {
		idType = defaultExternalIDType
	}
	ext := identity.ExternalID{Type: idType, Value: externalValue}

	device, err := p.resolver.Resolve(ctx, pc.Tenant, ext)
	if err == nil {
		return device, nil
	}
	if !isNotFound(err) {
		return identity.Device{}, fmt.Errorf("identity resolution for %s: %w", ext, err)
	}
	if !m.CreateNonExistingDevice {
		return identity.Device{}, fmt.Errorf("identity resolution for %s: %w", ext, err)
	}

	// Implicit device creation: an inventory request precedes the document
	// request so the device exists before data references it.
	device = identity.Device{
		InternalID: uuid.NewString(),
		External:   ext,
		Name:       "device_" + externalValue,
	}
	inventory := Request{
		Index:       len(pc.Requests),
		Predecessor: -1,
		API:         mapping.APIInventory,
		Method:      MethodCreate,
		Document: map[string]any{
			"name":       device.Name,
			"externalId": ext.Value,
			"type":       ext.Type,
		},
		ExternalID: ext.Value,
		InternalID: device.InternalID,
	}
	pc.Requests = append(pc.Requests, inventory)
	req.Predecessor = inventory.Index

	if err := p.resolver.Register(ctx, pc.Tenant, device); err != nil {
		return identity.Device{}, fmt.Errorf("registering device %s: %w", ext, err)
	}
	p.logger.Info().
		Str("tenant", pc.Tenant).
		Str("external_id", ext.Value).
		Str("internal_id", device.InternalID).
		Msg("Created non-existing device.")
	return device, nil
}

// candidateAt picks the identity value for document i, replicating a single
// shared candidate across the whole fan-out.
func candidateAt(candidates []substitution.SubstituteValue, i int) string {
	if len(candidates) == 0 {
		return ""
	}
	value := candidates[len(candidates)-1].Value
	if i < len(candidates) {
		value = candidates[i].Value
	}
	if s, ok := value.(string); ok {
		return s
	}
	if value == nil {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

// dispatch sends the request batch in index order. Sequential dispatch
// trivially honors predecessor chains; a failed request fails the rest of its
// chain but the error mode decides whether counters move.
func (p *InboundProcessor) dispatch(ctx context.Context, pc *ProcessingContext) {
	for _, req := range pc.Requests {
		payload, err := json.Marshal(req.Document)
		if err != nil {
			p.fail(pc, fmt.Errorf("marshal request %d: %w", req.Index, err))
			return
		}
		_, err = p.dispatcher.Dispatch(ctx, connector.PlatformMessage{
			Tenant:   pc.Tenant,
			API:      req.API,
			Method:   req.Method,
			Payload:  payload,
			DeviceID: req.InternalID,
		})
		if err != nil {
			p.fail(pc, fmt.Errorf("dispatch request %d: %w", req.Index, err))
			return
		}
	}
	if p.mode == ModeProduction {
		p.registry.RecordSuccess(pc.Tenant, pc.Mapping)
	}
}

// fail applies the error-mode policy to a stage failure.
func (p *InboundProcessor) fail(pc *ProcessingContext, err error) {
	pc.recordError(err)
	if p.mode == ModeProduction {
		p.registry.RecordError(pc.Tenant, pc.Mapping)
		pc.IgnoreFurtherProcessing = true
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, identity.ErrNotFound)
}
