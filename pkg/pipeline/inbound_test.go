package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapping-gateway/pkg/connector"
	"github.com/illmade-knight/go-mapping-gateway/pkg/identity"
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/pipeline"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
	"github.com/illmade-knight/go-mapping-gateway/pkg/substitution"
)

// fakeDispatcher records dispatched platform messages in order.
type fakeDispatcher struct {
	mu       sync.Mutex
	messages []connector.PlatformMessage
	err      error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, msg connector.PlatformMessage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.messages = append(d.messages, msg)
	return "msg-id", nil
}

func (d *fakeDispatcher) Stop(_ context.Context) error { return nil }

type fixture struct {
	registry   *registry.Registry
	resolver   *identity.InMemorySource
	dispatcher *fakeDispatcher
	processor  *pipeline.InboundProcessor
}

func newFixture(t *testing.T, mode pipeline.Mode, mappings ...*mapping.Mapping) *fixture {
	t.Helper()
	reg := registry.New(zerolog.Nop())
	reg.Rebuild("t1", mappings)

	resolver := identity.NewInMemorySource()
	dispatcher := &fakeDispatcher{}
	filters := substitution.NewPathExtractor(zerolog.Nop())
	extractors := substitution.ExtractorSet{Default: filters}

	return &fixture{
		registry:   reg,
		resolver:   resolver,
		dispatcher: dispatcher,
		processor: pipeline.NewInboundProcessor(
			reg, extractors, filters, resolver, dispatcher, mode, zerolog.Nop()),
	}
}

func measurementMapping() *mapping.Mapping {
	return &mapping.Mapping{
		Identifier:         "temp",
		Direction:          mapping.DirectionInbound,
		Topic:              "devices/+/telemetry",
		TargetAPI:          mapping.APIMeasurement,
		MappingType:        mapping.MappingTypeJSON,
		TransformationType: mapping.TransformationDefault,
		TargetTemplate:     `{"type":"c8y_TemperatureMeasurement","c8y_Temperature":{"T":{"value":0}}}`,
		Substitutions: []mapping.Substitution{
			{PathSource: "t", PathTarget: "c8y_Temperature.T.value"},
			{PathSource: "source.id", PathTarget: "_IDENTITY_.externalId"},
		},
		Active: true,
	}
}

func inboundMsg(topic, payload string) connector.InboundMessage {
	return connector.InboundMessage{
		Tenant:      "t1",
		ConnectorID: "mqtt-a",
		Topic:       topic,
		Payload:     []byte(payload),
	}
}

func TestInbound_HappyPath(t *testing.T) {
	f := newFixture(t, pipeline.ModeProduction, measurementMapping())
	require.NoError(t, f.resolver.Register(context.Background(), "t1",
		identity.Device{InternalID: "internal-42", External: identity.ExternalID{Type: "c8y_Serial", Value: "d42"}}))

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d42/telemetry", `{"t":21.5,"source":{"id":"d42"}}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.Empty(t, pc.Errors)
	require.Len(t, pc.Requests, 1)

	req := pc.Requests[0]
	assert.Equal(t, mapping.APIMeasurement, req.API)
	assert.Equal(t, "d42", req.ExternalID)
	assert.Equal(t, "internal-42", req.InternalID)
	assert.Equal(t, -1, req.Predecessor)
	// The identity entry steers the request but never lands in the document.
	assert.NotContains(t, req.Document, "_IDENTITY_")
	temperature := req.Document["c8y_Temperature"].(map[string]any)["T"].(map[string]any)
	assert.Equal(t, 21.5, temperature["value"])

	require.Len(t, f.dispatcher.messages, 1)
	assert.Equal(t, "internal-42", f.dispatcher.messages[0].DeviceID)

	status, _ := f.registry.Status("t1", "temp")
	assert.Equal(t, int64(1), status.MessagesReceived)
	assert.Equal(t, int64(0), status.Errors)
}

func TestInbound_TopicLevelToken(t *testing.T) {
	m := measurementMapping()
	m.Substitutions = []mapping.Substitution{
		{PathSource: "t", PathTarget: "c8y_Temperature.T.value"},
		{PathSource: "_TOPIC_LEVEL_[1]", PathTarget: "_IDENTITY_.externalId"},
	}
	m.CreateNonExistingDevice = true
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d7/telemetry", `{"t":1.0}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.Empty(t, pc.Errors)
	// The device id came from the topic, not the payload.
	last := pc.Requests[len(pc.Requests)-1]
	assert.Equal(t, "d7", last.ExternalID)
}

func TestInbound_SnoopCapturesAndShortCircuits(t *testing.T) {
	m := measurementMapping()
	m.Active = false
	m.SnoopStatus = mapping.SnoopEnabled
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `{"t":9.0}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	assert.True(t, pc.IgnoreFurtherProcessing)
	assert.True(t, pc.Snooped)
	assert.Empty(t, pc.Requests)
	assert.Empty(t, pc.Errors)
	assert.Empty(t, f.dispatcher.messages)

	// The capture lands on the registry; the shared definition is untouched.
	status, templates := f.registry.SnoopState("t1", "temp")
	assert.Equal(t, mapping.SnoopStarted, status)
	assert.Equal(t, []string{`{"t":9.0}`}, templates)
	assert.Empty(t, m.SnoopedTemplates)
	assert.Equal(t, mapping.SnoopEnabled, m.SnoopStatus)

	// Dirty copies carry the merged capture state.
	dirty := f.registry.TakeDirty("t1")
	require.Len(t, dirty, 1)
	assert.Equal(t, "temp", dirty[0].Identifier)
	assert.Equal(t, mapping.SnoopStarted, dirty[0].SnoopStatus)
	assert.Equal(t, []string{`{"t":9.0}`}, dirty[0].SnoopedTemplates)
}

func TestInbound_ConcurrentSnoopsStayBounded(t *testing.T) {
	m := measurementMapping()
	m.Active = false
	m.SnoopStatus = mapping.SnoopEnabled
	f := newFixture(t, pipeline.ModeProduction, m)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				f.processor.ProcessMessage(context.Background(),
					inboundMsg("devices/d1/telemetry", `{"t":1}`))
			}
		}()
	}
	wg.Wait()

	status, templates := f.registry.SnoopState("t1", "temp")
	assert.Equal(t, mapping.SnoopStarted, status)
	assert.Len(t, templates, mapping.SnoopedTemplatesMax)

	st, ok := f.registry.Status("t1", "temp")
	require.True(t, ok)
	assert.Equal(t, int64(100), st.MessagesReceived)
	assert.Equal(t, mapping.SnoopedTemplatesMax, st.SnoopedTemplatesTotal)
}

func TestInbound_TotalExtractionFailureSkipsWithoutError(t *testing.T) {
	m := measurementMapping()
	m.Substitutions = []mapping.Substitution{
		{PathSource: "missing.value", PathTarget: "c8y_Temperature.T.value"},
	}
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `{"other":1}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	assert.True(t, pc.IgnoreFurtherProcessing)
	assert.Empty(t, pc.Errors)
	assert.Empty(t, f.dispatcher.messages)

	status, _ := f.registry.Status("t1", "temp")
	assert.Equal(t, int64(0), status.Errors)
}

func TestInbound_ArrayExpansionFansOutRequests(t *testing.T) {
	m := measurementMapping()
	m.Substitutions = []mapping.Substitution{
		{PathSource: "values", PathTarget: "c8y_Temperature.T.value", ExpandArray: true},
		{PathSource: "source.id", PathTarget: "_IDENTITY_.externalId"},
	}
	f := newFixture(t, pipeline.ModeProduction, m)
	require.NoError(t, f.resolver.Register(context.Background(), "t1",
		identity.Device{InternalID: "internal-1", External: identity.ExternalID{Type: "c8y_Serial", Value: "d1"}}))

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `{"values":[1,2,3],"source":{"id":"d1"}}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.Empty(t, pc.Errors)
	require.Len(t, pc.Requests, 3)

	for i, want := range []float64{1, 2, 3} {
		value := pc.Requests[i].Document["c8y_Temperature"].(map[string]any)["T"].(map[string]any)["value"]
		assert.Equal(t, want, value)
		// The single device identity is replicated across the fan-out.
		assert.Equal(t, "internal-1", pc.Requests[i].InternalID)
	}
	assert.Len(t, f.dispatcher.messages, 3)
}

func TestInbound_CreateNonExistingDeviceInsertsPredecessor(t *testing.T) {
	m := measurementMapping()
	m.CreateNonExistingDevice = true
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/new/telemetry", `{"t":5.0,"source":{"id":"sn-new"}}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.Empty(t, pc.Errors)
	require.Len(t, pc.Requests, 2)

	inventory, measurement := pc.Requests[0], pc.Requests[1]
	assert.Equal(t, mapping.APIInventory, inventory.API)
	assert.Equal(t, -1, inventory.Predecessor)
	assert.Equal(t, mapping.APIMeasurement, measurement.API)
	assert.Equal(t, inventory.Index, measurement.Predecessor)
	assert.Equal(t, inventory.InternalID, measurement.InternalID)

	// Inventory dispatched before the measurement that depends on it.
	require.Len(t, f.dispatcher.messages, 2)
	assert.Equal(t, mapping.APIInventory, f.dispatcher.messages[0].API)

	// The device is now registered: a second message resolves directly.
	device, err := f.resolver.Resolve(context.Background(), "t1",
		identity.ExternalID{Type: "c8y_Serial", Value: "sn-new"})
	require.NoError(t, err)
	assert.Equal(t, inventory.InternalID, device.InternalID)
}

func TestInbound_UnknownDeviceErrorModes(t *testing.T) {
	t.Run("production increments counters", func(t *testing.T) {
		f := newFixture(t, pipeline.ModeProduction, measurementMapping())

		contexts := f.processor.ProcessMessage(context.Background(),
			inboundMsg("devices/x/telemetry", `{"t":1.0,"source":{"id":"ghost"}}`))

		require.Len(t, contexts, 1)
		pc := contexts[0]
		require.NotEmpty(t, pc.Errors)
		assert.True(t, pc.IgnoreFurtherProcessing)
		assert.ErrorIs(t, pc.Errors[0], identity.ErrNotFound)

		status, _ := f.registry.Status("t1", "temp")
		assert.Equal(t, int64(1), status.Errors)
		assert.Equal(t, int64(1), status.CurrentFailureCount)
	})

	t.Run("testing records on context only", func(t *testing.T) {
		f := newFixture(t, pipeline.ModeTesting, measurementMapping())

		contexts := f.processor.ProcessMessage(context.Background(),
			inboundMsg("devices/x/telemetry", `{"t":1.0,"source":{"id":"ghost"}}`))

		require.Len(t, contexts, 1)
		pc := contexts[0]
		require.NotEmpty(t, pc.Errors)
		assert.False(t, pc.IgnoreFurtherProcessing)

		status, _ := f.registry.Status("t1", "temp")
		assert.Equal(t, int64(0), status.Errors)
	})
}

func TestInbound_ConsecutiveFailuresResetOnSuccess(t *testing.T) {
	f := newFixture(t, pipeline.ModeProduction, measurementMapping())
	ctx := context.Background()

	// Two failures: unknown device.
	for i := 0; i < 2; i++ {
		f.processor.ProcessMessage(ctx, inboundMsg("devices/x/telemetry", `{"t":1.0,"source":{"id":"ghost"}}`))
	}
	status, _ := f.registry.Status("t1", "temp")
	assert.Equal(t, int64(2), status.CurrentFailureCount)

	// A success resets the streak.
	require.NoError(t, f.resolver.Register(ctx, "t1",
		identity.Device{InternalID: "i1", External: identity.ExternalID{Type: "c8y_Serial", Value: "ghost"}}))
	f.processor.ProcessMessage(ctx, inboundMsg("devices/x/telemetry", `{"t":1.0,"source":{"id":"ghost"}}`))

	status, _ = f.registry.Status("t1", "temp")
	assert.Equal(t, int64(0), status.CurrentFailureCount)
	assert.Equal(t, int64(2), status.Errors)
}

func TestInbound_FilterMismatchSkipsQuietly(t *testing.T) {
	m := measurementMapping()
	m.FilterMapping = `kind == "temperature"`
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `{"kind":"humidity","t":1.0}`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	assert.True(t, pc.IgnoreFurtherProcessing)
	assert.Empty(t, pc.Errors)
	assert.Empty(t, f.dispatcher.messages)
}

func TestInbound_DeserializeFailureIsFatal(t *testing.T) {
	f := newFixture(t, pipeline.ModeProduction, measurementMapping())

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `not json at all`))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.NotEmpty(t, pc.Errors)
	assert.True(t, pc.IgnoreFurtherProcessing)
	assert.Empty(t, f.dispatcher.messages)

	status, _ := f.registry.Status("t1", "temp")
	assert.Equal(t, int64(1), status.Errors)
}

func TestInbound_BinaryPayloadHexEncoded(t *testing.T) {
	m := measurementMapping()
	m.MappingType = mapping.MappingTypeBinary
	m.TargetTemplate = `{}`
	m.Substitutions = []mapping.Substitution{
		{PathSource: "message", PathTarget: "raw"},
	}
	f := newFixture(t, pipeline.ModeProduction, m)

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", "\x01\x02"))

	require.Len(t, contexts, 1)
	pc := contexts[0]
	require.Empty(t, pc.Errors)
	require.Len(t, pc.Requests, 1)
	assert.Equal(t, "0102", pc.Requests[0].Document["raw"])
}

func TestInbound_DispatchErrorRecorded(t *testing.T) {
	f := newFixture(t, pipeline.ModeProduction, measurementMapping())
	f.dispatcher.err = errors.New("platform unavailable")
	require.NoError(t, f.resolver.Register(context.Background(), "t1",
		identity.Device{InternalID: "i1", External: identity.ExternalID{Type: "c8y_Serial", Value: "d1"}}))

	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("devices/d1/telemetry", `{"t":1.0,"source":{"id":"d1"}}`))

	require.Len(t, contexts, 1)
	require.NotEmpty(t, contexts[0].Errors)
	status, _ := f.registry.Status("t1", "temp")
	assert.Equal(t, int64(1), status.Errors)
}

func TestInbound_NoMatchReturnsNothing(t *testing.T) {
	f := newFixture(t, pipeline.ModeProduction, measurementMapping())
	contexts := f.processor.ProcessMessage(context.Background(),
		inboundMsg("other/topic/entirely", `{}`))
	assert.Empty(t, contexts)
}
