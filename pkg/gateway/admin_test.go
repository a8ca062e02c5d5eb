package gateway_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-mapping-gateway/pkg/configstore"
	"github.com/illmade-knight/go-mapping-gateway/pkg/connector"
	"github.com/illmade-knight/go-mapping-gateway/pkg/gateway"
	"github.com/illmade-knight/go-mapping-gateway/pkg/identity"
	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
	"github.com/illmade-knight/go-mapping-gateway/pkg/pipeline"
	"github.com/illmade-knight/go-mapping-gateway/pkg/registry"
	"github.com/illmade-knight/go-mapping-gateway/pkg/substitution"
)

func TestActivateMapping_SubscribesAndPersists(t *testing.T) {
	m := telemetryMapping()
	m.Active = false
	f := newServiceFixture(t, m)
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Empty(t, f.broker.subscribed())
	require.Empty(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"))

	require.NoError(t, f.service.ActivateMapping(ctx, "t1", "temp"))

	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.subscribed())
	assert.Len(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"), 1)

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Active)
}

func TestDeactivateMapping_ReleasesSubscription(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Equal(t, 1, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))

	require.NoError(t, f.service.DeactivateMapping(ctx, "t1", "temp"))

	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.unsubscribed())
	assert.Equal(t, 0, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))
	assert.Empty(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"))

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, stored[0].Active)
}

func TestActivateMapping_UnknownIdentifier(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()
	require.NoError(t, f.service.LoadTenant(ctx, "t1"))

	err := f.service.ActivateMapping(ctx, "t1", "nope")
	require.ErrorIs(t, err, registry.ErrMappingNotFound)
}

func TestSetSnoop_InactiveMappingBecomesResolvable(t *testing.T) {
	m := telemetryMapping()
	m.Active = false
	f := newServiceFixture(t, m)
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Empty(t, f.broker.subscribed())

	require.NoError(t, f.service.SetSnoop(ctx, "t1", "temp"))

	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.subscribed())
	assert.Len(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"), 1)

	require.NoError(t, f.service.StopSnoop(ctx, "t1", "temp"))

	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.unsubscribed())
	assert.Empty(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"))

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, mapping.SnoopStopped, stored[0].SnoopStatus)
}

func TestSetSnoop_ActiveMappingKeepsSubscription(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Len(t, f.broker.subscribed(), 1)

	require.NoError(t, f.service.SetSnoop(ctx, "t1", "temp"))
	require.NoError(t, f.service.StopSnoop(ctx, "t1", "temp"))

	// The mapping stayed active throughout, so the broker saw no extra
	// traffic and the subscription is still held.
	assert.Len(t, f.broker.subscribed(), 1)
	assert.Empty(t, f.broker.unsubscribed())
	assert.Equal(t, 1, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))
}

func TestSetDebug_Persists(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()
	require.NoError(t, f.service.LoadTenant(ctx, "t1"))

	require.NoError(t, f.service.SetDebug(ctx, "t1", "temp", true))

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, stored[0].Debug)
}

func TestDeployMapping_ReconcilesConnectors(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	brokerB := newFakeBroker("mqtt-b")
	f.connectors.Register("t1", brokerB)
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Equal(t, []string{"devices/+/telemetry"}, f.broker.subscribed())

	require.NoError(t, f.service.DeployMapping(ctx, "t1", "temp", []string{"mqtt-b"}))

	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.unsubscribed())
	assert.Equal(t, []string{"devices/+/telemetry"}, brokerB.subscribed())
	assert.Equal(t, []string{"mqtt-b"}, f.service.DeploymentMap("t1")["temp"])

	stored, err := f.store.LoadDeploymentMap(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"mqtt-b"}, stored["temp"])
}

func TestResetDeploymentMap_ReleasesAllSubscriptions(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Equal(t, 1, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))

	require.NoError(t, f.service.ResetDeploymentMap(ctx, "t1"))

	assert.Equal(t, 0, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))
	assert.Empty(t, f.service.DeploymentMap("t1"))

	stored, err := f.store.LoadDeploymentMap(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRemoveConnector_ScrubsDeployments(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Equal(t, []string{"mqtt-a"}, f.service.DeploymentMap("t1")["temp"])

	require.NoError(t, f.service.RemoveConnector(ctx, "t1", "mqtt-a"))

	assert.False(t, f.broker.IsConnected())
	assert.Equal(t, []string{"devices/+/telemetry"}, f.broker.unsubscribed())
	assert.Empty(t, f.service.DeploymentMap("t1"))
	assert.Empty(t, f.service.Connectors("t1"))

	stored, err := f.store.LoadDeploymentMap(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestResetStatistics_ZeroesCounters(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()
	require.NoError(t, f.service.LoadTenant(ctx, "t1"))

	m, err := f.mappings.Get("t1", "temp")
	require.NoError(t, err)
	f.mappings.RecordReceived("t1", m)
	f.mappings.RecordError("t1", m)

	f.service.ResetStatistics("t1")

	status, ok := f.service.MappingStatus("t1", "temp")
	require.True(t, ok)
	assert.Zero(t, status.MessagesReceived)
	assert.Zero(t, status.Errors)
}

func TestReload_DropsRemovedMappings(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()

	require.NoError(t, f.service.LoadTenant(ctx, "t1"))
	require.Len(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"), 1)

	require.NoError(t, f.store.DeleteMapping(ctx, "t1", "temp"))
	require.NoError(t, f.service.Reload(ctx, "t1"))

	assert.Empty(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"))
	assert.Equal(t, 0, f.service.SubscriptionCount("t1", "mqtt-a", "devices/+/telemetry"))
}

func TestUpsertMapping_RejectsActiveMapping(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()
	require.NoError(t, f.service.LoadTenant(ctx, "t1"))

	replacement := telemetryMapping()
	replacement.TargetTemplate = `{"type":"changed"}`
	err := f.service.UpsertMapping(ctx, "t1", replacement)
	require.ErrorIs(t, err, mapping.ErrActiveImmutable)

	require.NoError(t, f.service.DeactivateMapping(ctx, "t1", "temp"))
	replacement.Active = false
	require.NoError(t, f.service.UpsertMapping(ctx, "t1", replacement))

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, `{"type":"changed"}`, stored[0].TargetTemplate)
	assert.NotEmpty(t, stored[0].ID)
}

func TestDeleteMapping_CleansUpDeployment(t *testing.T) {
	f := newServiceFixture(t, telemetryMapping())
	ctx := context.Background()
	require.NoError(t, f.service.LoadTenant(ctx, "t1"))

	err := f.service.DeleteMapping(ctx, "t1", "temp")
	require.ErrorIs(t, err, mapping.ErrActiveImmutable)

	require.NoError(t, f.service.DeactivateMapping(ctx, "t1", "temp"))
	require.NoError(t, f.service.DeleteMapping(ctx, "t1", "temp"))

	stored, err := f.store.LoadMappings(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, f.service.DeploymentMap("t1"))
	assert.Empty(t, f.mappings.ResolveInbound("t1", "devices/d1/telemetry"))
}

func TestClearCaches_EmptiesIdentityCache(t *testing.T) {
	ctx := context.Background()

	source := identity.NewInMemorySource()
	ext := identity.ExternalID{Type: "c8y_Serial", Value: "d1"}
	require.NoError(t, source.Register(ctx, "t1", identity.Device{InternalID: "i1", External: ext}))

	lru, err := identity.NewLRUResolver(10, source)
	require.NoError(t, err)

	reg := registry.New(zerolog.Nop())
	connectors := connector.NewRegistry(zerolog.Nop())
	filters := substitution.NewPathExtractor(zerolog.Nop())
	inbound := pipeline.NewInboundProcessor(
		reg, substitution.ExtractorSet{Default: filters}, filters, lru,
		&fakeDispatcher{}, pipeline.ModeProduction, zerolog.Nop())

	svc, err := gateway.NewService(
		gateway.ServiceConfig{}, configstore.NewInMemoryStore(), reg, connectors,
		lru, inbound, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = lru.Resolve(ctx, "t1", ext)
	require.NoError(t, err)
	require.Equal(t, 1, lru.Len())

	svc.ClearCaches()
	assert.Zero(t, lru.Len())
}
