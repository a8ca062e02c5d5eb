package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// ErrConnectorNotFound is returned when an operation names an unregistered
// connector.
var ErrConnectorNotFound = errors.New("connector not found")

// subscription is the reference count for one topic on one connector. The
// broker subscription exists while count > 0; mappings sharing a pattern
// share it. ready is closed once the 0-to-1 broker call has finished, with
// its outcome in err; holders arriving in the meantime wait on it instead of
// reporting success for a subscription that may still fail.
type subscription struct {
	count int
	qos   byte
	ready chan struct{}
	err   error
}

// Registry holds every tenant's connectors and their reference-counted topic
// subscriptions. The broker is only contacted on 0-to-1 and 1-to-0
// transitions, so two mappings on the same pattern cost one subscription.
type Registry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]map[string]Client
	subs    map[string]map[string]map[string]*subscription
}

// NewRegistry creates an empty connector registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:  logger.With().Str("component", "ConnectorRegistry").Logger(),
		clients: make(map[string]map[string]Client),
		subs:    make(map[string]map[string]map[string]*subscription),
	}
}

// Register adds a connector for a tenant, replacing any previous registration
// under the same identifier.
func (r *Registry) Register(tenant string, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.clients[tenant]
	if !ok {
		byID = make(map[string]Client)
		r.clients[tenant] = byID
	}
	byID[client.Identifier()] = client
	r.logger.Info().
		Str("tenant", tenant).
		Str("connector", client.Identifier()).
		Msg("Connector registered.")
}

// Deregister removes a connector, unsubscribing every topic it still holds
// and disconnecting it.
func (r *Registry) Deregister(ctx context.Context, tenant, connectorID string) error {
	r.mu.Lock()
	client, ok := r.clients[tenant][connectorID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tenant %s, connector %s", ErrConnectorNotFound, tenant, connectorID)
	}
	topics := r.subs[tenant][connectorID]
	delete(r.subs[tenant], connectorID)
	delete(r.clients[tenant], connectorID)
	r.mu.Unlock()

	var errs []error
	for topic := range topics {
		if err := client.Unsubscribe(ctx, topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", topic, err))
		}
	}
	if err := client.Disconnect(ctx); err != nil {
		errs = append(errs, err)
	}
	r.logger.Info().
		Str("tenant", tenant).
		Str("connector", connectorID).
		Msg("Connector deregistered.")
	return errors.Join(errs...)
}

// Client returns a tenant's connector by identifier.
func (r *Registry) Client(tenant, connectorID string) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	client, ok := r.clients[tenant][connectorID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %s, connector %s", ErrConnectorNotFound, tenant, connectorID)
	}
	return client, nil
}

// List returns the identifiers of a tenant's connectors.
func (r *Registry) List(tenant string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.clients[tenant]))
	for id := range r.clients[tenant] {
		ids = append(ids, id)
	}
	return ids
}

// FailureMap records which connectors failed an operation and why, keyed by
// connector identifier. Administrative callers surface it directly for
// partial-success responses.
type FailureMap map[string]error

// Err folds the map into one error, each entry wrapped with its connector
// identifier. Nil when every connector succeeded.
func (f FailureMap) Err() error {
	if len(f) == 0 {
		return nil
	}
	errs := make([]error, 0, len(f))
	for connectorID, err := range f {
		errs = append(errs, fmt.Errorf("connector %s: %w", connectorID, err))
	}
	return errors.Join(errs...)
}

// SubscribeMapping adds one subscription reference for the mapping's pattern
// on each named connector. The broker is contacted only when a topic's count
// crosses zero. A failing connector does not block the others; the returned
// map holds one entry per failed connector.
func (r *Registry) SubscribeMapping(ctx context.Context, tenant string, m *mapping.Mapping, connectorIDs []string) FailureMap {
	topic := m.ResolvePattern()
	qos := byte(m.QOS)

	failures := make(FailureMap)
	for _, connectorID := range connectorIDs {
		if err := r.addReference(ctx, tenant, connectorID, topic, qos); err != nil {
			failures[connectorID] = err
		}
	}
	return failures
}

// UnsubscribeMapping drops one subscription reference for the mapping's
// pattern on each named connector, unsubscribing at the broker when the last
// reference goes.
func (r *Registry) UnsubscribeMapping(ctx context.Context, tenant string, m *mapping.Mapping, connectorIDs []string) FailureMap {
	topic := m.ResolvePattern()

	failures := make(FailureMap)
	for _, connectorID := range connectorIDs {
		if err := r.dropReference(ctx, tenant, connectorID, topic); err != nil {
			failures[connectorID] = err
		}
	}
	return failures
}

func (r *Registry) addReference(ctx context.Context, tenant, connectorID, topic string, qos byte) error {
	r.mu.Lock()
	client, ok := r.clients[tenant][connectorID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectorNotFound
	}
	byConnector, ok := r.subs[tenant]
	if !ok {
		byConnector = make(map[string]map[string]*subscription)
		r.subs[tenant] = byConnector
	}
	byTopic, ok := byConnector[connectorID]
	if !ok {
		byTopic = make(map[string]*subscription)
		byConnector[connectorID] = byTopic
	}
	sub, ok := byTopic[topic]
	if ok {
		sub.count++
		r.mu.Unlock()
		// Wait for the in-flight broker call; for an established
		// subscription ready is already closed.
		<-sub.ready
		r.mu.Lock()
		err := sub.err
		if err != nil {
			r.releaseLocked(byTopic, topic, sub)
		}
		r.mu.Unlock()
		return err
	}
	sub = &subscription{count: 1, qos: qos, ready: make(chan struct{})}
	byTopic[topic] = sub
	r.mu.Unlock()

	err := awaitConnected(ctx, client)
	if err == nil {
		err = client.Subscribe(ctx, topic, qos)
	}

	r.mu.Lock()
	sub.err = err
	close(sub.ready)
	if err != nil {
		// Roll our own reference back; waiters that joined meanwhile
		// release theirs, and the entry goes once the last one has, so
		// a retry crosses zero again.
		r.releaseLocked(byTopic, topic, sub)
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Info().
		Str("tenant", tenant).
		Str("connector", connectorID).
		Str("topic", topic).
		Msg("Subscribed at broker.")
	return nil
}

// releaseLocked drops one reference from a failed subscription, removing the
// entry when the last holder lets go. Callers hold the lock.
func (r *Registry) releaseLocked(byTopic map[string]*subscription, topic string, sub *subscription) {
	sub.count--
	if sub.count == 0 {
		delete(byTopic, topic)
	}
}

func (r *Registry) dropReference(ctx context.Context, tenant, connectorID, topic string) error {
	r.mu.Lock()
	client, ok := r.clients[tenant][connectorID]
	if !ok {
		r.mu.Unlock()
		return ErrConnectorNotFound
	}
	sub, ok := r.subs[tenant][connectorID][topic]
	if !ok {
		// Already gone; dropping an absent reference is not an error.
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	// Never cross a pending 0-to-1 broker call.
	<-sub.ready

	r.mu.Lock()
	current, ok := r.subs[tenant][connectorID][topic]
	if !ok || current != sub || sub.err != nil {
		// The subscription failed and unwound itself meanwhile.
		r.mu.Unlock()
		return nil
	}
	sub.count--
	if sub.count > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.subs[tenant][connectorID], topic)
	r.mu.Unlock()

	if err := client.Unsubscribe(ctx, topic); err != nil {
		return err
	}
	r.logger.Info().
		Str("tenant", tenant).
		Str("connector", connectorID).
		Str("topic", topic).
		Msg("Unsubscribed at broker.")
	return nil
}

// SubscriptionCount reports the reference count for one topic on one
// connector. Monitoring surfaces use it; zero means no broker subscription.
func (r *Registry) SubscriptionCount(tenant, connectorID, topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[tenant][connectorID][topic]
	if !ok {
		return 0
	}
	return sub.count
}

// Publish sends a payload through one of a tenant's connectors.
func (r *Registry) Publish(ctx context.Context, tenant, connectorID, topic string, qos byte, retain bool, payload []byte) error {
	client, err := r.Client(tenant, connectorID)
	if err != nil {
		return err
	}
	if err := awaitConnected(ctx, client); err != nil {
		return err
	}
	return client.Publish(ctx, topic, qos, retain, payload)
}

// connectWait bounds how long broker operations wait for a client that is
// still establishing its connection.
const connectWait = 10 * time.Second

// awaitConnected polls until the client reports connected. Paho reconnects
// in the background, so a short wait bridges the gap between registration
// and the first successful broker handshake.
func awaitConnected(ctx context.Context, client Client) error {
	if client.IsConnected() {
		return nil
	}
	deadline := time.NewTimer(connectWait)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if client.IsConnected() {
				return nil
			}
		case <-deadline.C:
			return ErrNotConnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
