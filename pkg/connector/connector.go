// Package connector manages the gateway's broker connections: the client
// contract every transport implements, the per-tenant registry with
// reference-counted subscriptions, and the concrete MQTT client.
package connector

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected reports an operation attempted on a disconnected client.
var ErrNotConnected = errors.New("connector is not connected")

// InboundMessage is one message received from a broker, before any mapping
// has been applied.
type InboundMessage struct {
	Tenant      string
	ConnectorID string
	Topic       string
	Payload     []byte
	// Key is the transport message key, exposed to substitutions when a
	// mapping supports message context.
	Key        []byte
	ReceivedAt time.Time
}

// MessageHandler receives every inbound message from a client. Handlers must
// not block the transport's delivery goroutine for long; the pipeline hands
// the message to a worker pool immediately.
type MessageHandler func(ctx context.Context, msg InboundMessage)

// Client is one broker connection owned by a tenant. Implementations are safe
// for concurrent use; subscription bookkeeping lives in the Registry, so
// Subscribe and Unsubscribe are called exactly once per distinct topic.
type Client interface {
	// Identifier is unique per tenant.
	Identifier() string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error

	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}
