package connector

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-mapping-gateway/pkg/mapping"
)

// PlatformMessage is one canonical request bound for the platform core: a
// target document plus the routing metadata the core needs to apply it.
type PlatformMessage struct {
	Tenant  string
	API     mapping.TargetAPI
	Method  string
	Payload []byte
	// DeviceID is the resolved internal device id, when known.
	DeviceID string
}

// PlatformDispatcher forwards canonical requests to the platform core.
// Dispatch is synchronous: it returns once the transport has accepted the
// message, so callers can sequence dependent requests.
type PlatformDispatcher interface {
	Dispatch(ctx context.Context, msg PlatformMessage) (string, error)
	Stop(ctx context.Context) error
}

// PubsubDispatcherConfig holds configuration for the Pub/Sub platform
// transport.
type PubsubDispatcherConfig struct {
	ProjectID                  string
	TopicID                    string
	BatchSize                  int           // Corresponds to Pub/Sub's CountThreshold.
	BatchDelay                 time.Duration // Corresponds to Pub/Sub's DelayThreshold.
	TopicExistsTimeout         time.Duration
	PublishConfirmationTimeout time.Duration
}

// NewPubsubDispatcherDefaults provides a config with sensible defaults.
func NewPubsubDispatcherDefaults() *PubsubDispatcherConfig {
	return &PubsubDispatcherConfig{
		BatchSize:                  100,
		BatchDelay:                 100 * time.Millisecond,
		TopicExistsTimeout:         15 * time.Second,
		PublishConfirmationTimeout: 20 * time.Second,
	}
}

// PubsubDispatcher publishes canonical requests to a Google Cloud Pub/Sub
// topic, leveraging the client's built-in batching.
type PubsubDispatcher struct {
	topic          *pubsub.Topic
	logger         zerolog.Logger
	confirmTimeout time.Duration
}

// NewPubsubDispatcher validates the topic's existence before returning a
// functional dispatcher.
func NewPubsubDispatcher(
	ctx context.Context,
	cfg *PubsubDispatcherConfig,
	client *pubsub.Client,
	logger zerolog.Logger,
) (*PubsubDispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for dispatcher")
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.DelayThreshold = cfg.BatchDelay
	topic.PublishSettings.CountThreshold = cfg.BatchSize
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, cfg.TopicExistsTimeout)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	logger.Info().Str("topic_id", cfg.TopicID).Msg("PubsubDispatcher initialized successfully.")
	return &PubsubDispatcher{
		topic:          topic,
		logger:         logger.With().Str("component", "PubsubDispatcher").Str("topic_id", cfg.TopicID).Logger(),
		confirmTimeout: cfg.PublishConfirmationTimeout,
	}, nil
}

// Dispatch publishes one canonical request and waits for the server's
// confirmation. Ordering between dependent requests is the caller's concern;
// waiting here gives them a completed predecessor to order against.
func (d *PubsubDispatcher) Dispatch(ctx context.Context, msg PlatformMessage) (string, error) {
	res := d.topic.Publish(ctx, &pubsub.Message{
		Data: msg.Payload,
		Attributes: map[string]string{
			"tenant":   msg.Tenant,
			"api":      string(msg.API),
			"method":   msg.Method,
			"deviceId": msg.DeviceID,
		},
	})

	getCtx, cancel := context.WithTimeout(ctx, d.confirmTimeout)
	defer cancel()
	msgID, err := res.Get(getCtx)
	if err != nil {
		d.logger.Error().Err(err).Str("tenant", msg.Tenant).Msg("Failed to get publish result.")
		return "", err
	}
	d.logger.Debug().Str("pubsub_msg_id", msgID).Str("tenant", msg.Tenant).Msg("Request dispatched to platform.")
	return msgID, nil
}

// Stop flushes buffered messages and stops the topic client, respecting the
// context's deadline.
func (d *PubsubDispatcher) Stop(ctx context.Context) error {
	d.logger.Info().Msg("Flushing remaining messages and stopping Pub/Sub topic...")
	stopDone := make(chan struct{})
	go func() {
		d.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		d.logger.Info().Msg("Pub/Sub topic stopped.")
		return nil
	case <-ctx.Done():
		d.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topic to flush and stop.")
		return ctx.Err()
	}
}
