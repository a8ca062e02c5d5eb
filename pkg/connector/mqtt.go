package connector

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig holds the connection parameters for one tenant MQTT connector.
type MQTTConfig struct {
	// Identifier names the connector within its tenant.
	Identifier string
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// added automatically since most brokers require unique client ids.
	ClientIDPrefix string
	Username       string
	Password       string

	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	ReconnectWaitMax time.Duration

	// CACertFile is an optional path to a CA certificate for verifying the
	// broker's certificate.
	CACertFile string
	// ClientCertFile and ClientKeyFile enable mTLS authentication.
	ClientCertFile string
	ClientKeyFile  string
	// InsecureSkipVerify skips TLS certificate verification. Not recommended
	// for production environments.
	InsecureSkipVerify bool
}

func (c *MQTTConfig) applyDefaults() {
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReconnectWaitMax <= 0 {
		c.ReconnectWaitMax = 120 * time.Second
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = "mapping-gateway-"
	}
}

// MQTTClient is the paho-backed connector. Subscriptions added at runtime are
// tracked so a reconnect restores them; the broker drops session state on
// clean-session reconnects.
type MQTTClient struct {
	tenant  string
	cfg     *MQTTConfig
	handler MessageHandler
	logger  zerolog.Logger

	paho mqtt.Client

	mu     sync.Mutex
	topics map[string]byte
}

// NewMQTTClient creates a connector for one tenant. It does not connect until
// Connect is called.
func NewMQTTClient(tenant string, cfg *MQTTConfig, handler MessageHandler, logger zerolog.Logger) (*MQTTClient, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.Identifier == "" {
		return nil, fmt.Errorf("connector identifier is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("message handler is required")
	}
	cfg.applyDefaults()
	return &MQTTClient{
		tenant:  tenant,
		cfg:     cfg,
		handler: handler,
		logger: logger.With().
			Str("component", "MQTTClient").
			Str("tenant", tenant).
			Str("connector", cfg.Identifier).
			Logger(),
		topics: make(map[string]byte),
	}, nil
}

// Identifier returns the connector's identifier within its tenant.
func (c *MQTTClient) Identifier() string {
	return c.cfg.Identifier
}

// Connect establishes the broker connection. The paho client keeps retrying
// in the background if the initial attempt fails.
func (c *MQTTClient) Connect(ctx context.Context) error {
	opts := c.createOptions()
	c.paho = mqtt.NewClient(opts)

	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Attempting to connect to MQTT broker...")
	token := c.paho.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.logger.Warn().Msg("Initial MQTT connection timed out. The paho client will continue to retry in the background.")
		return nil
	}
	if err := token.Error(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to connect to MQTT broker on startup. The paho client will continue to retry in the background.")
		return nil
	}
	c.logger.Info().Msg("Initial connection to MQTT broker successful.")
	return nil
}

// Disconnect closes the broker connection.
func (c *MQTTClient) Disconnect(_ context.Context) error {
	if c.paho != nil && c.paho.IsConnected() {
		c.paho.Disconnect(500) // 500ms grace period
		c.logger.Info().Msg("Paho MQTT client disconnected.")
	}
	return nil
}

// IsConnected reports the paho client's connection state.
func (c *MQTTClient) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnected()
}

// Subscribe adds a topic subscription and tracks it for restoration after a
// reconnect.
func (c *MQTTClient) Subscribe(_ context.Context, topic string, qos byte) error {
	if c.paho == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	c.topics[topic] = qos
	c.mu.Unlock()

	token := c.paho.Subscribe(topic, qos, c.onMessage)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, token.Error())
	}
	return nil
}

// Unsubscribe removes a topic subscription.
func (c *MQTTClient) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	if c.paho == nil || !c.paho.IsConnected() {
		return nil
	}
	token := c.paho.Unsubscribe(topic)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("unsubscribe from %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends an outbound payload to the broker.
func (c *MQTTClient) Publish(_ context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if c.paho == nil || !c.paho.IsConnected() {
		return ErrNotConnected
	}
	token := c.paho.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("publish to %s: %w", topic, token.Error())
	}
	return nil
}

// onMessage converts a paho delivery into an InboundMessage for the handler.
func (c *MQTTClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())

	c.handler(context.Background(), InboundMessage{
		Tenant:      c.tenant,
		ConnectorID: c.cfg.Identifier,
		Topic:       msg.Topic(),
		Payload:     payloadCopy,
		ReceivedAt:  time.Now().UTC(),
	})
}

func (c *MQTTClient) createOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	uniqueSuffix := time.Now().UnixNano() % 1000000
	opts.SetClientID(fmt.Sprintf("%s%d", c.cfg.ClientIDPrefix, uniqueSuffix))
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectWaitMax)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")
		c.restoreSubscriptions(client)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// restoreSubscriptions re-establishes every tracked subscription after a
// (re)connect.
func (c *MQTTClient) restoreSubscriptions(client mqtt.Client) {
	c.mu.Lock()
	topics := make(map[string]byte, len(c.topics))
	for topic, qos := range c.topics {
		topics[topic] = qos
	}
	c.mu.Unlock()

	for topic, qos := range topics {
		token := client.Subscribe(topic, qos, c.onMessage)
		go func(topic string) {
			if token.WaitTimeout(5*time.Second) && token.Error() != nil {
				c.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to restore MQTT subscription.")
			} else {
				c.logger.Info().Str("topic", topic).Msg("MQTT subscription restored.")
			}
		}(topic)
	}
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
