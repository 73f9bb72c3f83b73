package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const opTimeout = 10 * time.Second

// Client wraps the Paho MQTT client used to fan transitions out to
// notifiers and reporting bots.
type Client struct {
	client paho.Client
	url    string
	log    zerolog.Logger
	mu     sync.Mutex
}

// NewClient creates a new MQTT client but does not connect. Publishes made
// while the broker is unreachable are queued by paho and retried after
// reconnect.
func NewClient(brokerURL, clientID string, log zerolog.Logger) *Client {
	c := &Client{url: brokerURL, log: log}
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.log.Warn().Err(err).Str("broker", brokerURL).Msg("mqtt connection lost")
		}).
		SetOnConnectHandler(func(paho.Client) {
			c.log.Info().Str("broker", brokerURL).Msg("mqtt connected")
		})
	c.client = paho.NewClient(opts)
	return c
}

// Connect attempts to connect to the broker.
// Returns an error if connection fails, but does not block indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "connect", Topic: c.url}
	}
	return token.Error()
}

// Publish sends payload at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(opTimeout) {
		return &TimeoutError{Op: "publish", Topic: topic}
	}
	return token.Error()
}

// Disconnect cleanly disconnects from the broker.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client.Disconnect(1000)
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// TimeoutError indicates a broker operation did not complete in time.
type TimeoutError struct {
	Op    string
	Topic string
}

func (e *TimeoutError) Error() string {
	return "mqtt " + e.Op + " timeout: " + e.Topic
}

// Start connects, logging failures without crashing. The engine keeps working
// offline; paho continues retrying in the background.
func (c *Client) Start() bool {
	if err := c.Connect(); err != nil {
		c.log.Warn().Err(err).Str("broker", c.url).Msg("mqtt: failed to connect")
		return false
	}
	return true
}
