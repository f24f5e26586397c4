package mqtt

import (
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/logging"
)

const (
	defaultBrokerURL = "tcp://localhost:1883"
	tokenTimeout     = 10 * time.Second
)

// ClientOptions configures the broker connection.
type ClientOptions struct {
	URL      string
	ClientID string
	Username string
	Password string
	// OnConnect runs after every successful (re)connect.
	OnConnect func()
	// OnConnectionLost runs when an established connection drops.
	OnConnectionLost func(error)
}

// Client wraps the Paho MQTT client.
type Client struct {
	client paho.Client
	url    string
	log    zerolog.Logger
	mu     sync.Mutex
}

// NewClient creates a new MQTT client but does not connect.
func NewClient(o ClientOptions) *Client {
	url := o.URL
	if url == "" {
		url = defaultBrokerURL
	}
	opts := paho.NewClientOptions().
		AddBroker(url).
		SetClientID(o.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.OnConnect != nil {
		opts.SetOnConnectHandler(func(paho.Client) { o.OnConnect() })
	}
	if o.OnConnectionLost != nil {
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) { o.OnConnectionLost(err) })
	}

	return &Client{
		client: paho.NewClient(opts),
		url:    url,
		log:    logging.Component("mqtt"),
	}
}

// URL returns the broker URL the client dials.
func (c *Client) URL() string {
	return c.url
}

// Connect attempts to connect to the broker.
// Returns an error if connection fails, but does not block indefinitely.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Connect()
	if !token.WaitTimeout(tokenTimeout) {
		return &ConnectTimeoutError{}
	}
	return token.Error()
}

// Subscribe subscribes to a topic with the given handler.
func (c *Client) Subscribe(topic string, handler paho.MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := c.client.Subscribe(topic, 1, handler)
	if !token.WaitTimeout(tokenTimeout) {
		return &SubscribeTimeoutError{Topic: topic}
	}
	return token.Error()
}

// Publish sends payload to topic at QoS 1.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(tokenTimeout) {
		return &PublishTimeoutError{Topic: topic}
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

// ConnectTimeoutError indicates connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// SubscribeTimeoutError indicates subscription timed out.
type SubscribeTimeoutError struct {
	Topic string
}

func (e *SubscribeTimeoutError) Error() string {
	return "mqtt subscribe timeout: " + e.Topic
}

// PublishTimeoutError indicates a publish was not acknowledged in time.
type PublishTimeoutError struct {
	Topic string
}

func (e *PublishTimeoutError) Error() string {
	return "mqtt publish timeout: " + e.Topic
}

// Start connects, logging errors but not crashing. Returns true if
// connected. With SetConnectRetry the client keeps retrying in the
// background after a failed first attempt.
func (c *Client) Start() bool {
	if err := c.Connect(); err != nil {
		c.log.Warn().Err(err).Str("url", c.url).Msg("failed to connect to broker")
		return false
	}
	c.log.Info().Str("url", c.url).Msg("connected to broker")
	return true
}
