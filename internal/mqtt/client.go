package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
)

// Client manages the MQTT connection (low-level connection management only).
// For device commands and responses use Publisher and ResponseSubscriber.
type Client struct {
	client mqtt.Client
	config ClientConfig
	logger *logrus.Entry

	mu            sync.Mutex
	subscriptions map[string]subscription
	onState       func(connected bool)
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// NewClient prepares a client; nothing touches the network until Connect
func NewClient(config ClientConfig, logger logrus.FieldLogger) *Client {
	c := &Client{
		config:        config,
		logger:        logger.WithField("component", "mqtt"),
		subscriptions: make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(c.messagePubHandler)
	opts.SetOnConnectHandler(c.connectHandler)
	opts.SetConnectionLostHandler(c.connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}

	c.client = mqtt.NewClient(opts)
	return c
}

// OnConnectionChange registers a callback fired on connect and connection loss
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Connect opens the broker connection, bounded by ctx
func (c *Client) Connect(ctx context.Context) error {
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %v: %w", c.config.Broker, err, errs.ErrTransportUnavailable)
	}
	c.logger.WithField("broker", c.config.Broker).Info("MQTT Client: Connected to broker")
	return nil
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends payload to a concrete topic and waits for the broker ack
func (c *Client) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if !c.client.IsConnected() {
		return fmt.Errorf("publish to %s: not connected: %w", topic, errs.ErrTransportUnavailable)
	}
	if err := waitToken(ctx, c.client.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish to %s: %v: %w", topic, err, errs.ErrTransportUnavailable)
	}
	return nil
}

// Subscribe registers handler for topic; subscriptions are restored after reconnect
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subscriptions[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if err := waitToken(ctx, c.client.Subscribe(topic, qos, handler)); err != nil {
		return fmt.Errorf("subscribe to %s: %v: %w", topic, err, errs.ErrTransportUnavailable)
	}
	return nil
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	c.logger.Info("MQTT Client: Disconnected")
}

// waitToken waits for a paho token without outliving ctx
func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connection event handlers
func (c *Client) messagePubHandler(_ mqtt.Client, msg mqtt.Message) {
	c.logger.WithField("topic", msg.Topic()).Debug("MQTT: Received message on unrouted topic")
}

func (c *Client) connectHandler(client mqtt.Client) {
	c.logger.Info("MQTT: Connection established")

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	onState := c.onState
	c.mu.Unlock()

	// Handlers must not block the paho router; resubscribe without waiting
	for topic, sub := range subs {
		client.Subscribe(topic, sub.qos, sub.handler)
	}
	if onState != nil {
		onState(true)
	}
}

func (c *Client) connectLostHandler(_ mqtt.Client, err error) {
	c.logger.WithError(err).Warn("MQTT: Connection lost")

	c.mu.Lock()
	onState := c.onState
	c.mu.Unlock()
	if onState != nil {
		onState(false)
	}
}
