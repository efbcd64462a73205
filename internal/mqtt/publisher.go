package mqtt

import (
	"context"

	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/protocol"
)

// publishClient is the part of Client the publisher needs
type publishClient interface {
	IsConnected() bool
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Publisher sends reset commands to concrete device topics
type Publisher struct {
	client publishClient
	topics Topics
	qos    byte
	logger *logrus.Entry
}

// PublisherConfig holds configuration for the command publisher
type PublisherConfig struct {
	Topics Topics
	QoS    byte
}

// NewPublisher creates a new command publisher
func NewPublisher(client publishClient, config PublisherConfig, logger logrus.FieldLogger) *Publisher {
	return &Publisher{
		client: client,
		topics: config.Topics,
		qos:    config.QoS,
		logger: logger.WithField("component", "mqtt_publisher"),
	}
}

// IsConnected reports whether the underlying connection is up
func (p *Publisher) IsConnected() bool {
	return p.client.IsConnected()
}

// PublishReset encodes the reset frame for ch and publishes it to the device topic.
// An invalid channel fails before anything is sent.
func (p *Publisher) PublishReset(ctx context.Context, deviceID string, ch models.Channel) error {
	frame, err := protocol.EncodeResetFrame(ch)
	if err != nil {
		return err
	}

	topic, err := p.topics.Command(deviceID)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, topic, p.qos, frame); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"channel":   int(ch),
		"topic":     topic,
	}).Info("Published reset command")
	return nil
}
