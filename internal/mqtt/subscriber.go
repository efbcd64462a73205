package mqtt

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/protocol"
)

// subscribeClient is the part of Client the subscriber needs
type subscribeClient interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
}

// ResponseSubscriber listens on the response wildcard and feeds the correlator
type ResponseSubscriber struct {
	client     subscribeClient
	topics     Topics
	qos        byte
	correlator *Correlator
	logger     *logrus.Entry
}

// NewResponseSubscriber creates a subscriber for device reset responses
func NewResponseSubscriber(client subscribeClient, topics Topics, qos byte, correlator *Correlator, logger logrus.FieldLogger) *ResponseSubscriber {
	return &ResponseSubscriber{
		client:     client,
		topics:     topics,
		qos:        qos,
		correlator: correlator,
		logger:     logger.WithField("component", "mqtt_subscriber"),
	}
}

// Subscribe registers the wildcard response subscription
func (s *ResponseSubscriber) Subscribe(ctx context.Context) error {
	topic := s.topics.ResponseWildcard()
	if err := s.client.Subscribe(ctx, topic, s.qos, s.handleResponse); err != nil {
		return err
	}
	s.logger.WithField("topic", topic).Info("Subscribed to response topic")
	return nil
}

// handleResponse decodes a device response and delivers it to a waiting command
func (s *ResponseSubscriber) handleResponse(_ mqtt.Client, msg mqtt.Message) {
	deviceID, ok := s.topics.DeviceFromResponse(msg.Topic())
	if !ok {
		s.logger.WithField("topic", msg.Topic()).Warn("Could not extract device ID from topic")
		return
	}

	resp, err := protocol.DecodeResponse(msg.Payload())
	if err != nil {
		s.logger.WithError(err).WithField("device_id", deviceID).Warn("Error decoding reset response")
		return
	}

	fields := logrus.Fields{
		"device_id": deviceID,
		"channel":   int(resp.Channel),
		"success":   resp.Success,
	}
	if !s.correlator.Deliver(deviceID, resp) {
		s.logger.WithFields(fields).Info("Dropping reset response with no pending command")
		return
	}
	s.logger.WithFields(fields).Debug("Received reset response")
}
