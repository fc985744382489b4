package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clawinfra/tuneclaw/internal/config"
)

// MQTTClient is the slice of the paho client the sink uses, so tests can
// substitute a fake.
type MQTTClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// MQTTSink publishes events to <topic>/<type> with QoS 1.
type MQTTSink struct {
	client MQTTClient
	topic  string
	logger *slog.Logger
}

// NewMQTTSink connects to the configured broker and returns a ready sink.
func NewMQTTSink(cfg config.MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("tuneclaw-events").
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	return &MQTTSink{
		client: client,
		topic:  cfg.Topic,
		logger: logger.With("sink", "mqtt"),
	}, nil
}

// NewMQTTSinkWithClient builds a sink over an existing client. Used by
// tests with a fake client.
func NewMQTTSinkWithClient(client MQTTClient, topic string, logger *slog.Logger) *MQTTSink {
	return &MQTTSink{client: client, topic: topic, logger: logger.With("sink", "mqtt")}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// Deliver publishes the JSON-encoded event.
func (s *MQTTSink) Deliver(_ context.Context, e Event) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt: not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("mqtt: encode event: %w", err)
	}
	topic := s.topic + "/" + e.Type
	if token := s.client.Publish(topic, 1, false, payload); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, token.Error())
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
	s.logger.Info("mqtt sink disconnected")
}
