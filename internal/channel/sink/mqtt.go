package sink

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"argusagent/internal/channel"
	"argusagent/internal/metric"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Name     string
	Broker   string // e.g. "tcp://localhost:1883"
	Topic    string
	ClientID string
	QoS      byte
	Timeout  time.Duration
}

// MQTT publishes each batch as one exposition-text payload to a fixed
// topic.
type MQTT struct {
	name    string
	topic   string
	qos     byte
	timeout time.Duration
	client  mqtt.Client
}

// NewMQTT connects to cfg.Broker and returns a ready sink.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	client := mqtt.NewClient(opts)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt sink %q: connect to %s timed out", cfg.Name, cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt sink %q: %w", cfg.Name, err)
	}

	return &MQTT{
		name:    cfg.Name,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: timeout,
		client:  client,
	}, nil
}

func (m *MQTT) Name() string { return m.name }

func (m *MQTT) Send(_ context.Context, batch metric.Batch) error {
	tok := m.client.Publish(m.topic, m.qos, false, channel.EncodeText(batch))
	if !tok.WaitTimeout(m.timeout) {
		return fmt.Errorf("mqtt sink %q: publish to %s timed out", m.name, m.topic)
	}
	return tok.Error()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
