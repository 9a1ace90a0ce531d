package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/laser-logger/pkg/config"
	"github.com/ericogr/laser-logger/pkg/output"
	"github.com/ericogr/laser-logger/pkg/sensor"
	"github.com/google/uuid"
)

const (
	// defaults
	DefaultServer   = "tcp://localhost:1883"
	DefaultTopic    = "laser/readings"
	clientIDPrefix  = "laser-"
	statusSuffix    = "/status"
	statusOnline    = "online"
	statusOffline   = "offline"
	connectTimeout  = 10 * time.Second
	publishTimeout  = 5 * time.Second
	disconnectQuiet = 250
)

type MQTTOutput struct {
	client      mqtt.Client
	topic       string
	statusTopic string
	qos         byte
}

// statusTopicFor derives the retained availability topic from the reading topic.
func statusTopicFor(topic string) string {
	return strings.TrimSuffix(topic, "/") + statusSuffix
}

func withDefaults(cfg config.MQTTConfig) config.MQTTConfig {
	if cfg.Server == "" {
		cfg.Server = DefaultServer
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = clientIDPrefix + uuid.NewString()
	}
	if cfg.QoS > 2 {
		cfg.QoS = 0
	}
	return cfg
}

func NewMQTT(cfg config.MQTTConfig) (output.Output, error) {
	cfg = withDefaults(cfg)
	status := statusTopicFor(cfg.Topic)

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Server).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetWill(status, statusOffline, 1, true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %s", connectTimeout)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	m := &MQTTOutput{client: client, topic: cfg.Topic, statusTopic: status, qos: cfg.QoS}
	if err := m.PublishRaw(status, []byte(statusOnline), true); err != nil {
		client.Disconnect(disconnectQuiet)
		return nil, fmt.Errorf("mqtt status publish: %w", err)
	}
	return m, nil
}

// Publish sends each reading as a JSON document on the reading topic.
func (m *MQTTOutput) Publish(readings []sensor.Reading) error {
	for _, r := range readings {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := m.publish(m.topic, b, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTTOutput) publish(topic string, payload []byte, retained bool) error {
	token := m.client.Publish(topic, m.qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	return token.Error()
}

// PublishRaw publishes a raw payload to the given topic. The caller can set the
// retain flag which is useful for availability messages.
func (m *MQTTOutput) PublishRaw(topic string, payload []byte, retained bool) error {
	if m.client == nil {
		return fmt.Errorf("mqtt client not connected")
	}
	return m.publish(topic, payload, retained)
}

func (m *MQTTOutput) Close() error {
	if m.client == nil {
		return nil
	}
	err := m.PublishRaw(m.statusTopic, []byte(statusOffline), true)
	m.client.Disconnect(disconnectQuiet)
	return err
}
