package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/kbflash/kbflash/pkg/errors"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 2 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	Topic    string // prefix, events go to <Topic>/<type>
	ClientID string
	QoS      byte
}

// publisher is the part of the paho client the sink uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes events as JSON, one topic per event type. Publishing is
// fire-and-forget with a short wait; a slow broker never stalls flashing.
type MQTTSink struct {
	client publisher
	topic  string
	qos    byte
}

// NewMQTTSink connects to the broker.
func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.Validation("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "kbflash"
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(defaultConnectTimeout)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", cfg.Broker, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrap(err, "mqtt connect to "+cfg.Broker)
	}

	slog.Info("mqtt_sink_connected", "broker", cfg.Broker, "topic", cfg.Topic, "client_id", cfg.ClientID)
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(client publisher, cfg MQTTConfig) *MQTTSink {
	topic := strings.TrimSuffix(cfg.Topic, "/")
	if topic == "" {
		topic = "kbflash/events"
	}
	return &MQTTSink{client: client, topic: topic, qos: cfg.QoS}
}

func (s *MQTTSink) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(Stamp(ev))
	if err != nil {
		slog.Warn("mqtt_event_encode_failed", "type", ev.Type, "error", err)
		return
	}

	token := s.client.Publish(s.topic+"/"+string(ev.Type), s.qos, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		slog.Warn("mqtt_event_publish_timeout", "type", ev.Type)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("mqtt_event_publish_failed", "type", ev.Type, "error", err)
	}
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(disconnectQuiesce)
}
