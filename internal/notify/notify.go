// Package notify delivers confirmed and refined gunshot events to
// subscribers. Delivery is fire-and-forget and at most once.
package notify

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/monitoring"
)

var logf = monitoring.Component("notify")

// publisher is the part of mqtt.Client the notifier uses.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	Broker   string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout time.Duration
}

// MQTT publishes event snapshots as JSON at QoS 0.
type MQTT struct {
	client publisher
	topic  string
	closer func()
}

// NewMQTT connects to the broker. The connection reconnects on its own
// after the first successful connect.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("gunshot-server-%d", time.Now().Unix())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logf("connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logf("connection to %s lost: %v", cfg.Broker, err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	m := newMQTT(client, cfg.Topic)
	m.closer = func() { client.Disconnect(250) }
	return m, nil
}

func newMQTT(client publisher, topic string) *MQTT {
	if topic == "" {
		topic = "gunshot/events"
	}
	return &MQTT{client: client, topic: topic}
}

// Notify publishes s without waiting for the broker.
func (m *MQTT) Notify(s gunshot.Snapshot) {
	payload, err := json.Marshal(s)
	if err != nil {
		logf("encode event %d: %v", s.ID, err)
		return
	}
	m.client.Publish(m.topic, 0, false, payload)
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	if m.closer != nil {
		m.closer()
	}
}

// Log writes a one-line summary of each event.
type Log struct{}

func (Log) Notify(s gunshot.Snapshot) {
	origin := "unknown"
	if s.Position != nil && s.EstimatedTimestampMs != nil {
		origin = fmt.Sprintf("%s at %d", *s.Position, *s.EstimatedTimestampMs)
	}
	logf("gunshot %d %s: %s, %d clients, %d shots, origin %s",
		s.ID, s.State, s.WeaponType, len(s.Clients), s.ShotsFired, origin)
}

// Multi fans out to every notifier in order.
type Multi []gunshot.Notifier

func (m Multi) Notify(s gunshot.Snapshot) {
	for _, n := range m {
		n.Notify(s)
	}
}
