package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the push bridge connection.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// tokenPublisher is the slice of mqtt.Client the publisher needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTPublisher publishes event payloads to
// <prefix>/<target_role>/<target_id>/<event name>.
type MQTTPublisher struct {
	client  tokenPublisher
	prefix  string
	qos     byte
	timeout time.Duration
	closer  func()
}

// DialMQTT connects to the broker and returns a publisher bound to it.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	p := NewMQTTPublisher(client, cfg.TopicPrefix, cfg.QoS, cfg.Timeout)
	p.closer = func() { client.Disconnect(250) }
	return p, nil
}

func NewMQTTPublisher(client tokenPublisher, prefix string, qos byte, timeout time.Duration) *MQTTPublisher {
	if prefix == "" {
		prefix = "calls"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: qos, timeout: timeout}
}

// Topic returns the topic e is delivered on.
func (p *MQTTPublisher) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s/%s", p.prefix, e.TargetRole, e.TargetID, e.Name)
}

func (p *MQTTPublisher) Publish(ctx context.Context, e Event) error {
	if e.TargetID == "" {
		return fmt.Errorf("%w: no target for %s", ErrInvalidEvent, e.Name)
	}
	body, err := json.Marshal(e.Payload())
	if err != nil {
		return err
	}
	topic := p.Topic(e)
	token := p.client.Publish(topic, p.qos, false, body)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Close disconnects a publisher created by DialMQTT.
func (p *MQTTPublisher) Close() {
	if p.closer != nil {
		p.closer()
	}
}
