package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeClient struct {
	topic   string
	payload []byte
	err     error
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topic = topic
	c.payload = payload.([]byte)
	return newFakeToken(c.err)
}

func TestMQTTPublisher_TopicAndPayload(t *testing.T) {
	client := &fakeClient{}
	p := NewMQTTPublisher(client, "family", 1, time.Second)

	if err := p.Publish(context.Background(), IncomingCall(childToParent())); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if client.topic != "family/parent/P1/incoming_call" {
		t.Fatalf("unexpected topic %q", client.topic)
	}
	var got map[string]string
	if err := json.Unmarshal(client.payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got["callId"] != "call-1" || got["callerIdentity"] != "C1" || got["callType"] != "child" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestMQTTPublisher_SurfacesBrokerError(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	p := NewMQTTPublisher(client, "", 0, time.Second)

	if err := p.Publish(context.Background(), IncomingCall(childToParent())); err == nil {
		t.Fatalf("expected error")
	}
	if client.topic != "calls/parent/P1/incoming_call" {
		t.Fatalf("expected default prefix, got %q", client.topic)
	}
}

func TestMQTTPublisher_RequiresTarget(t *testing.T) {
	p := NewMQTTPublisher(&fakeClient{}, "", 0, time.Second)
	if err := p.Publish(context.Background(), Event{Name: NameCallEnded, CallID: "c"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}
