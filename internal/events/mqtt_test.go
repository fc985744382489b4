package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// fakeToken is an immediately-resolved paho token.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool { return true }

func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }

func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeMQTT records publishes without a broker.
type fakeMQTT struct {
	connected    bool
	publishErr   error
	published    []published
	disconnected bool
}

func (c *fakeMQTT) Connect() mqtt.Token { c.connected = true; return &fakeToken{} }

func (c *fakeMQTT) Disconnect(uint) { c.disconnected = true }

func (c *fakeMQTT) IsConnected() bool { return c.connected }

func (c *fakeMQTT) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if c.publishErr != nil {
		return &fakeToken{err: c.publishErr}
	}
	c.published = append(c.published, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func TestMQTTSinkPublishesTypedTopic(t *testing.T) {
	client := &fakeMQTT{connected: true}
	sink := NewMQTTSinkWithClient(client, "tuneclaw/events", testLogger())

	err := sink.Deliver(context.Background(), Event{
		Type:     TypeActionRolledBack,
		Category: "code_generation",
		Subject:  "act-1",
	})
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.published))
	}
	p := client.published[0]
	if p.topic != "tuneclaw/events/action_rolled_back" {
		t.Errorf("wrong topic: %s", p.topic)
	}
	if p.qos != 1 {
		t.Errorf("expected QoS 1, got %d", p.qos)
	}

	var decoded Event
	if err := json.Unmarshal(p.payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if decoded.Subject != "act-1" {
		t.Errorf("wrong subject in payload: %s", decoded.Subject)
	}
}

func TestMQTTSinkDisconnectedErrors(t *testing.T) {
	client := &fakeMQTT{connected: false}
	sink := NewMQTTSinkWithClient(client, "tuneclaw/events", testLogger())

	if err := sink.Deliver(context.Background(), Event{Type: TypeActionCompleted}); err == nil {
		t.Error("delivery without a connection should error")
	}
	if len(client.published) != 0 {
		t.Error("nothing should be published while disconnected")
	}
}

func TestMQTTSinkPublishFailurePropagates(t *testing.T) {
	client := &fakeMQTT{connected: true, publishErr: fmt.Errorf("broker gone")}
	sink := NewMQTTSinkWithClient(client, "tuneclaw/events", testLogger())

	if err := sink.Deliver(context.Background(), Event{Type: TypeActionCompleted}); err == nil {
		t.Error("publish failure should surface")
	}
}

func TestMQTTSinkClose(t *testing.T) {
	client := &fakeMQTT{connected: true}
	sink := NewMQTTSinkWithClient(client, "tuneclaw/events", testLogger())

	sink.Close()

	if !client.disconnected {
		t.Error("Close should disconnect the client")
	}
}
