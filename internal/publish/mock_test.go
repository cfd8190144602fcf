package publish

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool { return true }

func (t *mockToken) WaitTimeout(time.Duration) bool { return true }

func (t *mockToken) Error() error { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// mockClient implements mqtt.Client and records publishes.
type mockClient struct {
	mu           sync.Mutex
	connected    bool
	publishError error
	published    []mockMessage
	handlers     map[string]mqtt.MessageHandler
	subscribes   map[string]int
	onConnect    mqtt.OnConnectHandler
}

func newMockClient() *mockClient {
	return &mockClient{connected: true}
}

func (c *mockClient) messages() []mockMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mockMessage, len(c.published))
	copy(out, c.published)
	return out
}

func (c *mockClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *mockClient) IsConnectionOpen() bool { return c.IsConnected() }

// Connect marks the client connected and runs the on-connect handler like
// paho does after a CONNACK.
func (c *mockClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	onConnect := c.onConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect(c)
	}
	return &mockToken{}
}

func (c *mockClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *mockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &mockToken{err: mqtt.ErrNotConnected}
	}
	if c.publishError != nil {
		return &mockToken{err: c.publishError}
	}
	var b []byte
	switch v := payload.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	}
	c.published = append(c.published, mockMessage{Topic: topic, Payload: b, QoS: qos, Retain: retained})
	return &mockToken{}
}

func (c *mockClient) Subscribe(topic string, _ byte, h mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return &mockToken{err: mqtt.ErrNotConnected}
	}
	if c.handlers == nil {
		c.handlers = map[string]mqtt.MessageHandler{}
		c.subscribes = map[string]int{}
	}
	c.handlers[topic] = h
	c.subscribes[topic]++
	return &mockToken{}
}

func (c *mockClient) subscribeCount(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes[topic]
}

// deliver invokes the handler subscribed under filter with a message on topic.
func (c *mockClient) deliver(filter, topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[filter]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &inbound{topic: topic, payload: payload})
	return true
}

type inbound struct {
	topic   string
	payload []byte
}

func (m *inbound) Duplicate() bool   { return false }
func (m *inbound) Qos() byte         { return 1 }
func (m *inbound) Retained() bool    { return false }
func (m *inbound) Topic() string     { return m.topic }
func (m *inbound) MessageID() uint16 { return 0 }
func (m *inbound) Payload() []byte   { return m.payload }
func (m *inbound) Ack()              {}

func (c *mockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return &mockToken{}
}

func (c *mockClient) Unsubscribe(...string) mqtt.Token { return &mockToken{} }

func (c *mockClient) AddRoute(string, mqtt.MessageHandler) {}

func (c *mockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
