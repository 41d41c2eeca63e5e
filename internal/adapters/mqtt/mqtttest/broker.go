// Package mqtttest provides an in-memory broker implementing the controller transport.
package mqtttest

import (
	"errors"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Published is a message accepted by the broker.
type Published struct {
	Topic    string
	Payload  string
	Retained bool
}

// Broker delivers publishes to matching subscriptions and replays retained
// messages on subscribe. Handlers run synchronously.
type Broker struct {
	mu        sync.Mutex
	subs      map[string]paho.MessageHandler
	retained  map[string]string
	published []Published
	closed    bool

	// PublishErr, when set, fails every publish.
	PublishErr error
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: map[string]paho.MessageHandler{}, retained: map[string]string{}}
}

// Publish implements the transport.
func (b *Broker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	if b.PublishErr != nil {
		b.mu.Unlock()
		return b.PublishErr
	}
	b.published = append(b.published, Published{Topic: topic, Payload: string(payload), Retained: retained})
	if retained {
		b.retained[topic] = string(payload)
	}
	handlers := b.matching(topic)
	b.mu.Unlock()

	for _, h := range handlers {
		h(nil, Message{topic: topic, payload: payload, qos: qos})
	}
	return nil
}

// Subscribe implements the transport.
func (b *Broker) Subscribe(filter string, _ byte, handler paho.MessageHandler) error {
	if filter == "" {
		return errors.New("empty filter")
	}
	b.mu.Lock()
	b.subs[filter] = handler
	replay := []Message{}
	for topic, payload := range b.retained {
		if Match(filter, topic) {
			replay = append(replay, Message{topic: topic, payload: []byte(payload), retained: true})
		}
	}
	b.mu.Unlock()

	for _, msg := range replay {
		handler(nil, msg)
	}
	return nil
}

// Unsubscribe implements the transport.
func (b *Broker) Unsubscribe(filter string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, filter)
	return nil
}

// Disconnect marks the broker connection closed.
func (b *Broker) Disconnect(time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Closed reports whether Disconnect was called.
func (b *Broker) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Published returns every accepted publish in order.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Subscriptions returns the number of active subscriptions.
func (b *Broker) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) matching(topic string) []paho.MessageHandler {
	out := []paho.MessageHandler{}
	for filter, h := range b.subs {
		if Match(filter, topic) {
			out = append(out, h)
		}
	}
	return out
}

// Match reports whether topic matches an MQTT filter with + and # wildcards.
func Match(filter, topic string) bool {
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, f := range fparts {
		if f == "#" {
			return true
		}
		if i >= len(tparts) {
			return false
		}
		if f != "+" && f != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// Message is a paho message delivered by the broker.
type Message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m Message) Duplicate() bool   { return false }
func (m Message) Qos() byte         { return m.qos }
func (m Message) Retained() bool    { return m.retained }
func (m Message) Topic() string     { return m.topic }
func (m Message) MessageID() uint16 { return 0 }
func (m Message) Payload() []byte   { return m.payload }
func (m Message) Ack()              {}
