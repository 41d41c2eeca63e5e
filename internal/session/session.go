// Package session owns the MQTT connection of a bridge.
package session

import (
	"errors"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/router"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Client is the transport used by a session.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Disconnect(quiesce time.Duration)
}

// DialFunc connects a client. onConnect runs after every (re)connect.
type DialFunc func(opts mqttserver.Options, onConnect func(Client)) (Client, error)

// MQTTDial connects with the paho adapter.
func MQTTDial(opts mqttserver.Options, onConnect func(Client)) (Client, error) {
	opts.OnConnect = func(c *mqttserver.Client) {
		onConnect(c)
	}
	client, err := mqttserver.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Stopper stops the active player.
type Stopper interface {
	Stop()
}

// Config configures a session.
type Config struct {
	Options   mqttserver.Options
	QoS       byte
	QueueSize int
	Quiesce   time.Duration
}

var errNotConnected = errors.New("mqtt not connected")

// Session connects to the broker, subscribes the registry topics and
// queues inbound messages in delivery order.
type Session struct {
	log    *zap.Logger
	dial   DialFunc
	topics *topics.Registry
	config Config

	inbound chan router.Message
	done    chan struct{}

	mu           sync.Mutex
	client       Client
	player       Stopper
	disconnected bool
}

// New creates a disconnected session.
func New(log *zap.Logger, dial DialFunc, registry *topics.Registry, cfg Config) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	if dial == nil {
		dial = MQTTDial
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Quiesce <= 0 {
		cfg.Quiesce = 250 * time.Millisecond
	}
	return &Session{
		log:     log,
		dial:    dial,
		topics:  registry,
		config:  cfg,
		inbound: make(chan router.Message, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Attach sets the player stopped on disconnect.
func (s *Session) Attach(p Stopper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.player = p
}

// Messages returns inbound messages in delivery order.
func (s *Session) Messages() <-chan router.Message {
	return s.inbound
}

// Connect registers the offline last-will and connects.
func (s *Session) Connect() error {
	opts := s.config.Options
	opts.Will = &mqttserver.Will{
		Topic:    s.topics.InstanceState(),
		Payload:  bridge.InstanceOffline,
		QoS:      s.config.QoS,
		Retained: true,
	}

	client, err := s.dial(opts, s.onConnect)
	if err != nil {
		return core.WrapError(core.ErrConnection, "connect "+opts.BrokerURL, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	s.log.Info("mqtt connected", zap.String("broker", opts.BrokerURL), zap.String("client_id", opts.ClientID))
	return nil
}

// Publish publishes through the connected client.
func (s *Session) Publish(topic string, qos byte, retained bool, payload []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errNotConnected
	}
	return client.Publish(topic, qos, retained, payload)
}

// Disconnect stops the player, marks the instance offline and closes the
// connection. Idempotent.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	p := s.player
	client := s.client
	s.mu.Unlock()

	if p != nil {
		p.Stop()
	}
	if client != nil {
		if err := client.Publish(s.topics.InstanceState(), s.config.QoS, true, []byte(bridge.InstanceOffline)); err != nil {
			s.log.Warn("publish instance state", zap.String("state", bridge.InstanceOffline), zap.Error(err))
		}
		client.Disconnect(s.config.Quiesce)
		s.log.Info("mqtt disconnected")
	}
	close(s.done)
}

func (s *Session) onConnect(c Client) {
	instance := s.topics.InstanceState()
	if err := c.Publish(instance, s.config.QoS, true, []byte(bridge.InstanceOnline)); err != nil {
		s.log.Error("publish instance state", zap.String("topic", instance), zap.Error(err))
	}

	for _, category := range topics.Categories {
		if list := s.topics.Topics(category); len(list) > 0 {
			s.log.Info("subscribing", zap.String("category", string(category)), zap.Strings("topics", list))
		}
	}
	for _, topic := range s.topics.Subscriptions() {
		if err := c.Subscribe(topic, s.config.QoS, s.handle); err != nil {
			s.log.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (s *Session) handle(_ paho.Client, msg paho.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	select {
	case s.inbound <- router.Message{Topic: msg.Topic(), Payload: payload}:
	case <-s.done:
	}
}
