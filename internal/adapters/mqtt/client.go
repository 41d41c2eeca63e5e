// Package mqtt publishes bridge commands and reads bridge state for controllers.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Transport is the MQTT connection a controller publishes through.
type Transport interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Options configures a controller.
type Options struct {
	Mode    string
	Host    string
	QoS     byte
	Timeout time.Duration
}

// StateUpdate is one message seen on a bridge state topic.
type StateUpdate struct {
	Host     string `json:"host"`
	Kind     string `json:"kind"`
	Value    string `json:"value"`
	Retained bool   `json:"retained"`
}

// State kinds.
const (
	KindPlayer   = "player"
	KindInstance = "instance"
)

// Controller sends commands to the bridges of one mode and host.
type Controller struct {
	transport Transport
	mode      string
	host      string
	qos       byte
	timeout   time.Duration
}

// NewController creates a controller. Host "all" addresses every bridge.
func NewController(transport Transport, opts Options) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("transport required")
	}
	if !bridge.ValidMode(opts.Mode) {
		return nil, core.WrapError(core.ErrUsage, "controller", fmt.Errorf("invalid mode %q", opts.Mode))
	}
	host := strings.TrimSpace(opts.Host)
	if host == "" || strings.ContainsAny(host, "/+#") {
		return nil, core.WrapError(core.ErrUsage, "controller", fmt.Errorf("invalid host %q", opts.Host))
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Controller{
		transport: transport,
		mode:      opts.Mode,
		host:      host,
		qos:       opts.QoS,
		timeout:   opts.Timeout,
	}, nil
}

// Topic returns the topic for leaf on the controlled host.
func (c *Controller) Topic(leaf string) string {
	return bridge.Topic(c.mode, c.host, leaf)
}

// Play starts url, looping forever when loop is set.
func (c *Controller) Play(ctx context.Context, url string, loop bool) error {
	parsed, err := bridge.ParseURL(url)
	if err != nil {
		return core.WrapError(core.ErrValidation, "play", err)
	}
	leaf := bridge.LeafURL
	if loop {
		leaf = bridge.LeafURLLoop
	}
	return c.publish(ctx, leaf, parsed)
}

// Pause pauses playback.
func (c *Controller) Pause(ctx context.Context) error {
	return c.publish(ctx, bridge.LeafControl, bridge.ControlPause)
}

// Resume resumes paused playback.
func (c *Controller) Resume(ctx context.Context) error {
	return c.publish(ctx, bridge.LeafControl, bridge.ControlPlay)
}

// Stop stops playback.
func (c *Controller) Stop(ctx context.Context) error {
	return c.publish(ctx, bridge.LeafControl, bridge.ControlStop)
}

// Seek seeks to an absolute position or, with a leading sign, by an offset.
func (c *Controller) Seek(ctx context.Context, position string) error {
	if _, _, err := bridge.ParseSeek(position); err != nil {
		return core.WrapError(core.ErrValidation, "seek", err)
	}
	return c.publish(ctx, bridge.LeafSeek, strings.TrimSpace(position))
}

// SetVolume sets the player volume.
func (c *Controller) SetVolume(ctx context.Context, value string) error {
	v, err := bridge.ParseNumber(value)
	if err == nil && v < 0 {
		err = fmt.Errorf("volume %v is negative", v)
	}
	if err != nil {
		return core.WrapError(core.ErrValidation, "volume", err)
	}
	return c.publish(ctx, bridge.LeafVolume, strings.TrimSpace(value))
}

// SetSpeed sets the playback speed.
func (c *Controller) SetSpeed(ctx context.Context, value string) error {
	v, err := bridge.ParseNumber(value)
	if err == nil && v <= 0 {
		err = fmt.Errorf("speed %v must be positive", v)
	}
	if err != nil {
		return core.WrapError(core.ErrValidation, "speed", err)
	}
	return c.publish(ctx, bridge.LeafSpeed, strings.TrimSpace(value))
}

func (c *Controller) publish(ctx context.Context, leaf, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	topic := c.Topic(leaf)
	if err := c.transport.Publish(topic, c.qos, false, []byte(payload)); err != nil {
		return core.WrapError(core.ErrConnection, "publish "+topic, err)
	}
	return nil
}

// stateHost is the host segment to subscribe with; "all" watches every host.
func (c *Controller) stateHost() string {
	if c.host == bridge.AllHosts {
		return "+"
	}
	return c.host
}

// Instances collects retained instance states, keyed by host.
func (c *Controller) Instances(ctx context.Context) (map[string]string, error) {
	collect := map[string]string{}
	var mu sync.Mutex
	got := make(chan struct{}, 1)

	handler := func(_ paho.Client, msg paho.Message) {
		update, ok := parseStateUpdate(msg)
		if !ok || update.Kind != KindInstance {
			return
		}
		mu.Lock()
		collect[update.Host] = update.Value
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	}

	topic := bridge.Topic(c.mode, c.stateHost(), bridge.LeafInstanceState)
	if err := c.transport.Subscribe(topic, c.qos, handler); err != nil {
		return nil, core.WrapError(core.ErrConnection, "subscribe "+topic, err)
	}
	defer func() {
		_ = c.transport.Unsubscribe(topic)
	}()

	// A single host answers with one retained message; a wildcard waits
	// out the window to gather every host.
	wait := time.NewTimer(c.timeout)
	defer wait.Stop()
	if c.host != bridge.AllHosts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-got:
		case <-wait.C:
			return nil, fmt.Errorf("timeout waiting for %s", topic)
		}
	} else {
		select {
		case <-ctx.Done():
		case <-wait.C:
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]string, len(collect))
	for host, state := range collect {
		out[host] = state
	}
	return out, nil
}

// Watch streams player and instance state updates until ctx is done. The
// error channel closes once the subscriptions are released.
func (c *Controller) Watch(ctx context.Context) (<-chan StateUpdate, <-chan error) {
	updates := make(chan StateUpdate, 16)
	errCh := make(chan error, 1)

	done := make(chan struct{})
	handler := func(_ paho.Client, msg paho.Message) {
		update, ok := parseStateUpdate(msg)
		if !ok {
			return
		}
		select {
		case updates <- update:
		case <-done:
		}
	}

	host := c.stateHost()
	subscribed := []string{}
	for _, leaf := range []string{bridge.LeafInstanceState, bridge.LeafPlayerState} {
		topic := bridge.Topic(c.mode, host, leaf)
		if err := c.transport.Subscribe(topic, c.qos, handler); err != nil {
			errCh <- core.WrapError(core.ErrConnection, "subscribe "+topic, err)
			break
		}
		subscribed = append(subscribed, topic)
	}

	go func() {
		<-ctx.Done()
		close(done)
		for _, topic := range subscribed {
			_ = c.transport.Unsubscribe(topic)
		}
		close(errCh)
	}()
	return updates, errCh
}

func parseStateUpdate(msg paho.Message) (StateUpdate, bool) {
	parts := strings.SplitN(msg.Topic(), "/", 3)
	if len(parts) != 3 {
		return StateUpdate{}, false
	}
	update := StateUpdate{Host: parts[1], Value: string(msg.Payload()), Retained: msg.Retained()}
	switch parts[2] {
	case bridge.LeafPlayerState:
		update.Kind = KindPlayer
	case bridge.LeafInstanceState:
		update.Kind = KindInstance
	default:
		return StateUpdate{}, false
	}
	return update, true
}
