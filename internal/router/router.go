// Package router classifies bus messages by topic and drives the player.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/player"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Message is an inbound bus message.
type Message struct {
	Topic   string
	Payload []byte
}

// Player is the subset of the supervisor the router drives.
type Player interface {
	Start(ctx context.Context, url string, loop bool) error
	Stop()
	Pause(ctx context.Context)
	Resume(ctx context.Context)
	Seek(ctx context.Context, value float64, mode bridge.SeekMode)
	SetVolume(ctx context.Context, volume float64)
	SetSpeed(ctx context.Context, speed float64)
	Exits() <-chan player.Exit
	HandleExit(exit player.Exit)
}

// Stats counts router outcomes.
type Stats struct {
	Handled int64
	Dropped int64
	Ignored int64
}

// Router dispatches messages to the player.
type Router struct {
	log    *zap.Logger
	topics *topics.Registry
	player Player

	handled atomic.Int64
	dropped atomic.Int64
	ignored atomic.Int64
}

// New creates a router.
func New(log *zap.Logger, registry *topics.Registry, p Player) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{log: log, topics: registry, player: p}
}

// Run handles inbound messages and player exits until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan Message) error {
	exits := r.player.Exits()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, msg)
		case exit := <-exits:
			r.player.HandleExit(exit)
		}
	}
}

// Handle routes one message. Every matching category fires.
func (r *Router) Handle(ctx context.Context, msg Message) {
	categories := r.topics.Classify(msg.Topic)
	if len(categories) == 0 {
		r.ignored.Add(1)
		r.log.Debug("message on unrouted topic", zap.String("topic", msg.Topic))
		return
	}

	payload := string(msg.Payload)
	r.log.Info("message received", zap.String("topic", msg.Topic), zap.String("payload", truncate(payload)))
	for _, category := range categories {
		if err := r.dispatch(ctx, category, payload); err != nil {
			if errors.Is(err, core.ErrValidation) {
				r.dropped.Add(1)
				r.log.Warn("message dropped", zap.String("topic", msg.Topic), zap.String("category", string(category)), zap.Error(err))
				continue
			}
			r.log.Error("message failed", zap.String("topic", msg.Topic), zap.String("category", string(category)), zap.Error(err))
		}
		r.handled.Add(1)
	}
}

// Stats returns the outcome counters.
func (r *Router) Stats() Stats {
	return Stats{
		Handled: r.handled.Load(),
		Dropped: r.dropped.Load(),
		Ignored: r.ignored.Load(),
	}
}

func (r *Router) dispatch(ctx context.Context, category topics.Category, payload string) error {
	switch category {
	case topics.URL, topics.URLLoop:
		url, err := bridge.ParseURL(payload)
		if err != nil {
			return invalid("url", err)
		}
		return r.player.Start(ctx, url, category == topics.URLLoop)
	case topics.Control:
		return r.control(ctx, payload)
	case topics.Seek:
		value, mode, err := bridge.ParseSeek(payload)
		if err != nil {
			return invalid("seek", err)
		}
		r.player.Seek(ctx, value, mode)
	case topics.Volume:
		value, err := bridge.ParseNumber(payload)
		if err != nil {
			return invalid("volume", err)
		}
		if value < 0 {
			return invalid("volume", fmt.Errorf("negative volume %v", value))
		}
		r.player.SetVolume(ctx, value)
	case topics.Speed:
		value, err := bridge.ParseNumber(payload)
		if err != nil {
			return invalid("speed", err)
		}
		if value <= 0 {
			return invalid("speed", fmt.Errorf("speed must be positive, got %v", value))
		}
		r.player.SetSpeed(ctx, value)
	default:
		return fmt.Errorf("unhandled category %q", category)
	}
	return nil
}

func (r *Router) control(ctx context.Context, payload string) error {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case bridge.ControlPause:
		r.player.Pause(ctx)
	case bridge.ControlPlay:
		r.player.Resume(ctx)
	case bridge.ControlStop:
		r.player.Stop()
	default:
		return invalid("control", fmt.Errorf("unknown command %q", payload))
	}
	return nil
}

func invalid(op string, err error) error {
	return core.WrapError(core.ErrValidation, op, err)
}

func truncate(payload string) string {
	const max = 512
	if len(payload) <= max {
		return payload
	}
	return payload[:max] + "..."
}
