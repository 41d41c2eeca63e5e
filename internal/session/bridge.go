package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/player"
	"github.com/mikey-austin/mpv_bridge/internal/router"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
)

// BridgeConfig configures a bridge.
type BridgeConfig struct {
	Session        Config
	Player         player.Config
	ChannelTimeout time.Duration
}

// Bridge ties the bus session, router and player supervisor together.
type Bridge struct {
	log     *zap.Logger
	Session *Session
	Player  *player.Supervisor
	Router  *router.Router
}

// NewBridge wires a bridge. A nil channel uses the player's IPC socket.
func NewBridge(log *zap.Logger, dial DialFunc, registry *topics.Registry, spawner player.Spawner, channel player.Channel, cfg BridgeConfig) (*Bridge, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sess := New(log.With(zap.String("component", "session")), dial, registry, cfg.Session)

	pcfg := cfg.Player
	pcfg.StateTopic = registry.PlayerState()
	pcfg.QoS = cfg.Session.QoS
	if pcfg.SocketPath == "" {
		pcfg.SocketPath = player.DefaultSocketPath("")
	}
	if channel == nil {
		channel = player.NewSocketClient(pcfg.SocketPath, cfg.ChannelTimeout)
	}
	sup, err := player.NewSupervisor(log.With(zap.String("component", "player")), spawner, channel, sess, pcfg)
	if err != nil {
		return nil, err
	}
	sess.Attach(sup)

	return &Bridge{
		log:     log,
		Session: sess,
		Player:  sup,
		Router:  router.New(log.With(zap.String("component", "router")), registry, sup),
	}, nil
}

// Connect connects the bus session.
func (b *Bridge) Connect() error {
	return b.Session.Connect()
}

// Run routes messages until ctx is done, then stops the player and disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	b.log.Info("bridge running")
	err := b.Router.Run(ctx, b.Session.Messages())
	b.Session.Disconnect()
	b.Player.Close()
	return err
}
