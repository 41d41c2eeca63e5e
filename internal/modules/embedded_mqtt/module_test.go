package embeddedmqtt

import (
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewServerAllowAnonymous(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	require.NoError(t, err)
	require.NotNil(t, server)
}

func TestNewServerWithCredentials(t *testing.T) {
	server, err := newServer(nil, Config{Username: "bridge", Password: "secret"})
	require.NoError(t, err)
	require.NotNil(t, server)
}

func TestNewServerRequiresAuthConfig(t *testing.T) {
	_, err := newServer(zap.NewNop(), Config{})
	require.Error(t, err)
}

func TestInlinePublishSubscribe(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	require.NoError(t, err)

	received := make(chan packets.Packet, 1)
	handler := func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		received <- pk
	}
	require.NoError(t, server.Subscribe("video/+/state/#", 1, handler))
	require.NoError(t, server.Publish("video/den/state/player", []byte("play"), false, 0))

	select {
	case pk := <-received:
		require.Equal(t, "video/den/state/player", pk.TopicName)
		require.Equal(t, "play", string(pk.Payload))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestBrokerURL(t *testing.T) {
	require.Equal(t, "tcp://127.0.0.1:1883", BrokerURL("127.0.0.1:1883", false))
	require.Equal(t, "ssl://127.0.0.1:8883", BrokerURL("127.0.0.1:8883", true))
	require.Equal(t, "tcp://127.0.0.1:1883", BrokerURL("0.0.0.0:1883", false))
	require.Equal(t, "tcp://127.0.0.1:1883", BrokerURL(":1883", false))
	require.Equal(t, "tcp://broker.lan:1883", BrokerURL("broker.lan:1883", false))
}

func TestClientLogHookProvides(t *testing.T) {
	hook := &clientLogHook{log: zap.NewNop()}
	require.True(t, hook.Provides(mqtt.OnConnect))
	require.True(t, hook.Provides(mqtt.OnDisconnect))
	require.False(t, hook.Provides(mqtt.OnPublish))
}

func TestBuildListenerTLSRequiresKeyPair(t *testing.T) {
	_, err := buildListenerTLS("", "", "")
	require.Error(t, err)
	_, err = buildListenerTLS("", "/nonexistent/cert.pem", "/nonexistent/key.pem")
	require.Error(t, err)
}

func TestZapLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, zapLevel(slog.LevelDebug))
	require.Equal(t, zapcore.InfoLevel, zapLevel(slog.LevelInfo))
	require.Equal(t, zapcore.WarnLevel, zapLevel(slog.LevelWarn))
	require.Equal(t, zapcore.ErrorLevel, zapLevel(slog.LevelError))
}
