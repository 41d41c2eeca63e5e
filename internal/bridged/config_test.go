package bridged

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
[connection]
broker = "mqtt.lan"
port = 1884
username = "bridge"
password = "secret"

[general]
mode = "audio"
monitor = 1
volume = 70

[topics]
url = ["media/___HOSTNAME___/play", "media/screen___MONITOR___/play"]
control = []
player_state = "media/___HOSTNAME___/status"

[policy]
rollback_on_send_failure = true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "mqtt.lan", cfg.Connection.Broker)
	require.Equal(t, "tcp://mqtt.lan:1884", cfg.Connection.BrokerURL())
	require.Equal(t, "audio", cfg.General.Mode)
	require.Equal(t, 70.0, cfg.General.Volume)
	require.Equal(t, 1.0, cfg.General.Speed)
	require.Equal(t, "mpv", cfg.General.Player)
	require.True(t, cfg.Policy.RollbackOnSendFailure)

	registry, err := cfg.BuildRegistry("host1")
	require.NoError(t, err)
	require.Equal(t, []string{"media/host1/play", "media/screen1/play"}, registry.Topics(topics.URL))
	require.Empty(t, registry.Topics(topics.Control))
	require.Equal(t, []string{"audio/host1/seek", "audio/all/seek"}, registry.Topics(topics.Seek))
	require.Equal(t, "media/host1/status", registry.PlayerState())
	require.Equal(t, "audio/host1/state/instance", registry.InstanceState())
}

func TestLoadConfigUnresolvedPlaceholder(t *testing.T) {
	path := writeConfig(t, `
[topics]
seek = ["video/___ROOM___/seek"]
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	_, err = cfg.BuildRegistry("host1")
	require.ErrorIs(t, err, core.ErrConfig)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig("")
	require.Error(t, err)

	_, err = LoadConfig(t.TempDir())
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := writeConfig(t, "[general]\nmonitor = \"left\"\n")
	_, err = LoadConfig(path)
	require.ErrorIs(t, err, core.ErrConfig)
}

func TestNormalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.General.Mode = "radio"
	cfg.General.Monitor = -2
	cfg.General.Speed = 0
	cfg.Connection.QoS = 5

	cfg.Normalize(zap.NewNop())
	require.Equal(t, "video", cfg.General.Mode)
	require.Equal(t, 0, cfg.General.Monitor)
	require.Equal(t, 1.0, cfg.General.Speed)
	require.Equal(t, 0, cfg.Connection.QoS)
}

func TestDefaultRegistry(t *testing.T) {
	registry, err := DefaultConfig().BuildRegistry("host1")
	require.NoError(t, err)
	require.Equal(t, []string{"video/host1/url", "video/all/url"}, registry.Topics(topics.URL))
}

func TestSetTopics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SetTopics(topics.Volume, []string{"house/volume"})

	registry, err := cfg.BuildRegistry("h")
	require.NoError(t, err)
	require.Equal(t, []string{"house/volume"}, registry.Topics(topics.Volume))
}

func TestBrokerURL(t *testing.T) {
	require.Empty(t, DefaultConfig().Connection.Broker)
	require.Equal(t, "tcp://localhost:1883", DefaultConfig().Connection.BrokerURL())
	require.Equal(t, "tcp://localhost:1884", ConnectionConfig{Port: 1884}.BrokerURL())
	require.Equal(t, "mqtts://broker:8883", ConnectionConfig{Broker: "mqtts://broker:8883"}.BrokerURL())
	require.Equal(t, "ssl://broker:8883", ConnectionConfig{Broker: "broker", Port: 8883, TLS: TLSConfig{CA: "/etc/ca.pem"}}.BrokerURL())
}

func TestClientIDFor(t *testing.T) {
	require.Equal(t, "fixed", ConnectionConfig{ClientID: "fixed"}.ClientIDFor("h"))
	a := ConnectionConfig{}.ClientIDFor("h")
	b := ConnectionConfig{}.ClientIDFor("h")
	require.True(t, strings.HasPrefix(a, "mpv-bridge-h-"))
	require.NotEqual(t, a, b)
}

func TestWriteTOMLMasksSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Connection.Password = "secret"

	var buf bytes.Buffer
	require.NoError(t, cfg.WriteTOML(&buf))
	require.NotContains(t, buf.String(), "secret")
	require.Contains(t, buf.String(), "port = 1883")
	require.Equal(t, "secret", cfg.Connection.Password)
}

func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(path, filepath.Join("mpv_bridge", "bridge.toml")))
}
