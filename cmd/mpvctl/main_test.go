package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqtt/mqtttest"
	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/mpv_bridge/internal/core"
)

type harness struct {
	broker *mqtttest.Broker
	opts   []mqttserver.Options
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func newHarness() *harness {
	return &harness{broker: mqtttest.NewBroker()}
}

func (h *harness) dial(opts mqttserver.Options) (transport, error) {
	h.opts = append(h.opts, opts)
	return h.broker, nil
}

func (h *harness) run(args ...string) int {
	h.stdout.Reset()
	h.stderr.Reset()
	return execute(append([]string{"--no-color", "--config", emptyConfig}, args...), &h.stdout, &h.stderr, h.dial)
}

var emptyConfig string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "mpvctl")
	if err != nil {
		panic(err)
	}
	emptyConfig = filepath.Join(dir, "bridge.toml")
	if err := os.WriteFile(emptyConfig, []byte("[connection]\nbroker = \"mqtt.lan\"\n"), 0o600); err != nil {
		panic(err)
	}
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func TestCommandsPublish(t *testing.T) {
	h := newHarness()
	require.Equal(t, core.ExitOK, h.run("--host", "den", "play", "https://example.com/a.mp4"), h.stderr.String())
	require.Contains(t, h.stdout.String(), "video/den/url")
	require.Equal(t, core.ExitOK, h.run("-H", "den", "play", "--loop", "file:///srv/a.mp4"))
	require.Equal(t, core.ExitOK, h.run("-H", "den", "pause"))
	require.Equal(t, core.ExitOK, h.run("-H", "den", "resume"))
	require.Equal(t, core.ExitOK, h.run("-H", "den", "seek", "--", "-10"))
	require.Equal(t, core.ExitOK, h.run("-H", "den", "vol", "40"))
	require.Equal(t, core.ExitOK, h.run("-H", "all", "--mode", "audio", "speed", "2"))
	require.Equal(t, core.ExitOK, h.run("-H", "den", "stop"))

	require.Equal(t, []mqtttest.Published{
		{Topic: "video/den/url", Payload: "https://example.com/a.mp4"},
		{Topic: "video/den/url_loop", Payload: "file:///srv/a.mp4"},
		{Topic: "video/den/control", Payload: "pause"},
		{Topic: "video/den/control", Payload: "play"},
		{Topic: "video/den/seek", Payload: "-10"},
		{Topic: "video/den/volume", Payload: "40"},
		{Topic: "audio/all/speed", Payload: "2"},
		{Topic: "video/den/control", Payload: "stop"},
	}, h.broker.Published())
	require.True(t, h.broker.Closed())
	require.Equal(t, "tcp://mqtt.lan:1883", h.opts[0].BrokerURL)
	require.True(t, strings.HasPrefix(h.opts[0].ClientID, "mpvctl-"))
}

func TestBrokerFlagOverridesConfig(t *testing.T) {
	h := newHarness()
	require.Equal(t, core.ExitOK, h.run("-H", "den", "--broker", "10.0.0.2", "--port", "1884", "stop"))
	require.Equal(t, "tcp://10.0.0.2:1884", h.opts[0].BrokerURL)
}

func TestValidationAndUsageErrors(t *testing.T) {
	h := newHarness()
	require.Equal(t, core.ExitUsage, h.run("-H", "den", "volume", "--", "-5"))
	require.Equal(t, core.ExitUsage, h.run("-H", "den", "speed", "fast"))
	require.Equal(t, core.ExitUsage, h.run("-H", "den", "play"))
	require.Equal(t, core.ExitUsage, h.run("-H", "den", "--mode", "tv", "stop"))
	require.Equal(t, core.ExitUsage, h.run("--bogus"))
	require.Empty(t, h.broker.Published())
}

func TestConnectFailure(t *testing.T) {
	var stdout, stderr bytes.Buffer
	dial := func(mqttserver.Options) (transport, error) { return nil, errors.New("connection refused") }
	code := execute([]string{"--config", emptyConfig, "-H", "den", "stop"}, &stdout, &stderr, dial)
	require.Equal(t, core.ExitConnection, code)
	require.Contains(t, stderr.String(), "connection refused")
}

func TestMissingExplicitConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute([]string{"--config", filepath.Join(t.TempDir(), "nope.toml"), "stop"}, &stdout, &stderr, newHarness().dial)
	require.Equal(t, core.ExitConfig, code)
}

func TestStatus(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.broker.Publish("video/den/state/instance", 0, true, []byte("online")))
	require.NoError(t, h.broker.Publish("video/attic/state/instance", 0, true, []byte("offline")))

	require.Equal(t, core.ExitOK, h.run("-H", "all", "--timeout", "50ms", "status"), h.stderr.String())
	require.Contains(t, h.stdout.String(), "attic")
	require.Contains(t, h.stdout.String(), "offline")

	require.Equal(t, core.ExitOK, h.run("-H", "den", "--json", "status"))
	require.JSONEq(t, `{"den":"online"}`, h.stdout.String())
}

func TestWatchCount(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.broker.Publish("video/den/state/instance", 0, true, []byte("online")))

	require.Equal(t, core.ExitOK, h.run("-H", "den", "--json", "watch", "-n", "1"), h.stderr.String())
	require.JSONEq(t, `{"host":"den","kind":"instance","value":"online","retained":true}`, h.stdout.String())
}

func TestTopics(t *testing.T) {
	h := newHarness()
	require.Equal(t, core.ExitOK, h.run("-H", "den", "--mode", "audio", "topics"))
	out := h.stdout.String()
	require.Contains(t, out, "audio/den/url")
	require.Contains(t, out, "audio/all/speed")
	require.Contains(t, out, "audio/den/state/instance")
	require.Empty(t, h.opts)
}
