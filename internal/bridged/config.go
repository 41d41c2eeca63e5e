package bridged

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Config is the top-level configuration for mpvbridged.
type Config struct {
	Connection   ConnectionConfig   `toml:"connection"`
	General      GeneralConfig      `toml:"general"`
	Topics       TopicsConfig       `toml:"topics"`
	Log          LogConfig          `toml:"log"`
	Policy       PolicyConfig       `toml:"policy"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`

	topicKeys map[topics.Category]bool
}

// ConnectionConfig defines the broker connection.
type ConnectionConfig struct {
	Broker     string    `toml:"broker"`
	Port       int       `toml:"port"`
	Username   string    `toml:"username"`
	Password   string    `toml:"password"`
	ClientID   string    `toml:"client_id"`
	KeepAliveS int       `toml:"keepalive_s"`
	QoS        int       `toml:"qos"`
	TLS        TLSConfig `toml:"tls"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// GeneralConfig defines the player settings.
type GeneralConfig struct {
	Mode             string   `toml:"mode"`
	Monitor          int      `toml:"monitor"`
	Volume           float64  `toml:"volume"`
	Speed            float64  `toml:"speed"`
	Hostname         string   `toml:"hostname"`
	Player           string   `toml:"player"`
	PlayerArgs       []string `toml:"player_args"`
	SocketDir        string   `toml:"socket_dir"`
	ReadyTimeoutMS   int64    `toml:"ready_timeout_ms"`
	ChannelTimeoutMS int64    `toml:"channel_timeout_ms"`
}

// TopicsConfig overrides topic templates. A present list replaces the
// defaults of its category.
type TopicsConfig struct {
	URL           []string `toml:"url"`
	URLLoop       []string `toml:"url_loop"`
	Control       []string `toml:"control"`
	Seek          []string `toml:"seek"`
	Volume        []string `toml:"volume"`
	Speed         []string `toml:"speed"`
	PlayerState   string   `toml:"player_state"`
	InstanceState string   `toml:"instance_state"`
}

// PolicyConfig holds behaviour switches.
type PolicyConfig struct {
	RollbackOnSendFailure bool `toml:"rollback_on_send_failure"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Connection: ConnectionConfig{
			Port:       1883,
			KeepAliveS: 60,
		},
		General: GeneralConfig{
			Mode:             bridge.ModeVideo,
			Volume:           100,
			Speed:            1.0,
			Player:           "mpv",
			ReadyTimeoutMS:   500,
			ChannelTimeoutMS: 2000,
		},
		Log: LogConfig{Level: "info", Format: "console", Output: "stdout"},
	}
}

// LoadConfig loads a config file from path on top of the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, core.WrapError(core.ErrConfig, "decode "+path, err)
	}
	cfg.topicKeys = map[topics.Category]bool{}
	for key, category := range topicKeys {
		if md.IsDefined("topics", key) {
			cfg.topicKeys[category] = true
		}
	}
	return cfg, nil
}

var topicKeys = map[string]topics.Category{
	"url":      topics.URL,
	"url_loop": topics.URLLoop,
	"control":  topics.Control,
	"seek":     topics.Seek,
	"volume":   topics.Volume,
	"speed":    topics.Speed,
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	return filepath.Join(xdg.ConfigHome, "mpv_bridge", "bridge.toml"), nil
}

// Normalize replaces invalid general settings with defaults, logging each fix.
func (c *Config) Normalize(log *zap.Logger) {
	if !bridge.ValidMode(c.General.Mode) {
		log.Warn("invalid mode, using video", zap.String("mode", c.General.Mode))
		c.General.Mode = bridge.ModeVideo
	}
	if c.General.Monitor < 0 {
		log.Warn("invalid monitor, using 0", zap.Int("monitor", c.General.Monitor))
		c.General.Monitor = 0
	}
	if c.General.Speed <= 0 {
		log.Warn("invalid speed, using 1", zap.Float64("speed", c.General.Speed))
		c.General.Speed = 1
	}
	if c.General.Volume < 0 {
		log.Warn("invalid volume, using 100", zap.Float64("volume", c.General.Volume))
		c.General.Volume = 100
	}
	if c.Connection.QoS < 0 || c.Connection.QoS > 2 {
		log.Warn("invalid qos, using 0", zap.Int("qos", c.Connection.QoS))
		c.Connection.QoS = 0
	}
	if c.General.Player == "" {
		c.General.Player = "mpv"
	}
}

// SetTopics sets a topic override as if it were present in the file.
func (c *Config) SetTopics(category topics.Category, templates []string) {
	if c.topicKeys == nil {
		c.topicKeys = map[topics.Category]bool{}
	}
	c.topicKeys[category] = true
	switch category {
	case topics.URL:
		c.Topics.URL = templates
	case topics.URLLoop:
		c.Topics.URLLoop = templates
	case topics.Control:
		c.Topics.Control = templates
	case topics.Seek:
		c.Topics.Seek = templates
	case topics.Volume:
		c.Topics.Volume = templates
	case topics.Speed:
		c.Topics.Speed = templates
	}
}

func (c Config) templates(category topics.Category) []string {
	switch category {
	case topics.URL:
		return c.Topics.URL
	case topics.URLLoop:
		return c.Topics.URLLoop
	case topics.Control:
		return c.Topics.Control
	case topics.Seek:
		return c.Topics.Seek
	case topics.Volume:
		return c.Topics.Volume
	case topics.Speed:
		return c.Topics.Speed
	}
	return nil
}

// Hostname returns the configured hostname or the system one.
func (c Config) Hostname() (string, error) {
	if h := strings.TrimSpace(c.General.Hostname); h != "" {
		return h, nil
	}
	return os.Hostname()
}

// BuildRegistry builds the topic registry, expanding placeholders.
func (c Config) BuildRegistry(hostname string) (*topics.Registry, error) {
	registry := topics.Defaults(c.General.Mode, hostname)
	expander := topics.Expander{Hostname: hostname, Monitor: c.General.Monitor}

	for _, category := range topics.Categories {
		if !c.topicKeys[category] {
			continue
		}
		registry.Clear(category)
		for _, template := range c.templates(category) {
			topic, err := expander.Expand(template)
			if err != nil {
				return nil, err
			}
			if err := registry.Add(category, topic); err != nil {
				return nil, err
			}
		}
	}

	if c.Topics.PlayerState != "" {
		topic, err := expander.Expand(c.Topics.PlayerState)
		if err != nil {
			return nil, err
		}
		registry.SetPlayerState(topic)
	}
	if c.Topics.InstanceState != "" {
		topic, err := expander.Expand(c.Topics.InstanceState)
		if err != nil {
			return nil, err
		}
		registry.SetInstanceState(topic)
	}
	return registry, nil
}

// BrokerURL returns the paho broker URL for the connection settings. An
// empty broker means localhost.
func (c ConnectionConfig) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	scheme := "tcp"
	if c.TLS.CA != "" || c.TLS.Cert != "" || c.TLS.Key != "" {
		scheme = "ssl"
	}
	host := c.Broker
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 1883
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// ClientIDFor returns the configured client id or a unique one for hostname.
func (c ConnectionConfig) ClientIDFor(hostname string) string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return fmt.Sprintf("mpv-bridge-%s-%s", hostname, uuid.NewString()[:8])
}

// WriteTOML writes the resolved config with secrets masked.
func (c Config) WriteTOML(w io.Writer) error {
	if c.Connection.Password != "" {
		c.Connection.Password = "********"
	}
	if c.EmbeddedMQTT.Password != "" {
		c.EmbeddedMQTT.Password = "********"
	}
	return toml.NewEncoder(w).Encode(c)
}
