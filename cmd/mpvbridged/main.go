package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/mpv_bridge/internal/bridged"
	"github.com/mikey-austin/mpv_bridge/internal/core"
	embeddedmqtt "github.com/mikey-austin/mpv_bridge/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/mpv_bridge/internal/player"
	"github.com/mikey-austin/mpv_bridge/internal/session"
	"github.com/mikey-austin/mpv_bridge/internal/topics"
)

type options struct {
	configPath  string
	broker      string
	port        int
	mode        string
	monitor     int
	logLevel    string
	logFormat   string
	printConfig bool
	dryRun      bool
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCommand(stdout)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return core.ExitCode(err)
	}
	return core.ExitOK
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "mpvbridged [config]",
		Short: "Bridge MQTT topics to an mpv player",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) > 1 {
				return core.WrapError(core.ErrUsage, "arguments", fmt.Errorf("accepts at most 1 config path, received %d", len(args)))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if cmd.Flags().Changed("config") {
					return core.WrapError(core.ErrUsage, "arguments", errors.New("config given both as flag and argument"))
				}
				opts.configPath = args[0]
			}
			return run(opts, stdout)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return core.WrapError(core.ErrUsage, "flags", err)
	})

	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file path (default $XDG_CONFIG_HOME/mpv_bridge/bridge.toml)")
	flags.StringVarP(&opts.broker, "broker", "b", "", "MQTT broker host or URL override")
	flags.IntVarP(&opts.port, "port", "p", 0, "MQTT broker port override")
	flags.StringVar(&opts.mode, "mode", "", "player mode override (audio|video)")
	flags.IntVar(&opts.monitor, "monitor", -1, "monitor index override")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level override")
	flags.StringVar(&opts.logFormat, "log-format", "", "log format override (console|json)")
	flags.BoolVar(&opts.printConfig, "print-config", false, "print resolved config and exit")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "validate config and topics and exit")
	return cmd
}

func run(opts options, stdout io.Writer) error {
	cfg, err := resolveConfig(opts)
	if err != nil {
		return err
	}

	logger := bridged.NewLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()
	cfg.Normalize(logger)

	if opts.printConfig {
		return cfg.WriteTOML(stdout)
	}

	hostname, err := cfg.Hostname()
	if err != nil {
		return core.WrapError(core.ErrConfig, "hostname", err)
	}
	registry, err := cfg.BuildRegistry(hostname)
	if err != nil {
		return err
	}
	if opts.dryRun {
		logTopics(logger, registry)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("mpvbridged starting",
		zap.String("broker", cfg.Connection.BrokerURL()),
		zap.String("hostname", hostname),
		zap.String("mode", cfg.General.Mode),
		zap.Int("monitor", cfg.General.Monitor),
		zap.Bool("embedded_mqtt", cfg.EmbeddedMQTT.Enabled),
	)

	modules, err := buildModules(cfg, logger, hostname, registry, nil, player.ExecSpawner{Log: logger.With(zap.String("component", "mpv"))})
	if err != nil {
		return err
	}
	supervisor := bridged.Supervisor{Logger: logger}
	return supervisor.Run(ctx, modules)
}

// resolveConfig loads the config file and applies flag overrides. A missing
// file at the default location yields the defaults.
func resolveConfig(opts options) (bridged.Config, error) {
	path := opts.configPath
	explicit := path != ""
	if path == "" {
		var err error
		path, err = bridged.DefaultConfigPath()
		if err != nil {
			return bridged.Config{}, core.WrapError(core.ErrConfig, "config path", err)
		}
	}

	cfg := bridged.DefaultConfig()
	if _, err := os.Stat(path); err == nil || explicit {
		loaded, err := bridged.LoadConfig(path)
		if err != nil {
			return bridged.Config{}, core.WrapError(core.ErrConfig, "load config", err)
		}
		cfg = loaded
	}
	applyOverrides(&cfg, opts)
	return cfg, nil
}

func applyOverrides(cfg *bridged.Config, opts options) {
	if opts.broker != "" {
		cfg.Connection.Broker = opts.broker
	}
	if opts.port > 0 {
		cfg.Connection.Port = opts.port
	}
	if opts.mode != "" {
		cfg.General.Mode = opts.mode
	}
	if opts.monitor >= 0 {
		cfg.General.Monitor = opts.monitor
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}
	if cfg.EmbeddedMQTT.Enabled && cfg.Connection.Broker == "" {
		cfg.Connection.Broker = embeddedBrokerURL(*cfg)
	}
}

func logTopics(logger *zap.Logger, registry *topics.Registry) {
	for _, category := range topics.Categories {
		logger.Info("topics", zap.String("category", string(category)), zap.Strings("topics", registry.Topics(category)))
	}
	logger.Info("state topics",
		zap.String("player", registry.PlayerState()),
		zap.String("instance", registry.InstanceState()),
	)
}

func bridgeConfig(cfg bridged.Config, hostname string) session.BridgeConfig {
	return session.BridgeConfig{
		Session: session.Config{
			Options: mqttserver.Options{
				BrokerURL: cfg.Connection.BrokerURL(),
				ClientID:  cfg.Connection.ClientIDFor(hostname),
				Username:  cfg.Connection.Username,
				Password:  cfg.Connection.Password,
				TLSCA:     cfg.Connection.TLS.CA,
				TLSCert:   cfg.Connection.TLS.Cert,
				TLSKey:    cfg.Connection.TLS.Key,
				Timeout:   5 * time.Second,
				KeepAlive: time.Duration(cfg.Connection.KeepAliveS) * time.Second,
			},
			QoS: byte(cfg.Connection.QoS),
		},
		Player: player.Config{
			Mode:                  cfg.General.Mode,
			Monitor:               cfg.General.Monitor,
			Volume:                cfg.General.Volume,
			Speed:                 cfg.General.Speed,
			Binary:                cfg.General.Player,
			ExtraArgs:             cfg.General.PlayerArgs,
			SocketPath:            player.DefaultSocketPath(cfg.General.SocketDir),
			ReadyTimeout:          time.Duration(cfg.General.ReadyTimeoutMS) * time.Millisecond,
			RollbackOnSendFailure: cfg.Policy.RollbackOnSendFailure,
		},
		ChannelTimeout: time.Duration(cfg.General.ChannelTimeoutMS) * time.Millisecond,
	}
}

func buildModules(cfg bridged.Config, logger *zap.Logger, hostname string, registry *topics.Registry, dial session.DialFunc, spawner player.Spawner) ([]bridged.ModuleRunner, error) {
	modules := []bridged.ModuleRunner{}
	if cfg.EmbeddedMQTT.Enabled {
		mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedmqtt.Config{
			Listen:         cfg.EmbeddedMQTT.Listen,
			AllowAnonymous: cfg.EmbeddedMQTT.AllowAnonymous,
			Username:       cfg.EmbeddedMQTT.Username,
			Password:       cfg.EmbeddedMQTT.Password,
			TLSCA:          cfg.EmbeddedMQTT.TLSCA,
			TLSCert:        cfg.EmbeddedMQTT.TLSCert,
			TLSKey:         cfg.EmbeddedMQTT.TLSKey,
		})
		if err != nil {
			return nil, core.WrapError(core.ErrConfig, "embedded mqtt", err)
		}
		modules = append(modules, bridged.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
	}

	b, err := session.NewBridge(logger.With(zap.String("module", "bridge")), dial, registry, spawner, nil, bridgeConfig(cfg, hostname))
	if err != nil {
		return nil, err
	}
	listen := ""
	if cfg.EmbeddedMQTT.Enabled {
		listen = embeddedListen(cfg)
	}
	modules = append(modules, bridged.ModuleRunner{
		Name: "bridge",
		Run: func(ctx context.Context) error {
			if listen != "" {
				if err := waitForListen(ctx, listen, 3*time.Second); err != nil {
					return core.WrapError(core.ErrConnection, "embedded mqtt", err)
				}
			}
			if err := b.Connect(); err != nil {
				return err
			}
			return b.Run(ctx)
		},
	})
	return modules, nil
}

func embeddedListen(cfg bridged.Config) string {
	if cfg.EmbeddedMQTT.Listen == "" {
		return "127.0.0.1:1883"
	}
	return cfg.EmbeddedMQTT.Listen
}

func embeddedBrokerURL(cfg bridged.Config) string {
	tlsEnabled := cfg.EmbeddedMQTT.TLSCert != "" || cfg.EmbeddedMQTT.TLSKey != "" || cfg.EmbeddedMQTT.TLSCA != ""
	return embeddedmqtt.BrokerURL(embeddedListen(cfg), tlsEnabled)
}

func waitForListen(ctx context.Context, listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
