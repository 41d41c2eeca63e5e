package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqtt"
	"github.com/mikey-austin/mpv_bridge/internal/adapters/mqttserver"
	"github.com/mikey-austin/mpv_bridge/internal/adapters/output"
	"github.com/mikey-austin/mpv_bridge/internal/bridged"
	"github.com/mikey-austin/mpv_bridge/internal/core"
)

type transport interface {
	mqtt.Transport
	Disconnect(quiesce time.Duration)
}

type dialFunc func(opts mqttserver.Options) (transport, error)

type app struct {
	cfg     bridged.Config
	host    string
	timeout time.Duration
	printer output.Printer
	dial    dialFunc

	conn       transport
	controller *mqtt.Controller
}

type appKey struct{}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr, dialMQTT))
}

func dialMQTT(opts mqttserver.Options) (transport, error) {
	client, err := mqttserver.NewClient(opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func execute(args []string, stdout, stderr io.Writer, dial dialFunc) int {
	root := newRootCommand(stdout, dial)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, err)
		return core.ExitCode(err)
	}
	return core.ExitOK
}

func newRootCommand(stdout io.Writer, dial dialFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "mpvctl",
		Short:         "Control mpv bridges over MQTT",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return core.WrapError(core.ErrUsage, "flags", err)
	})

	var (
		configPath string
		broker     string
		port       int
		userOpt    string
		passOpt    string
		tlsCA      string
		tlsCert    string
		tlsKey     string
		mode       string
		host       string
		qos        int
		timeout    time.Duration
		jsonOut    bool
		quiet      bool
		noColor    bool
	)

	flags := root.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "bridge config to read connection defaults from")
	flags.StringVarP(&broker, "broker", "b", "", "MQTT broker host or URL")
	flags.IntVarP(&port, "port", "p", 0, "MQTT broker port")
	flags.StringVar(&userOpt, "user", "", "MQTT username")
	flags.StringVar(&passOpt, "pass", "", "MQTT password")
	flags.StringVar(&tlsCA, "tls-ca", "", "TLS CA path")
	flags.StringVar(&tlsCert, "tls-cert", "", "TLS cert path")
	flags.StringVar(&tlsKey, "tls-key", "", "TLS key path")
	flags.StringVarP(&mode, "mode", "m", "", "bridge mode (audio|video)")
	flags.StringVarP(&host, "host", "H", "", `target host, or "all" (default local hostname)`)
	flags.IntVar(&qos, "qos", -1, "MQTT QoS")
	flags.DurationVarP(&timeout, "timeout", "t", 2*time.Second, "command timeout")
	flags.BoolVarP(&jsonOut, "json", "j", false, "output json")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")
	flags.BoolVar(&noColor, "no-color", false, "disable color")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if noColor {
			pterm.DisableColor()
		}
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if broker != "" {
			cfg.Connection.Broker = broker
		}
		if port > 0 {
			cfg.Connection.Port = port
		}
		if userOpt != "" {
			cfg.Connection.Username = userOpt
			cfg.Connection.Password = passOpt
		}
		if tlsCA != "" || tlsCert != "" || tlsKey != "" {
			cfg.Connection.TLS = bridged.TLSConfig{CA: tlsCA, Cert: tlsCert, Key: tlsKey}
		}
		if mode != "" {
			cfg.General.Mode = mode
		}
		if qos >= 0 {
			cfg.Connection.QoS = qos
		}
		target := strings.TrimSpace(host)
		if target == "" {
			if target, err = cfg.Hostname(); err != nil {
				return core.WrapError(core.ErrConfig, "hostname", err)
			}
		}

		var printer output.Printer = output.HumanPrinter{W: stdout, Quiet: quiet}
		if jsonOut {
			printer = output.JSONPrinter{W: stdout}
		}
		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, &app{
			cfg:     cfg,
			host:    target,
			timeout: timeout,
			printer: printer,
			dial:    dial,
		}))
		return nil
	}

	root.AddCommand(playCommand())
	root.AddCommand(pauseCommand())
	root.AddCommand(resumeCommand())
	root.AddCommand(stopCommand())
	root.AddCommand(seekCommand())
	root.AddCommand(volumeCommand())
	root.AddCommand(speedCommand())
	root.AddCommand(statusCommand())
	root.AddCommand(watchCommand())
	root.AddCommand(topicsCommand())
	return root
}

// loadConfig reads the bridge config when present. An explicit path must exist.
func loadConfig(path string) (bridged.Config, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = bridged.DefaultConfigPath(); err != nil {
			return bridged.DefaultConfig(), nil
		}
	}
	if _, err := os.Stat(path); err != nil && !explicit {
		return bridged.DefaultConfig(), nil
	}
	cfg, err := bridged.LoadConfig(path)
	if err != nil {
		return bridged.Config{}, core.WrapError(core.ErrConfig, "load config", err)
	}
	return cfg, nil
}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

// connect dials the broker on first use and returns the controller.
func (a *app) connect() (*mqtt.Controller, error) {
	if a.controller != nil {
		return a.controller, nil
	}
	conn, err := a.dial(mqttserver.Options{
		BrokerURL: a.cfg.Connection.BrokerURL(),
		ClientID:  "mpvctl-" + uuid.NewString()[:8],
		Username:  a.cfg.Connection.Username,
		Password:  a.cfg.Connection.Password,
		TLSCA:     a.cfg.Connection.TLS.CA,
		TLSCert:   a.cfg.Connection.TLS.Cert,
		TLSKey:    a.cfg.Connection.TLS.Key,
		Timeout:   a.timeout,
	})
	if err != nil {
		return nil, core.WrapError(core.ErrConnection, "connect "+a.cfg.Connection.BrokerURL(), err)
	}
	controller, err := mqtt.NewController(conn, mqtt.Options{
		Mode:    a.cfg.General.Mode,
		Host:    a.host,
		QoS:     byte(a.cfg.Connection.QoS),
		Timeout: a.timeout,
	})
	if err != nil {
		conn.Disconnect(0)
		return nil, err
	}
	a.conn = conn
	a.controller = controller
	return controller, nil
}

func (a *app) close() {
	if a.conn != nil {
		a.conn.Disconnect(250 * time.Millisecond)
		a.conn = nil
	}
}

// send runs one publishing command and acknowledges the topic it used.
func send(cmd *cobra.Command, leaf, payload string, publish func(ctx context.Context, c *mqtt.Controller) error) error {
	a, c, err := connected(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	if err := publish(ctx, c); err != nil {
		return err
	}
	return a.printer.Print(output.Ack{Topic: c.Topic(leaf), Payload: payload})
}

func connected(cmd *cobra.Command) (*app, *mqtt.Controller, error) {
	a := fromContext(cmd)
	if a == nil {
		return nil, nil, errors.New("mpvctl not initialised")
	}
	c, err := a.connect()
	if err != nil {
		return nil, nil, err
	}
	return a, c, nil
}
