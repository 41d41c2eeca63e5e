package player

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// Command is one mpv JSON IPC command line.
type Command struct {
	Args []any `json:"command"`
}

// SetProperty builds a set_property command.
func SetProperty(name string, value any) Command {
	return Command{Args: []any{"set_property", name, value}}
}

// SeekCommand builds a seek command.
func SeekCommand(value float64, mode bridge.SeekMode) Command {
	return Command{Args: []any{"seek", value, string(mode)}}
}

// Name returns the command verb and, for property sets, the property.
func (c Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	verb, _ := c.Args[0].(string)
	if verb == "set_property" && len(c.Args) > 1 {
		if prop, ok := c.Args[1].(string); ok {
			return verb + ":" + prop
		}
	}
	return verb
}

// Channel delivers commands to the running player.
type Channel interface {
	Send(ctx context.Context, cmd Command) error
}

// SocketClient writes one command per connection to an mpv IPC socket.
type SocketClient struct {
	Path    string
	Timeout time.Duration
}

// NewSocketClient returns a client for the socket at path.
func NewSocketClient(path string, timeout time.Duration) *SocketClient {
	if timeout == 0 {
		timeout = 2 * time.Second
	}
	return &SocketClient{Path: path, Timeout: timeout}
}

// Send writes cmd as a single JSON line. No response is read.
func (c *SocketClient) Send(ctx context.Context, cmd Command) error {
	if _, err := os.Stat(c.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.WrapError(core.ErrChannelNotFound, "send "+cmd.Name(), fmt.Errorf("socket %s missing", c.Path))
		}
		return core.WrapError(core.ErrChannel, "send "+cmd.Name(), err)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return core.WrapError(core.ErrChannel, "marshal "+cmd.Name(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return core.WrapError(core.ErrChannel, "send "+cmd.Name(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return core.WrapError(core.ErrChannel, "send "+cmd.Name(), err)
		}
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return core.WrapError(core.ErrChannel, "send "+cmd.Name(), err)
	}
	return nil
}
