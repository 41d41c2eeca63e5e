package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mpv_bridge/internal/core"
	"github.com/mikey-austin/mpv_bridge/pkg/bridge"
)

// DefaultGrace is how long a terminated player may take to exit before it is killed.
const DefaultGrace = 2 * time.Second

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Config configures the supervisor.
type Config struct {
	Mode       string
	Monitor    int
	Volume     float64
	Speed      float64
	Binary     string
	ExtraArgs  []string
	SocketPath string
	StateTopic string
	QoS        byte
	Grace      time.Duration
	// ReadyTimeout bounds the wait for the IPC socket after a spawn. Zero skips the wait.
	ReadyTimeout time.Duration
	// RollbackOnSendFailure restores status, volume or speed when the IPC send fails.
	RollbackOnSendFailure bool
}

// Exit reports the end of a player process.
type Exit struct {
	PID  int
	Err  error
	proc Process
}

// Supervisor owns the player session and at most one player process.
type Supervisor struct {
	log     *zap.Logger
	spawner Spawner
	channel Channel
	client  publisher
	config  Config

	mu      sync.Mutex
	session Session
	proc    Process

	exits     chan Exit
	closed    chan struct{}
	closeOnce sync.Once
}

// DefaultSocketPath returns an IPC socket path unique to this process.
func DefaultSocketPath(dir string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, fmt.Sprintf("mpv-socket-%d", os.Getpid()))
}

// NewSupervisor creates a supervisor in the Stopped state.
func NewSupervisor(log *zap.Logger, spawner Spawner, channel Channel, client publisher, cfg Config) (*Supervisor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !bridge.ValidMode(cfg.Mode) {
		return nil, core.WrapError(core.ErrConfig, "new supervisor", fmt.Errorf("invalid mode %q", cfg.Mode))
	}
	if cfg.Monitor < 0 {
		return nil, core.WrapError(core.ErrConfig, "new supervisor", fmt.Errorf("invalid monitor %d", cfg.Monitor))
	}
	if spawner == nil {
		return nil, errors.New("spawner required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "mpv"
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath("")
	}
	if channel == nil {
		channel = NewSocketClient(cfg.SocketPath, 0)
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}

	return &Supervisor{
		log:     log,
		spawner: spawner,
		channel: channel,
		client:  client,
		config:  cfg,
		session: Session{
			Mode:        cfg.Mode,
			Monitor:     cfg.Monitor,
			Volume:      cfg.Volume,
			Speed:       cfg.Speed,
			Status:      Stopped,
			ControlPath: cfg.SocketPath,
		},
		exits:  make(chan Exit, 4),
		closed: make(chan struct{}),
	}, nil
}

// Exits delivers process exits. Feed them back through HandleExit.
func (s *Supervisor) Exits() <-chan Exit {
	return s.exits
}

// Snapshot returns a copy of the session.
func (s *Supervisor) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Start replaces any running player with a new one playing url.
func (s *Supervisor) Start(ctx context.Context, url string, loop bool) error {
	s.mu.Lock()
	replaced := s.proc != nil
	if replaced {
		s.log.Info("replacing player", zap.String("previous_url", s.session.CurrentURL))
		s.stopLocked()
	}
	if err := os.Remove(s.config.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("remove stale ipc socket", zap.String("path", s.config.SocketPath), zap.Error(err))
	}

	args := s.argsLocked(url, loop)
	proc, err := s.spawner.Spawn(s.config.Binary, args)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("player spawn failed", zap.String("binary", s.config.Binary), zap.String("url", url), zap.Error(err))
		// The replaced player is gone and its exit will be ignored.
		if replaced {
			s.publishState(bridge.StateStop)
		}
		return core.WrapError(core.ErrProcess, "spawn "+s.config.Binary, err)
	}
	s.proc = proc
	s.session.Status = Playing
	s.session.CurrentURL = url
	s.session.Loop = loop
	s.session.PID = proc.Pid()
	s.mu.Unlock()

	go s.watch(proc)
	s.log.Info("playback started", zap.String("url", url), zap.Bool("loop", loop), zap.Int("pid", proc.Pid()))
	s.publishState(bridge.StatePlay)
	s.waitReady(ctx)
	return nil
}

// Stop terminates the player, killing it after the grace period. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.proc == nil {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.mu.Unlock()

	s.log.Info("playback stopped")
	s.publishState(bridge.StateStop)
}

// Pause pauses a playing player.
func (s *Supervisor) Pause(ctx context.Context) {
	s.togglePause(ctx, Playing, Paused, true, bridge.StatePause)
}

// Resume resumes a paused player.
func (s *Supervisor) Resume(ctx context.Context) {
	s.togglePause(ctx, Paused, Playing, false, bridge.StatePlay)
}

func (s *Supervisor) togglePause(ctx context.Context, from, to Status, pause bool, state string) {
	s.mu.Lock()
	if s.session.Status != from {
		current := s.session.Status
		s.mu.Unlock()
		s.log.Debug("ignoring pause change", zap.Stringer("status", current), zap.Bool("pause", pause))
		return
	}
	s.session.Status = to
	s.mu.Unlock()

	if err := s.channel.Send(ctx, SetProperty("pause", pause)); err != nil {
		s.logSendFailure(err)
		if s.config.RollbackOnSendFailure {
			s.mu.Lock()
			if s.session.Status == to {
				s.session.Status = from
			}
			s.mu.Unlock()
			return
		}
	}
	s.publishState(state)
}

// Seek seeks the running player.
func (s *Supervisor) Seek(ctx context.Context, value float64, mode bridge.SeekMode) {
	s.mu.Lock()
	status := s.session.Status
	s.mu.Unlock()
	if status == Stopped {
		s.log.Debug("ignoring seek without playback", zap.Float64("value", value))
		return
	}
	if err := s.channel.Send(ctx, SeekCommand(value, mode)); err != nil {
		s.logSendFailure(err)
	}
}

// SetVolume records the volume and applies it to a running player.
func (s *Supervisor) SetVolume(ctx context.Context, volume float64) {
	s.setLive(ctx, "volume", volume, func(sess *Session) *float64 { return &sess.Volume })
}

// SetSpeed records the speed and applies it to a running player.
func (s *Supervisor) SetSpeed(ctx context.Context, speed float64) {
	s.setLive(ctx, "speed", speed, func(sess *Session) *float64 { return &sess.Speed })
}

func (s *Supervisor) setLive(ctx context.Context, name string, value float64, field func(*Session) *float64) {
	s.mu.Lock()
	ptr := field(&s.session)
	prev := *ptr
	*ptr = value
	live := s.session.Status != Stopped
	s.mu.Unlock()

	if !live {
		s.log.Debug("stored property for next playback", zap.String("property", name), zap.Float64("value", value))
		return
	}
	if err := s.channel.Send(ctx, SetProperty(name, value)); err != nil {
		s.logSendFailure(err)
		if s.config.RollbackOnSendFailure {
			s.mu.Lock()
			if ptr := field(&s.session); *ptr == value {
				*ptr = prev
			}
			s.mu.Unlock()
		}
	}
}

// HandleExit applies a process exit. Exits of replaced processes are ignored.
func (s *Supervisor) HandleExit(exit Exit) {
	s.mu.Lock()
	if s.proc == nil || s.proc != exit.proc {
		s.mu.Unlock()
		s.log.Debug("ignoring exit of replaced player", zap.Int("pid", exit.PID))
		return
	}
	s.proc = nil
	s.session.Status = Stopped
	s.session.CurrentURL = ""
	s.session.PID = 0
	s.mu.Unlock()

	if exit.Err != nil {
		s.log.Warn("player exited", zap.Int("pid", exit.PID), zap.Error(exit.Err))
	} else {
		s.log.Info("player exited", zap.Int("pid", exit.PID))
	}
	s.publishState(bridge.StateStop)
}

// Close releases exit watchers. The player should be stopped first.
func (s *Supervisor) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
}

func (s *Supervisor) stopLocked() {
	proc := s.proc
	if err := proc.Terminate(); err != nil {
		s.log.Debug("terminate player", zap.Int("pid", proc.Pid()), zap.Error(err))
	}

	timer := time.NewTimer(s.config.Grace)
	defer timer.Stop()
	select {
	case <-proc.Done():
	case <-timer.C:
		s.log.Warn("player ignored terminate, killing", zap.Int("pid", proc.Pid()))
		if err := proc.Kill(); err != nil {
			s.log.Error("kill player", zap.Int("pid", proc.Pid()), zap.Error(err))
		}
		select {
		case <-proc.Done():
		case <-time.After(s.config.Grace):
			s.log.Error("player still alive after kill", zap.Int("pid", proc.Pid()))
		}
	}

	s.proc = nil
	s.session.Status = Stopped
	s.session.CurrentURL = ""
	s.session.PID = 0
}

func (s *Supervisor) argsLocked(url string, loop bool) []string {
	args := []string{"--no-terminal"}
	if s.session.Mode == bridge.ModeVideo {
		args = append(args,
			"--fs",
			fmt.Sprintf("--screen=%d", s.session.Monitor),
			"--no-osc",
			"--no-input-cursor",
		)
	} else {
		args = append(args, "--no-video")
	}
	if loop {
		args = append(args, "--loop-file=inf")
	}
	args = append(args,
		"--volume="+formatFloat(s.session.Volume),
		"--speed="+formatFloat(s.session.Speed),
		"--input-ipc-server="+s.config.SocketPath,
	)
	args = append(args, s.config.ExtraArgs...)
	return append(args, "--", url)
}

func (s *Supervisor) watch(proc Process) {
	select {
	case <-proc.Done():
	case <-s.closed:
		return
	}
	exit := Exit{PID: proc.Pid(), Err: proc.Err(), proc: proc}
	select {
	case s.exits <- exit:
	case <-s.closed:
	}
}

func (s *Supervisor) waitReady(ctx context.Context) {
	if s.config.ReadyTimeout <= 0 {
		return
	}
	deadline := time.NewTimer(s.config.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if _, err := os.Stat(s.config.SocketPath); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.log.Debug("ipc socket not ready", zap.String("path", s.config.SocketPath))
			return
		case <-tick.C:
		}
	}
}

func (s *Supervisor) publishState(value string) {
	if s.client == nil || s.config.StateTopic == "" {
		return
	}
	if err := s.client.Publish(s.config.StateTopic, s.config.QoS, false, []byte(value)); err != nil {
		s.log.Warn("publish player state", zap.String("state", value), zap.Error(err))
	}
}

func (s *Supervisor) logSendFailure(err error) {
	if errors.Is(err, core.ErrChannelNotFound) {
		s.log.Warn("ipc socket not available", zap.Error(err))
		return
	}
	s.log.Error("ipc send failed", zap.Error(err))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
