package player

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"go.uber.org/zap"
)

// Process is a running player subprocess.
type Process interface {
	Pid() int
	// Terminate requests a graceful shutdown.
	Terminate() error
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err returns the wait error after Done is closed.
	Err() error
}

// Spawner starts player processes.
type Spawner interface {
	Spawn(name string, args []string) (Process, error)
}

// ExecSpawner starts processes with os/exec and forwards their output to the log.
type ExecSpawner struct {
	Log *zap.Logger
}

// Spawn starts name with args.
func (s ExecSpawner) Spawn(name string, args []string) (Process, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	log = log.With(zap.Int("pid", cmd.Process.Pid))
	drained := make(chan struct{}, 2)
	go forwardOutput(log, "stdout", stdout, drained)
	go forwardOutput(log, "stderr", stderr, drained)
	go func() {
		<-drained
		<-drained
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func forwardOutput(log *zap.Logger, stream string, r io.Reader, drained chan<- struct{}) {
	defer func() { drained <- struct{}{} }()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debug("player output", zap.String("stream", stream), zap.String("line", scanner.Text()))
	}
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
