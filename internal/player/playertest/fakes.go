// Package playertest provides in-memory player processes and channels for tests.
package playertest

import (
	"context"
	"sync"

	"github.com/mikey-austin/mpv_bridge/internal/player"
)

// Process is a fake player process that exits when terminated, unless it
// was spawned stubborn, in which case only Kill ends it.
type Process struct {
	pid      int
	spawner  *Spawner
	stubborn bool
	done     chan struct{}
	once     sync.Once

	mu         sync.Mutex
	terminates int
	kills      int
}

func (p *Process) Pid() int              { return p.pid }
func (p *Process) Done() <-chan struct{} { return p.done }
func (p *Process) Err() error            { return nil }

func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminates++
	p.mu.Unlock()
	if !p.stubborn {
		p.Exit()
	}
	return nil
}

func (p *Process) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.Exit()
	return nil
}

// Signals returns how often the process was terminated and killed.
func (p *Process) Signals() (terminates int, kills int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminates, p.kills
}

// Exit simulates the process ending on its own.
func (p *Process) Exit() {
	p.once.Do(func() {
		p.spawner.mu.Lock()
		p.spawner.live--
		p.spawner.mu.Unlock()
		close(p.done)
	})
}

// Spawner records spawn invocations and tracks live processes. Fail makes
// Spawn return an error; Stubborn spawns processes that ignore Terminate.
type Spawner struct {
	mu       sync.Mutex
	calls    [][]string
	procs    []*Process
	live     int
	maxLive  int
	fail     error
	stubborn bool
}

// Spawn starts a fake process.
func (s *Spawner) Spawn(name string, args []string) (player.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.calls = append(s.calls, append([]string{name}, args...))
	s.live++
	if s.live > s.maxLive {
		s.maxLive = s.live
	}
	p := &Process{pid: 4000 + len(s.procs), spawner: s, stubborn: s.stubborn, done: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

// Fail makes subsequent spawns return err. A nil err restores spawning.
func (s *Spawner) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Stubborn makes subsequently spawned processes ignore Terminate.
func (s *Spawner) Stubborn(stubborn bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubborn = stubborn
}

// Calls returns each invocation as binary followed by arguments.
func (s *Spawner) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.calls...)
}

// Last returns the most recently spawned process.
func (s *Spawner) Last() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.procs) == 0 {
		return nil
	}
	return s.procs[len(s.procs)-1]
}

// Live returns the number of live processes and the maximum ever observed.
func (s *Spawner) Live() (live int, maxLive int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live, s.maxLive
}

// Channel records commands sent to the player.
type Channel struct {
	mu   sync.Mutex
	sent []player.Command
	err  error
}

// Send records cmd and returns the configured error.
func (c *Channel) Send(_ context.Context, cmd player.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return c.err
}

// SetErr makes subsequent sends fail with err.
func (c *Channel) SetErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Commands returns the recorded commands.
func (c *Channel) Commands() []player.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]player.Command(nil), c.sent...)
}

// Message is one recorded publish.
type Message struct {
	Topic    string
	Retained bool
	Payload  string
}

// Publisher records state publishes.
type Publisher struct {
	mu   sync.Mutex
	msgs []Message
}

// Publish records the message.
func (p *Publisher) Publish(topic string, _ byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, Message{Topic: topic, Retained: retained, Payload: string(payload)})
	return nil
}

// Messages returns the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

// Values returns the recorded payloads in order.
func (p *Publisher) Values() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.msgs))
	for _, m := range p.msgs {
		out = append(out, m.Payload)
	}
	return out
}
