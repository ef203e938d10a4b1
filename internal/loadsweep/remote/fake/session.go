// Package fake provides scripted in-memory sessions standing in for SSH hosts in tests.
//
// A Session records every command issued to it and answers from a small set of rules. Commands not matched by a rule
// exit immediately with status zero. Long running commands registered with Reply.UntilKilled keep running until a
// killall naming their program or a signal releases them. Uploads (cat > path), downloads (cat path), rm -f, pidof
// and killall are interpreted against an in-memory filesystem and process table.
package fake

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
)

// KilledStatus is the exit status reported by a process released by killall or a signal.
const KilledStatus = 137

// Reply describes how a session answers a command.
type Reply struct {
	Status int
	Stdout string
	Stderr string
	// Keep running until killed
	UntilKilled bool
	// Returned by Start instead of starting the command
	StartErr error
	// Returned by Wait instead of an exit status
	WaitErr error
	// Called when the command starts, outside the session lock
	Hook func(s *Session)
}

type rule struct {
	match string
	reply Reply
}

type process struct {
	session  *Session
	command  string
	programs []string
	exit     chan error
	once     sync.Once
}

func (p *process) release(err error) {
	p.once.Do(func() {
		p.exit <- err
	})
}

func (p *process) Wait() error {
	return <-p.exit
}

func (p *process) Signal(string) error {
	p.session.remove(p)
	p.release(&remote.ExitError{Status: KilledStatus})
	return nil
}

// Session is a scripted remote.Session.
type Session struct {
	Host string

	mu       sync.Mutex
	rules    []rule
	commands []string
	files    map[string][]byte
	running  []*process
	closed   bool
}

func NewSession(host string) *Session {
	return &Session{
		Host:  host,
		files: map[string][]byte{},
	}
}

// OnCommand answers every command containing match with reply. Rules added later take precedence.
func (s *Session) OnCommand(match string, reply Reply) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, rule{match: match, reply: reply})
	return s
}

// Commands returns every command issued so far, in order.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandsContaining returns the issued commands containing substr, in order.
func (s *Session) CommandsContaining(substr string) []string {
	var matched []string
	for _, c := range s.Commands() {
		if strings.Contains(c, substr) {
			matched = append(matched, c)
		}
	}
	return matched
}

func (s *Session) WriteFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
}

func (s *Session) AppendFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append(s.files[name], data...)
}

func (s *Session) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// Running returns the commands still running.
func (s *Session) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var running []string
	for _, p := range s.running {
		running = append(running, p.command)
	}
	return running
}

func (s *Session) remove(p *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.running {
		if r == p {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Close() error {
	s.mu.Lock()
	running := s.running
	s.running = nil
	s.closed = true
	s.mu.Unlock()
	for _, p := range running {
		p.release(errors.New("session closed"))
	}
	return nil
}

func (s *Session) Start(command string, stdin io.Reader, stdout io.Writer) (remote.Process, error) {
	var input []byte
	if stdin != nil {
		var err error
		if input, err = io.ReadAll(stdin); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Errorf("session to %s is closed", s.Host)
	}
	s.commands = append(s.commands, command)
	// process control always acts on the process table so that rules written for a program do not capture it
	var reply Reply
	matched := false
	if !isProcessControl(strings.Fields(command)) {
		reply, matched = s.match(command)
	}
	if !matched {
		reply = s.builtin(command, input)
	}
	if reply.StartErr != nil {
		s.mu.Unlock()
		return nil, reply.StartErr
	}
	p := &process{session: s, command: command, programs: programs(command), exit: make(chan error, 1)}
	if reply.UntilKilled {
		s.running = append(s.running, p)
	}
	s.mu.Unlock()

	if reply.Hook != nil {
		reply.Hook(s)
	}
	if stdout != nil && reply.Stdout != "" {
		_, _ = io.WriteString(stdout, reply.Stdout)
	}
	if !reply.UntilKilled {
		switch {
		case reply.WaitErr != nil:
			p.release(reply.WaitErr)
		case reply.Status != 0:
			p.release(&remote.ExitError{Status: reply.Status, Stderr: reply.Stderr})
		default:
			p.release(nil)
		}
	}
	return p, nil
}

func (s *Session) match(command string) (Reply, bool) {
	for i := len(s.rules) - 1; i >= 0; i-- {
		if strings.Contains(command, s.rules[i].match) {
			return s.rules[i].reply, true
		}
	}
	return Reply{}, false
}

// builtin interprets the commands the orchestrator relies on. Called with the lock held.
func (s *Session) builtin(command string, input []byte) Reply {
	fields := strings.Fields(command)
	switch {
	case strings.Contains(command, "cat > "):
		name := unquote(strings.TrimSpace(command[strings.LastIndex(command, "cat > ")+len("cat > "):]))
		s.files[name] = input
		return Reply{}
	case len(fields) == 2 && fields[0] == "cat":
		data, ok := s.files[unquote(fields[1])]
		if !ok {
			return Reply{Status: 1, Stderr: fmt.Sprintf("cat: %s: No such file or directory", fields[1])}
		}
		return Reply{Stdout: string(data)}
	case len(fields) > 2 && fields[0] == "rm" && fields[1] == "-f":
		for _, f := range fields[2:] {
			delete(s.files, unquote(f))
		}
		return Reply{}
	case len(fields) == 2 && fields[0] == "pidof":
		for _, p := range s.running {
			if contains(p.programs, fields[1]) {
				return Reply{Stdout: "4242\n"}
			}
		}
		return Reply{Status: 1}
	case isProcessControl(fields):
		released := false
		for _, name := range killallTargets(fields) {
			var remaining []*process
			for _, p := range s.running {
				if contains(p.programs, name) {
					p.release(&remote.ExitError{Status: KilledStatus})
					released = true
				} else {
					remaining = append(remaining, p)
				}
			}
			s.running = remaining
		}
		if !released {
			return Reply{Status: 1, Stderr: "no process found"}
		}
		return Reply{}
	}
	return Reply{}
}

func isProcessControl(fields []string) bool {
	return contains(fields, "killall") || (len(fields) == 2 && fields[0] == "pidof")
}

func killallTargets(fields []string) []string {
	var targets []string
	after := false
	for _, f := range fields {
		if f == "killall" {
			after = true
			continue
		}
		if after && !strings.HasPrefix(f, "-") {
			targets = append(targets, f)
		}
	}
	return targets
}

// programs returns the base names of every token of command, which is enough to tell which programs it runs.
func programs(command string) []string {
	var names []string
	for _, f := range strings.Fields(command) {
		names = append(names, path.Base(f))
	}
	return names
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func unquote(s string) string {
	return strings.Trim(s, "'")
}

// Dialer hands out pre-built sessions keyed by address.
type Dialer struct {
	mu       sync.Mutex
	sessions map[string]*Session
	failures map[string]error
	dialled  []string
}

func NewDialer() *Dialer {
	return &Dialer{sessions: map[string]*Session{}, failures: map[string]error{}}
}

// Add registers a session answering dials to address.
func (d *Dialer) Add(address string, session *Session) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[address] = session
	return session
}

// Fail makes dials to address return err.
func (d *Dialer) Fail(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[address] = err
}

// Dialled returns every address dialled so far.
func (d *Dialer) Dialled() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialled...)
}

func (d *Dialer) Dial(_ context.Context, host string, address string) (remote.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialled = append(d.dialled, address)
	if err, ok := d.failures[address]; ok {
		return nil, err
	}
	s, ok := d.sessions[address]
	if !ok {
		s = NewSession(host)
		d.sessions[address] = s
	}
	return s, nil
}

// Session returns the session registered for address.
func (d *Dialer) Session(address string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[address]
}
