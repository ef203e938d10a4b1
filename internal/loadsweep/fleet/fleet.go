package fleet

import (
	"bytes"
	"io"
	"path"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
)

// Mode says whether Execute waits for the commands it issues.
type Mode int

const (
	Blocking Mode = iota
	NonBlocking
)

// Policy says whether a failed command is an error or a warning.
type Policy int

const (
	Mandatory Policy = iota
	BestEffort
	// Poll fails like Mandatory but is not reported to the CommandRecorder. Readiness polls use it.
	Poll
)

func (p Policy) String() string {
	switch p {
	case BestEffort:
		return "best_effort"
	case Poll:
		return "poll"
	}
	return "mandatory"
}

// CommandRecorder is told the outcome of every blocking command.
type CommandRecorder interface {
	RecordCommand(role string, policy string, succeeded bool)
}

// Fleet owns one session per host for the lifetime of a run.
type Fleet struct {
	hosts    []*Host
	clock    clock.PassiveClock
	recorder CommandRecorder
}

// Open dials every host of the topology in parallel. If any dial fails the sessions already opened are closed and
// the failure is returned.
func Open(ctx *sweepcontext.Context, dialer remote.Dialer, config configuration.SweepConfig, clk clock.PassiveClock) (*Fleet, error) {
	hosts := hostsFromConfig(config.Topology, config.Experiment)
	g, gctx := sweepcontext.ErrGroup(ctx)
	for _, h := range hosts {
		h := h
		g.Go(func() error {
			session, err := dialer.Dial(gctx, h.Name, h.Address)
			if err != nil {
				var transportErr *sweeperrors.ErrTransport
				if errors.As(err, &transportErr) {
					return err
				}
				return errors.WithStack(&sweeperrors.ErrTransport{Host: h.Name, Address: h.Address, Err: err})
			}
			h.session = session
			gctx.Log.WithField("host", h.Name).Debugf("connected to %s", h.Address)
			return nil
		})
	}
	f := &Fleet{hosts: hosts, clock: clk}
	if err := g.Wait(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// SetRecorder registers the observer of command outcomes.
func (f *Fleet) SetRecorder(recorder CommandRecorder) {
	f.recorder = recorder
}

// Close closes every open session. It is safe to call more than once.
func (f *Fleet) Close() {
	for _, h := range f.hosts {
		if h.session == nil {
			continue
		}
		if err := h.session.Close(); err != nil {
			logrus.WithField("host", h.Name).WithError(err).Warn("failed to close session cleanly")
		}
		h.session = nil
	}
}

func (f *Fleet) Server() *Host {
	return f.hosts[0]
}

func (f *Fleet) Client() *Host {
	return f.hosts[1]
}

func (f *Fleet) Agents() []*Host {
	return f.hosts[2:]
}

// ClientAndAgents returns the load generating hosts, client first.
func (f *Fleet) ClientAndAgents() []*Host {
	return f.hosts[1:]
}

func (f *Fleet) All() []*Host {
	return f.hosts
}

type invocation struct {
	command string
	stdin   io.Reader
	stdout  io.Writer
}

// Execute issues command on every host. Blocking mode dispatches to all hosts in parallel and returns once every
// command has exited; NonBlocking returns as soon as the commands are issued. Under the Mandatory policy each failed
// host contributes an ErrMandatoryCommand to the returned multierror, under BestEffort failures are only logged.
// The returned handles are aligned with hosts and nil where a command could not be issued.
func (f *Fleet) Execute(ctx *sweepcontext.Context, hosts []*Host, command string, mode Mode, policy Policy) ([]*remote.CommandHandle, error) {
	return f.execute(ctx, hosts, mode, policy, func(*Host) invocation {
		return invocation{command: command}
	})
}

func (f *Fleet) execute(ctx *sweepcontext.Context, hosts []*Host, mode Mode, policy Policy, build func(*Host) invocation) ([]*remote.CommandHandle, error) {
	handles := make([]*remote.CommandHandle, len(hosts))
	failures := make([]error, len(hosts))

	if mode == NonBlocking {
		for i, h := range hosts {
			inv := build(h)
			handle, err := f.start(h, inv)
			if err != nil {
				failures[i] = f.failure(ctx, h, inv.command, policy, remote.StatusUnknown, "", err)
				continue
			}
			handles[i] = handle
		}
		return handles, combine(failures)
	}

	// Failures are collected rather than returned so that one host never cancels the others.
	g := new(errgroup.Group)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			inv := build(h)
			handle, err := f.start(h, inv)
			if err != nil {
				failures[i] = f.failure(ctx, h, inv.command, policy, remote.StatusUnknown, "", err)
				return nil
			}
			handles[i] = handle
			status, err := handle.Wait(ctx)
			if err != nil || status != 0 {
				failures[i] = f.failure(ctx, h, inv.command, policy, status, handle.Stderr(), err)
				return nil
			}
			f.record(h, policy, true)
			return nil
		})
	}
	_ = g.Wait()
	return handles, combine(failures)
}

func (f *Fleet) start(h *Host, inv invocation) (*remote.CommandHandle, error) {
	if h.session == nil {
		return nil, errors.WithStack(&sweeperrors.ErrTransport{Host: h.Name, Address: h.Address, Err: errors.New("no open session")})
	}
	return remote.StartCommand(h.session, h.Name, inv.command, inv.stdin, inv.stdout, f.clock.Now())
}

// failure turns a failed command into the error or warning its policy calls for. Warnings are logged and nil is
// returned.
func (f *Fleet) failure(ctx *sweepcontext.Context, h *Host, command string, policy Policy, status int, stderr string, err error) error {
	f.record(h, policy, false)
	if policy == BestEffort {
		warning := &sweeperrors.CleanupWarning{Host: h.Name, Command: command, Status: status, Err: err}
		ctx.Log.WithField("host", h.Name).Warn(warning.Error())
		return nil
	}
	return errors.WithStack(&sweeperrors.ErrMandatoryCommand{
		Host:    h.Name,
		Command: command,
		Status:  status,
		Stderr:  stderr,
		Err:     err,
	})
}

func (f *Fleet) record(h *Host, policy Policy, succeeded bool) {
	if f.recorder != nil && policy != Poll {
		f.recorder.RecordCommand(string(h.Role), policy.String(), succeeded)
	}
}

func combine(failures []error) error {
	var result *multierror.Error
	for _, err := range failures {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Upload writes data to remotePath on every host, creating the parent directory. Paths are relative to the remote
// home directory. It blocks until every host has the file.
func (f *Fleet) Upload(ctx *sweepcontext.Context, hosts []*Host, remotePath string, data []byte, policy Policy) error {
	command := UploadCommand(remotePath)
	_, err := f.execute(ctx, hosts, Blocking, policy, func(*Host) invocation {
		return invocation{command: command, stdin: bytes.NewReader(data)}
	})
	return err
}

// Download returns the content of remotePath on host.
func (f *Fleet) Download(ctx *sweepcontext.Context, host *Host, remotePath string) ([]byte, error) {
	var out lockedBuffer
	_, err := f.execute(ctx, []*Host{host}, Blocking, Mandatory, func(*Host) invocation {
		return invocation{command: "cat " + shellescape.Quote(remotePath), stdout: &out}
	})
	if err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func UploadCommand(remotePath string) string {
	return "mkdir -p " + shellescape.Quote(path.Dir(remotePath)) + " && cat > " + shellescape.Quote(remotePath)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}
