package remote

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
)

// StatusUnknown is reported by a handle whose process ended without an observable exit status.
const StatusUnknown = -1

// CommandHandle tracks one issued remote command until it resolves to an exit status.
type CommandHandle struct {
	Host      string
	Command   string
	StartedAt time.Time

	process Process
	done    chan struct{}
	status  int
	stderr  string
	err     error
}

// StartCommand issues command on session and returns a pending handle. A failure to issue the command is returned
// as an ErrTransport.
func StartCommand(session Session, host string, command string, stdin io.Reader, stdout io.Writer, now time.Time) (*CommandHandle, error) {
	process, err := session.Start(command, stdin, stdout)
	if err != nil {
		return nil, errors.WithStack(&sweeperrors.ErrTransport{Host: host, Err: err})
	}
	h := &CommandHandle{
		Host:      host,
		Command:   command,
		StartedAt: now,
		process:   process,
		done:      make(chan struct{}),
	}
	go func() {
		h.resolve(process.Wait())
		close(h.done)
	}()
	return h, nil
}

func (h *CommandHandle) resolve(err error) {
	if err == nil {
		h.status = 0
		return
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		h.status = exitErr.Status
		h.stderr = exitErr.Stderr
		return
	}
	h.status = StatusUnknown
	h.err = &sweeperrors.ErrTransport{Host: h.Host, Err: err}
}

// Wait blocks until the command has exited or ctx is done. A non-zero exit status is not an error: the error is
// only set when the status could not be observed.
func (h *CommandHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.status, h.err
	case <-ctx.Done():
		return StatusUnknown, errors.WithStack(ctx.Err())
	}
}

// Done is closed once the command has exited.
func (h *CommandHandle) Done() <-chan struct{} {
	return h.done
}

// Resolved reports whether the command has exited.
func (h *CommandHandle) Resolved() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stderr returns the tail of the command's standard error. It is empty until the command has exited.
func (h *CommandHandle) Stderr() string {
	if !h.Resolved() {
		return ""
	}
	return h.stderr
}

// Signal delivers signal to the command if it is still running.
func (h *CommandHandle) Signal(signal string) error {
	if h.Resolved() {
		return nil
	}
	return h.process.Signal(signal)
}
