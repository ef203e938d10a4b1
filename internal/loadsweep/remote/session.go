package remote

import (
	"context"
	"fmt"
	"io"
)

// Session is one authenticated channel to a host. Commands started on the same session are issued in the order
// Start is called.
type Session interface {
	// Start issues command and returns without waiting for it to finish. stdin and stdout may be nil.
	Start(command string, stdin io.Reader, stdout io.Writer) (Process, error)
	Close() error
}

// Process is a command started on a Session.
type Process interface {
	// Wait blocks until the command exits. It returns nil on a zero exit status, an *ExitError on a non-zero status
	// and any other error if the status could not be observed.
	Wait() error
	// Signal delivers a signal, e.g. KILL, to the remote command.
	Signal(signal string) error
}

// Dialer opens sessions. host is the logical host name used in errors and logs.
type Dialer interface {
	Dial(ctx context.Context, host string, address string) (Session, error)
}

// ExitError is returned by Process.Wait when the remote command exits with a non-zero status.
type ExitError struct {
	Status int
	Stderr string
}

func (err *ExitError) Error() string {
	if err.Stderr == "" {
		return fmt.Sprintf("exited with status %d", err.Status)
	}
	return fmt.Sprintf("exited with status %d: %s", err.Status, err.Stderr)
}
