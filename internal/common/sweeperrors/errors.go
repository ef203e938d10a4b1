// Package sweeperrors contains the errors returned while running an experiment sweep.
//
// Each type carries enough context (host, command, phase) for a failure to be attributed without parsing messages.
// Callers should create them with errors.WithStack and match them with errors.As. If a fan-out across several hosts
// fails on more than one host, the individual errors are combined into a multierror.Error from package
// github.com/hashicorp/go-multierror.
package sweeperrors

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrInvalidArgument is returned when experiment parameters are rejected before any remote action.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "variant"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrTransport is returned when a host cannot be reached, or a session drops while a command is in flight.
type ErrTransport struct {
	Host    string
	Address string
	Err     error
}

func (err *ErrTransport) Error() string {
	if err.Address != "" {
		return fmt.Sprintf("transport failure for host %s (%s): %v", err.Host, err.Address, err.Err)
	}
	return fmt.Sprintf("transport failure for host %s: %v", err.Host, err.Err)
}

func (err *ErrTransport) Unwrap() error {
	return err.Err
}

func (err *ErrTransport) LogFields() logrus.Fields {
	return logrus.Fields{"host": err.Host}
}

// ErrMandatoryCommand is returned when a command whose success is required exits non-zero or cannot be run.
// Status is -1 when no exit status was observed.
type ErrMandatoryCommand struct {
	Host    string
	Command string
	Status  int
	Stderr  string
	Err     error
}

func (err *ErrMandatoryCommand) Error() string {
	s := fmt.Sprintf("mandatory command failed on host %s with status %d: %s", err.Host, err.Status, err.Command)
	if err.Stderr != "" {
		s += fmt.Sprintf("; stderr: %s", err.Stderr)
	}
	if err.Err != nil {
		s += fmt.Sprintf("; %v", err.Err)
	}
	return s
}

func (err *ErrMandatoryCommand) Unwrap() error {
	return err.Err
}

func (err *ErrMandatoryCommand) LogFields() logrus.Fields {
	return logrus.Fields{"host": err.Host, "status": err.Status}
}

// CleanupWarning describes a failed best-effort command. It is logged and never aborts a run.
type CleanupWarning struct {
	Host    string
	Command string
	Status  int
	Err     error
}

func (err *CleanupWarning) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("cleanup command on host %s did not complete: %s: %v", err.Host, err.Command, err.Err)
	}
	return fmt.Sprintf("cleanup command on host %s exited with status %d: %s", err.Host, err.Status, err.Command)
}

func (err *CleanupWarning) Unwrap() error {
	return err.Err
}

// ErrDuplicateProcess is returned when a process is started on a host that already tracks a live process of the
// same name.
type ErrDuplicateProcess struct {
	Host string
	Name string
}

func (err *ErrDuplicateProcess) Error() string {
	return fmt.Sprintf("process %q is already running on host %s", err.Name, err.Host)
}

func (err *ErrDuplicateProcess) LogFields() logrus.Fields {
	return logrus.Fields{"host": err.Host, "process": err.Name}
}

// ErrPhaseFailed attributes a fatal failure to the lifecycle phase in which it happened.
type ErrPhaseFailed struct {
	Phase string
	Err   error
}

func (err *ErrPhaseFailed) Error() string {
	return fmt.Sprintf("phase %s failed: %v", err.Phase, err.Err)
}

func (err *ErrPhaseFailed) Unwrap() error {
	return err.Err
}

func (err *ErrPhaseFailed) LogFields() logrus.Fields {
	return logrus.Fields{"phase": err.Phase}
}

// ErrNotReady is returned when a launched process does not pass its readiness check in time.
type ErrNotReady struct {
	Host  string
	Check string
	Err   error
}

func (err *ErrNotReady) Error() string {
	return fmt.Sprintf("host %s did not become ready (%s): %v", err.Host, err.Check, err.Err)
}

func (err *ErrNotReady) Unwrap() error {
	return err.Err
}

func (err *ErrNotReady) LogFields() logrus.Fields {
	return logrus.Fields{"host": err.Host}
}
