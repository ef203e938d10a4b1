package logging

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// FieldsProvider is implemented by errors that can describe where they happened, e.g. which host or phase.
type FieldsProvider interface {
	LogFields() logrus.Fields
}

// WithStacktrace adds the error, the fields of every FieldsProvider in its chain and, if available,
// the innermost stack trace to the entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	var stack errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if provider, ok := e.(FieldsProvider); ok {
			logger = logger.WithFields(provider.LogFields())
		}
		if tracer, ok := e.(stackTracer); ok {
			stack = tracer.StackTrace()
		}
	}
	if stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}
