package health

import (
	"time"

	"github.com/avast/retry-go"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
)

// Checker reports whether something is ready or healthy. A nil error means it is.
type Checker interface {
	Check() error
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func() error

func (f CheckerFunc) Check() error {
	return f()
}

// WaitUntilReady polls checker every interval until it passes, ctx is cancelled, or timeout has elapsed.
// The last check error is returned on failure.
func WaitUntilReady(ctx *sweepcontext.Context, checker Checker, timeout time.Duration, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	attempts := uint(timeout/interval) + 1
	return retry.Do(
		checker.Check,
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.Debugf("not ready after %d attempts: %v", n+1, err)
		}),
	)
}
