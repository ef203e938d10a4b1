package health

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
)

func TestMultiChecker(t *testing.T) {
	ok := CheckerFunc(func() error { return nil })
	bad := func(host string) Checker {
		return CheckerFunc(func() error { return fmt.Errorf("%s not ready", host) })
	}

	assert.NoError(t, NewMultiChecker().Check())
	assert.NoError(t, NewMultiChecker(ok, ok).Check())

	mc := NewMultiChecker(ok, bad("client"))
	mc.Add(bad("agent-0"))
	err := mc.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client not ready")
	assert.Contains(t, err.Error(), "agent-0 not ready")
}

func TestWaitUntilReady_EventuallyReady(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("attempt %d", calls)
		}
		return nil
	})
	err := WaitUntilReady(sweepcontext.Background(), checker, time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitUntilReady_TimesOutWithLastError(t *testing.T) {
	calls := 0
	checker := CheckerFunc(func() error {
		calls++
		return fmt.Errorf("attempt %d", calls)
	})
	err := WaitUntilReady(sweepcontext.Background(), checker, 4*time.Millisecond, time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, 5, calls)
	assert.Contains(t, err.Error(), "attempt 5")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	healthy := true
	handler := NewHealthCheckHttpHandler(CheckerFunc(func() error {
		if healthy {
			return nil
		}
		return fmt.Errorf("run aborted")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "run aborted", rec.Body.String())
}
