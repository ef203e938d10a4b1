package process

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote/fake"
)

const iokernelCommand = "cd caladan && sudo ./iokerneld simple 0,1 2>&1 | ts %s > iokernel.node-1.log"

func setUp(t *testing.T) (*fake.Dialer, *fleet.Fleet) {
	t.Helper()
	config := configuration.SweepConfig{}
	config.Topology.Server = configuration.HostConfig{Address: "s"}
	config.Topology.Client = configuration.HostConfig{Address: "c"}
	dialer := fake.NewDialer()
	for _, address := range []string{"s", "c"} {
		dialer.Add(address, fake.NewSession(address)).
			OnCommand("iokerneld simple", fake.Reply{UntilKilled: true}).
			OnCommand("netbench", fake.Reply{UntilKilled: true}).
			OnCommand("swaptions", fake.Reply{UntilKilled: true})
	}
	f, err := fleet.Open(sweepcontext.Background(), dialer, config, clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return dialer, f
}

func TestStart_RejectsDuplicate(t *testing.T) {
	_, f := setUp(t)
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()
	spec := Spec{Name: "iokerneld", Command: iokernelCommand, StopCommand: "sudo killall -9 iokerneld"}

	record, err := tracker.Start(ctx, f.Client(), spec)
	require.NoError(t, err)
	assert.Equal(t, "client", record.Host.Name)
	assert.False(t, record.Handle.Resolved())

	_, err = tracker.Start(ctx, f.Client(), spec)
	var duplicate *sweeperrors.ErrDuplicateProcess
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "client", duplicate.Host)
	assert.Equal(t, "iokerneld", duplicate.Name)

	// the same name on another host is a different process
	_, err = tracker.Start(ctx, f.Server(), Spec{Name: "iokerneld", Command: "cd caladan && sudo ./iokerneld simple"})
	require.NoError(t, err)
	assert.Len(t, tracker.Records(), 2)
}

func TestStart_RejectsExitedButNotRetired(t *testing.T) {
	dialer, f := setUp(t)
	dialer.Session("c").OnCommand("oneshot", fake.Reply{Status: 0})
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()
	spec := Spec{Name: "oneshot", Command: "./oneshot"}

	record, err := tracker.Start(ctx, f.Client(), spec)
	require.NoError(t, err)
	<-record.Handle.Done()

	_, err = tracker.Start(ctx, f.Client(), spec)
	var duplicate *sweeperrors.ErrDuplicateProcess
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "oneshot", duplicate.Name)
	assert.Equal(t, []*Record{record}, tracker.Records())
	assert.Len(t, dialer.Session("c").CommandsContaining("./oneshot"), 1)

	require.NoError(t, tracker.Reap(f.Client(), "oneshot"))
	_, err = tracker.Start(ctx, f.Client(), spec)
	assert.NoError(t, err)
}

func TestStop_NamedKill(t *testing.T) {
	dialer, f := setUp(t)
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()
	spec := Spec{Name: "iokerneld", Command: iokernelCommand, StopCommand: "sudo killall -9 iokerneld"}
	record, err := tracker.Start(ctx, f.Client(), spec)
	require.NoError(t, err)

	require.NoError(t, tracker.Stop(ctx, f.Client(), "iokerneld"))
	assert.True(t, record.Handle.Resolved())
	assert.Nil(t, tracker.Get(f.Client(), "iokerneld"))
	assert.Equal(t, []string{"sudo killall -9 iokerneld"}, dialer.Session("c").CommandsContaining("killall"))

	// retired, so it can be started again
	_, err = tracker.Start(ctx, f.Client(), spec)
	assert.NoError(t, err)
}

func TestStop_SignalsHandleWithoutStopCommand(t *testing.T) {
	dialer, f := setUp(t)
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()
	record, err := tracker.Start(ctx, f.Server(), Spec{Name: "swaptions", Command: "bin/swaptions swaptionsGC.config"})
	require.NoError(t, err)

	require.NoError(t, tracker.Stop(ctx, f.Server(), "swaptions"))
	status, err := record.Handle.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, fake.KilledStatus, status)
	assert.Empty(t, dialer.Session("s").CommandsContaining("killall"))
	assert.Empty(t, tracker.Records())
}

func TestStop_UnknownOrExitedProcessDoesNotFail(t *testing.T) {
	dialer, f := setUp(t)
	dialer.Session("s").OnCommand("swaptions", fake.Reply{Status: 0})
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()

	assert.NoError(t, tracker.Stop(ctx, f.Server(), "never-started"))

	record, err := tracker.Start(ctx, f.Server(), Spec{Name: "swaptions", Command: "bin/swaptions", StopCommand: "sudo killall -9 swaptions"})
	require.NoError(t, err)
	<-record.Handle.Done()
	assert.NoError(t, tracker.Stop(ctx, f.Server(), "swaptions"))
	assert.Empty(t, tracker.Records())
}

func TestStop_TimeoutKeepsRecord(t *testing.T) {
	dialer, f := setUp(t)
	// a kill that matches nothing leaves the process running
	tracker := NewTracker(f, 10*time.Millisecond, nil)
	ctx := sweepcontext.Background()
	_, err := tracker.Start(ctx, f.Server(), Spec{Name: "netbench", Command: "sudo ./netbench breakwater server.config server", StopCommand: "sudo killall -9 somethingelse"})
	require.NoError(t, err)

	err = tracker.Stop(ctx, f.Server(), "netbench")
	var warning *sweeperrors.CleanupWarning
	require.True(t, errors.As(err, &warning))
	assert.Equal(t, "server", warning.Host)
	assert.NotNil(t, tracker.Get(f.Server(), "netbench"))
	assert.Len(t, dialer.Session("s").Running(), 1)
}

func TestReap(t *testing.T) {
	dialer, f := setUp(t)
	dialer.Session("c").OnCommand("client.config client", fake.Reply{Status: 0})
	tracker := NewTracker(f, time.Second, nil)
	ctx := sweepcontext.Background()

	running, err := tracker.Start(ctx, f.Server(), Spec{Name: "netbench", Command: "sudo ./netbench breakwater server.config server"})
	require.NoError(t, err)
	assert.Error(t, tracker.Reap(f.Server(), "netbench"))
	assert.False(t, running.Handle.Resolved())

	exited, err := tracker.Start(ctx, f.Client(), Spec{Name: "netbench", Command: "sudo ./netbench breakwater client.config client 1000"})
	require.NoError(t, err)
	<-exited.Handle.Done()
	require.NoError(t, tracker.Reap(f.Client(), "netbench"))
	assert.Nil(t, tracker.Get(f.Client(), "netbench"))
	assert.NoError(t, tracker.Reap(f.Client(), "netbench"))
}

func TestStopAll_ReverseStartOrder(t *testing.T) {
	dialer, f := setUp(t)
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tracked"})
	tracker := NewTracker(f, time.Second, gauge)
	ctx := sweepcontext.Background()

	for _, h := range f.All() {
		_, err := tracker.Start(ctx, h, Spec{Name: "iokerneld", Command: iokernelCommand, StopCommand: "sudo killall -9 iokerneld"})
		require.NoError(t, err)
	}
	_, err := tracker.Start(ctx, f.Server(), Spec{Name: "netbench", Command: "sudo ./netbench breakwater server.config server", StopCommand: "sudo killall -9 netbench"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(gauge))

	require.NoError(t, tracker.StopAll(ctx, f.All()))
	assert.Empty(t, tracker.Records())
	assert.Equal(t, 0.0, testutil.ToFloat64(gauge))
	assert.Equal(t,
		[]string{"sudo killall -9 netbench", "sudo killall -9 iokerneld"},
		dialer.Session("s").CommandsContaining("killall"))
	assert.Empty(t, dialer.Session("s").Running())
	assert.Empty(t, dialer.Session("c").Running())
}
