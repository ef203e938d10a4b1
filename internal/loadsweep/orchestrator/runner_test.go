package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/journal"
	"github.com/G-Research/loadsweep/internal/loadsweep/metrics"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote/fake"
	"github.com/G-Research/loadsweep/internal/loadsweep/results"
)

var addresses = []string{"node0", "node1", "node2", "node3"}

func testConfig(t *testing.T, loads ...int64) configuration.SweepConfig {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "bw_config.h"), []byte("#define BW 1\n"), 0o644))

	v := viper.New()
	configuration.SetDefaults(v)
	v.Set("experiment.variant", "nocontrol")
	v.Set("experiment.offeredLoads", loads)
	v.Set("topology.server.address", addresses[0])
	v.Set("topology.client.address", addresses[1])
	v.Set("topology.agents", []map[string]interface{}{{"address": addresses[2]}, {"address": addresses[3]}})
	v.Set("paths.assets", []map[string]interface{}{{"source": filepath.Join(dir, "configs", "*.h")}})
	v.Set("output.dir", filepath.Join(dir, "outputs"))
	v.Set("readiness.pollInterval", 10*time.Millisecond)
	config, err := configuration.Load(v)
	require.NoError(t, err)
	return config
}

// testDialer scripts a healthy fleet: long-running processes run until killed and every client run appends one row
// to the client's output file.
func testDialer() *fake.Dialer {
	dialer := fake.NewDialer()
	dialer.Add(addresses[0], fake.NewSession("server")).
		OnCommand("iokerneld ias", fake.Reply{UntilKilled: true}).
		OnCommand("swaptionsGC.config -ns", fake.Reply{UntilKilled: true}).
		OnCommand("stress_shm_query membw", fake.Reply{UntilKilled: true}).
		OnCommand("stress_shm_query 102:", fake.Reply{UntilKilled: true}).
		OnCommand("server.config server", fake.Reply{UntilKilled: true})

	var mu sync.Mutex
	row := 0
	dialer.Add(addresses[1], fake.NewSession("client")).
		OnCommand("iokerneld simple", fake.Reply{UntilKilled: true}).
		OnCommand("client.config client", fake.Reply{Hook: func(s *fake.Session) {
			mu.Lock()
			defer mu.Unlock()
			row++
			s.AppendFile("artifact/output.csv", []byte(fmt.Sprintf("1000,%d,42\n", row*100)))
		}})
	for i, address := range addresses[2:] {
		dialer.Add(address, fake.NewSession(fmt.Sprintf("agent-%d", i))).
			OnCommand("iokerneld simple", fake.Reply{UntilKilled: true}).
			OnCommand("client.config agent", fake.Reply{})
	}
	return dialer
}

func newRunner(config configuration.SweepConfig, dialer *fake.Dialer, opts ...Option) *Runner {
	opts = append([]Option{WithClock(clock.NewFakeClock(time.Now()))}, opts...)
	return NewRunner(config, dialer, opts...)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestRun_TwoLoadPoints(t *testing.T) {
	config := testConfig(t, 100, 200)
	dialer := testDialer()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	registry := prometheus.NewRegistry()
	report, err := newRunner(config, dialer, WithJournal(j), WithMetrics(metrics.New(registry))).Run(sweepcontext.Background())
	require.NoError(t, err)

	for _, address := range addresses {
		session := dialer.Session(address)
		assert.Len(t, session.CommandsContaining("make clean && make"), 1, address)
		assert.Equal(t, []string{"sudo killall -9 iokerneld"}, session.CommandsContaining("sudo killall -9 iokerneld"), address)
		assert.Empty(t, session.Running(), address)
		assert.True(t, session.Closed(), address)
		_, ok := session.File("artifact/caladan/breakwater/src/bw_config.h")
		assert.True(t, ok, address)
	}
	client := dialer.Session(addresses[1])
	clientRuns := client.CommandsContaining("client.config client")
	require.Len(t, clientRuns, 2)
	assert.Contains(t, clientRuns[0], " 2 100 192.168.1.200 1 ")
	assert.Contains(t, clientRuns[1], " 2 200 192.168.1.200 1 ")
	assert.Len(t, dialer.Session(addresses[3]).CommandsContaining("client.config agent 192.168.1.100"), 2)
	assert.Len(t, dialer.Session(addresses[0]).CommandsContaining("server.config server"), 2)
	// Both queries are stopped by name in every iteration.
	assert.Len(t, dialer.Session(addresses[0]).CommandsContaining("sudo killall -9 stress_shm_query"), 4)

	assert.Equal(t, []string{results.Header, "1000,100,42", "1000,200,42"}, readLines(t, report.Paths.Result))
	require.Len(t, report.LoadPoints, 2)
	assert.Equal(t, int64(200), report.LoadPoints[1].OfferedLoad)
	assert.Equal(t, 2, report.Rows())
	assert.Equal(t, Finalize, report.Phase)
	assert.Contains(t, observedPhases(t, registry), Finalize.String())

	manifest, err := results.ReadManifest(report.Paths.Manifest)
	require.NoError(t, err)
	assert.Equal(t, results.StatusSucceeded, manifest.Status)
	assert.Equal(t, report.RunId, manifest.RunId)
	assert.Len(t, manifest.Hosts, 4)
	assert.Len(t, manifest.LoadPoints, 2)

	runs, err := j.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, results.StatusSucceeded, runs[0].Status)
	points, err := j.LoadPoints(context.Background(), report.RunId)
	require.NoError(t, err)
	assert.Len(t, points, 2)
}

func TestRun_BuildFailureOnClient(t *testing.T) {
	config := testConfig(t, 100, 200)
	dialer := testDialer()
	dialer.Session(addresses[1]).OnCommand("make clean", fake.Reply{Status: 2, Stderr: "undefined reference to `net_init'"})

	report, err := newRunner(config, dialer).Run(sweepcontext.Background())
	require.Error(t, err)

	var phaseErr *sweeperrors.ErrPhaseFailed
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, Build.String(), phaseErr.Phase)
	var cmdErr *sweeperrors.ErrMandatoryCommand
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, "client", cmdErr.Host)
	assert.Equal(t, 2, cmdErr.Status)

	assert.Empty(t, report.LoadPoints)
	for _, address := range addresses {
		session := dialer.Session(address)
		assert.Empty(t, session.CommandsContaining("iokerneld simple"), address)
		assert.Empty(t, session.CommandsContaining("client.config client"), address)
		assert.True(t, session.Closed(), address)
	}
	_, err = os.Stat(report.Paths.Result)
	assert.True(t, os.IsNotExist(err))

	manifest, err := results.ReadManifest(report.Paths.Manifest)
	require.NoError(t, err)
	assert.Equal(t, results.StatusFailed, manifest.Status)
	assert.Contains(t, manifest.Error, "client")
}

func TestRun_AntagonistAlreadyExited(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()
	config := testConfig(t, 100, 200)
	dialer := testDialer()
	dialer.Session(addresses[0]).OnCommand("swaptionsGC.config -ns", fake.Reply{Status: 0})

	report, err := newRunner(config, dialer).Run(sweepcontext.Background())
	require.NoError(t, err)
	assert.Len(t, readLines(t, report.Paths.Result), 3)
	assert.Len(t, dialer.Session(addresses[0]).CommandsContaining("sudo killall -9 swaptions"), 2)

	warned := false
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && strings.Contains(entry.Message, "sudo killall -9 swaptions") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestRun_LoadPointTimeoutStillTearsDown(t *testing.T) {
	config := testConfig(t, 100, 200)
	config.Experiment.LoadPointTimeout = 50 * time.Millisecond
	dialer := testDialer()
	dialer.Session(addresses[1]).OnCommand("client.config client", fake.Reply{UntilKilled: true})

	report, err := newRunner(config, dialer).Run(sweepcontext.Background())
	var phaseErr *sweeperrors.ErrPhaseFailed
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, RunLoop.String(), phaseErr.Phase)
	require.Len(t, report.LoadPoints, 1)
	assert.Error(t, report.LoadPoints[0].Err)

	for _, address := range addresses {
		session := dialer.Session(address)
		assert.Len(t, session.CommandsContaining("sudo killall -9 iokerneld"), 1, address)
		assert.Empty(t, session.Running(), address)
	}
	assert.Len(t, dialer.Session(addresses[1]).CommandsContaining("client.config client"), 1)
	// Teardown stops the antagonist queries by name as well.
	assert.Len(t, dialer.Session(addresses[0]).CommandsContaining("sudo killall -9 stress_shm_query"), 2)
	_, err = os.Stat(report.Paths.Result)
	assert.True(t, os.IsNotExist(err))
}

func TestRun_AgentsStartOnceClientIsUp(t *testing.T) {
	config := testConfig(t, 100)
	dialer := testDialer()
	client := dialer.Session(addresses[1])
	client.OnCommand("client.config client", fake.Reply{UntilKilled: true, Hook: func(s *fake.Session) {
		s.AppendFile("artifact/output.csv", []byte("1000,100,42\n"))
	}})

	var mu sync.Mutex
	var polls []int
	var clientRunning []bool
	for _, address := range addresses[2:] {
		last := address == addresses[len(addresses)-1]
		dialer.Session(address).OnCommand("client.config agent", fake.Reply{Hook: func(s *fake.Session) {
			up := false
			for _, command := range client.Running() {
				up = up || strings.Contains(command, "client.config client")
			}
			mu.Lock()
			polls = append(polls, len(client.CommandsContaining("pidof netbench")))
			clientRunning = append(clientRunning, up)
			mu.Unlock()
			if last {
				// The client finishes once every agent has connected.
				_, err := client.Start("sudo killall -9 netbench", nil, nil)
				assert.NoError(t, err)
			}
		}})
	}

	report, err := newRunner(config, dialer).Run(sweepcontext.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rows())
	assert.Equal(t, []int{1, 1}, polls)
	assert.Equal(t, []bool{true, true}, clientRunning)
}

func TestRunner_InfrastructureChecker(t *testing.T) {
	config := testConfig(t, 100)
	dialer := testDialer()
	runner := newRunner(config, dialer)
	checker := runner.InfrastructureChecker()
	require.Error(t, checker.Check())

	var during error
	dialer.Session(addresses[0]).OnCommand("PID.txt", fake.Reply{Hook: func(*fake.Session) {
		during = checker.Check()
	}})

	_, err := runner.Run(sweepcontext.Background())
	require.NoError(t, err)
	assert.NoError(t, during)
	assert.Error(t, checker.Check())
}

func TestRun_InfrastructureNotReady(t *testing.T) {
	config := testConfig(t, 100)
	config.Readiness.Timeout = 30 * time.Millisecond
	dialer := testDialer()
	// iokerneld dies straight away on agent-1
	dialer.Session(addresses[3]).OnCommand("iokerneld simple", fake.Reply{Status: 1})

	_, err := newRunner(config, dialer).Run(sweepcontext.Background())
	var notReady *sweeperrors.ErrNotReady
	require.True(t, errors.As(err, &notReady))
	assert.Equal(t, "agent-1", notReady.Host)
	var phaseErr *sweeperrors.ErrPhaseFailed
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, LaunchInfrastructure.String(), phaseErr.Phase)
	for _, address := range addresses {
		assert.Len(t, dialer.Session(address).CommandsContaining("sudo killall -9 iokerneld"), 1, address)
	}
}

func TestRun_InvalidConfigDialsNothing(t *testing.T) {
	config := testConfig(t, 100)
	config.Experiment.Variant = "fifo"
	dialer := testDialer()

	report, err := newRunner(config, dialer).Run(sweepcontext.Background())
	assert.Nil(t, report)
	var invalid *sweeperrors.ErrInvalidArgument
	require.True(t, errors.As(err, &invalid))
	assert.Empty(t, dialer.Dialled())
}

func TestRun_DialFailureIsAttributedToConnect(t *testing.T) {
	config := testConfig(t, 100)
	dialer := testDialer()
	dialer.Fail(addresses[2], errors.New("connection refused"))

	_, err := newRunner(config, dialer).Run(sweepcontext.Background())
	var phaseErr *sweeperrors.ErrPhaseFailed
	require.True(t, errors.As(err, &phaseErr))
	assert.Equal(t, Connect.String(), phaseErr.Phase)
	var transportErr *sweeperrors.ErrTransport
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "agent-0", transportErr.Host)
	assert.True(t, dialer.Session(addresses[0]).Closed())
}

// observedPhases returns the phases with a recorded duration.
func observedPhases(t *testing.T, registry *prometheus.Registry) []string {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	var phases []string
	for _, family := range families {
		if family.GetName() != metrics.MetricsPrefix+"phase_duration_seconds" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "phase" {
					phases = append(phases, label.GetValue())
				}
			}
		}
	}
	return phases
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "TeardownInfrastructure", TeardownInfrastructure.String())
	assert.Equal(t, "Unknown", Phase(42).String())
}
