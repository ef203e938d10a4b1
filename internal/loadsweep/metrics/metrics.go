package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricsPrefix = "loadsweep_"

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

type Metrics struct {
	phaseDuration    *prometheus.HistogramVec
	commands         *prometheus.CounterVec
	loadPoints       *prometheus.CounterVec
	trackedProcesses prometheus.Gauge
	collectedRows    prometheus.Counter
}

// New registers the run metrics with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	phaseDurationOpts := prometheus.HistogramOpts{
		Name:    MetricsPrefix + "phase_duration_seconds",
		Help:    "Time spent in each phase of a run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
	}
	commandsOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "commands",
		Help: "Number of blocking remote commands grouped by host role, policy and outcome",
	}
	loadPointsOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "load_points",
		Help: "Number of load points run grouped by outcome",
	}
	trackedProcessesOpts := prometheus.GaugeOpts{
		Name: MetricsPrefix + "tracked_processes",
		Help: "Number of long-running remote processes currently tracked",
	}
	collectedRowsOpts := prometheus.CounterOpts{
		Name: MetricsPrefix + "collected_rows",
		Help: "Number of result rows appended to the output file",
	}
	return &Metrics{
		phaseDuration:    factory.NewHistogramVec(phaseDurationOpts, []string{"phase"}),
		commands:         factory.NewCounterVec(commandsOpts, []string{"role", "policy", "outcome"}),
		loadPoints:       factory.NewCounterVec(loadPointsOpts, []string{"outcome"}),
		trackedProcesses: factory.NewGauge(trackedProcessesOpts),
		collectedRows:    factory.NewCounter(collectedRowsOpts),
	}
}

func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	m.phaseDuration.With(map[string]string{"phase": phase}).Observe(duration.Seconds())
}

// RecordCommand makes Metrics a fleet.CommandRecorder.
func (m *Metrics) RecordCommand(role string, policy string, succeeded bool) {
	m.commands.With(map[string]string{"role": role, "policy": policy, "outcome": outcome(succeeded)}).Inc()
}

func (m *Metrics) RecordLoadPoint(succeeded bool, rows int) {
	m.loadPoints.With(map[string]string{"outcome": outcome(succeeded)}).Inc()
	m.collectedRows.Add(float64(rows))
}

// TrackedProcesses is the gauge kept up to date by the process tracker.
func (m *Metrics) TrackedProcesses() prometheus.Gauge {
	return m.trackedProcesses
}

func outcome(succeeded bool) string {
	if succeeded {
		return outcomeSucceeded
	}
	return outcomeFailed
}
