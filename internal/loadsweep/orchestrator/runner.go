package orchestrator

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"k8s.io/utils/clock"

	"github.com/G-Research/loadsweep/internal/common/health"
	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/commands"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/journal"
	"github.com/G-Research/loadsweep/internal/loadsweep/metrics"
	"github.com/G-Research/loadsweep/internal/loadsweep/process"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
	"github.com/G-Research/loadsweep/internal/loadsweep/results"
)

// Runner runs one experiment sweep across the fleet described by its configuration.
type Runner struct {
	config  configuration.SweepConfig
	dialer  remote.Dialer
	clock   clock.Clock
	metrics *metrics.Metrics
	journal *journal.Journal

	// Run in progress, set once its hosts are connected
	lock    sync.Mutex
	current *run
}

type Option func(*Runner)

// WithClock replaces the wall clock used for settle delays and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(r *Runner) {
		r.clock = clk
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithJournal records the run and its load points in j.
func WithJournal(j *journal.Journal) Option {
	return func(r *Runner) {
		r.journal = j
	}
}

// NewRunner creates a Runner reaching the hosts through dialer.
func NewRunner(config configuration.SweepConfig, dialer remote.Dialer, opts ...Option) *Runner {
	r := &Runner{
		config: config,
		dialer: dialer,
		clock:  clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadPointResult is the outcome of one load point.
type LoadPointResult struct {
	LoadPoint
	Rows int
	Err  error
}

// Report summarises a run. It is returned even when the run fails.
type Report struct {
	RunId      string
	Prefix     string
	Paths      results.Paths
	StartedAt  time.Time
	FinishedAt time.Time
	// Last phase entered
	Phase      Phase
	LoadPoints []LoadPointResult
}

// Rows returns the number of result rows collected.
func (r *Report) Rows() int {
	rows := 0
	for _, lp := range r.LoadPoints {
		rows += lp.Rows
	}
	return rows
}

// run holds the state of one call to Run.
type run struct {
	report    *Report
	fleet     *fleet.Fleet
	tracker   *process.Tracker
	catalogue *commands.Catalogue
	collector *results.Collector
	// Set once infrastructure processes may be running
	launched bool
}

// Run executes the sweep.
//
// It performs the following steps:
//  1. Validates the configuration; nothing is dialled if it is invalid
//  2. Connects to every host
//  3. Kills leftover processes and removes stale client output (best effort)
//  4. Uploads the static assets, then renders and uploads every runtime config
//  5. Builds the runtime and netbench on every host
//  6. Starts iokerneld everywhere and waits for it to come up
//  7. Runs every load point in order, collecting the client's rows after each one
//  8. Stops everything still running, even if a load point failed
//  9. Closes every session, writes the run manifest and finishes the journal entry
//
// Failures of steps 2 to 7 abort the run and are returned as an ErrPhaseFailed naming the phase. Rows collected
// before a failure stay in the result file.
func (r *Runner) Run(ctx *sweepcontext.Context) (*Report, error) {
	if err := r.config.Validate(); err != nil {
		return nil, err
	}

	started := r.clock.Now()
	prefix := r.config.Prefix()
	s := &run{
		report: &Report{
			RunId:     uuid.NewString(),
			Prefix:    prefix,
			Paths:     results.OutputPaths(r.config.Output.Dir, prefix, started),
			StartedAt: started,
		},
		catalogue: commands.New(r.config),
	}
	ctx = sweepcontext.WithLogField(ctx, "runId", s.report.RunId)
	r.logParameters(ctx)
	r.recordRunStarted(ctx, s)

	err := r.execute(ctx, s)
	r.setCurrent(nil)
	_ = r.phase(sweepcontext.Detached(ctx), s, Finalize, func(ctx *sweepcontext.Context) error {
		r.finalize(ctx, s, err)
		return nil
	})
	return s.report, err
}

func (r *Runner) setCurrent(s *run) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.current = s
}

// InfrastructureChecker reports whether a run is in progress with iokerneld running on every host.
func (r *Runner) InfrastructureChecker() health.Checker {
	return health.CheckerFunc(func() error {
		r.lock.Lock()
		s := r.current
		r.lock.Unlock()
		if s == nil {
			return errors.New("no run in progress")
		}
		for _, h := range s.fleet.All() {
			record := s.tracker.Get(h, commands.IOKernel)
			if record == nil || record.Handle.Resolved() {
				return errors.Errorf("iokerneld is not running on host %s", h.Name)
			}
		}
		return nil
	})
}

func (r *Runner) execute(ctx *sweepcontext.Context, s *run) error {
	err := r.phase(ctx, s, Connect, func(ctx *sweepcontext.Context) error {
		f, err := fleet.Open(ctx, r.dialer, r.config, r.clock)
		if err != nil {
			return err
		}
		s.fleet = f
		gauge := r.trackedProcessesGauge()
		if r.metrics != nil {
			f.SetRecorder(r.metrics)
		}
		s.tracker = process.NewTracker(f, r.config.Experiment.StopTimeout, gauge)
		s.collector = results.NewCollector(f, f.Client(), s.catalogue.ResultPath(), s.catalogue.RawPath(),
			s.report.Paths, r.config.Experiment.DownloadRaw)
		r.setCurrent(s)
		return nil
	})
	if err != nil {
		return err
	}

	steps := []struct {
		phase Phase
		fn    func(*sweepcontext.Context, *run) error
	}{
		{Reset, r.reset},
		{Distribute, r.distribute},
		{GenerateConfigs, r.generateConfigs},
		{Build, r.build},
	}
	for _, step := range steps {
		step := step
		if err := r.phase(ctx, s, step.phase, func(ctx *sweepcontext.Context) error { return step.fn(ctx, s) }); err != nil {
			return err
		}
	}

	err = r.phase(ctx, s, LaunchInfrastructure, func(ctx *sweepcontext.Context) error { return r.launchInfrastructure(ctx, s) })
	if err == nil {
		err = r.phase(ctx, s, RunLoop, func(ctx *sweepcontext.Context) error { return r.runLoop(ctx, s) })
	}
	if s.launched {
		// Teardown must run even if the run was interrupted.
		_ = r.phase(sweepcontext.Detached(ctx), s, TeardownInfrastructure, func(ctx *sweepcontext.Context) error {
			r.teardown(ctx, s)
			return nil
		})
	}
	return err
}

// phase runs fn as phase, timing it and attributing its failure to the phase.
func (r *Runner) phase(ctx *sweepcontext.Context, s *run, phase Phase, fn func(*sweepcontext.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(&sweeperrors.ErrPhaseFailed{Phase: phase.String(), Err: err})
	}
	s.report.Phase = phase
	ctx = sweepcontext.WithLogField(ctx, "phase", phase.String())
	ctx.Log.Infof("starting phase %s", phase)
	start := r.clock.Now()
	err := fn(ctx)
	if r.metrics != nil {
		r.metrics.RecordPhase(phase.String(), r.clock.Since(start))
	}
	if err != nil {
		return errors.WithStack(&sweeperrors.ErrPhaseFailed{Phase: phase.String(), Err: err})
	}
	ctx.Log.Debugf("finished phase %s in %s", phase, r.clock.Since(start))
	return nil
}

// finalize closes everything the run opened and records its outcome. It runs on every exit path.
func (r *Runner) finalize(ctx *sweepcontext.Context, s *run, runErr error) {
	if s.collector != nil {
		s.collector.Close()
	}
	if s.fleet != nil {
		s.fleet.Close()
	}
	s.report.FinishedAt = r.clock.Now()

	status := results.StatusSucceeded
	errText := ""
	if runErr != nil {
		status = results.StatusFailed
		errText = runErr.Error()
	}
	if err := results.WriteManifest(s.report.Paths.Manifest, r.manifest(s, status, errText)); err != nil {
		ctx.Log.WithError(err).Warn("failed to write run manifest")
	}
	if r.journal != nil {
		if err := r.journal.RecordRunFinished(ctx, s.report.RunId, s.report.FinishedAt, status, errText); err != nil {
			ctx.Log.WithError(err).Warn("failed to record run in journal")
		}
	}
	if runErr == nil {
		ctx.Log.Infof("run complete, %d rows written to %s", s.report.Rows(), s.report.Paths.Result)
	}
}

func (r *Runner) manifest(s *run, status string, errText string) results.Manifest {
	m := results.Manifest{
		RunId:         s.report.RunId,
		SchemaVersion: results.SchemaVersion,
		Prefix:        s.report.Prefix,
		ResultFile:    s.report.Paths.Result,
		StartedAt:     s.report.StartedAt.Format(time.RFC3339),
		FinishedAt:    s.report.FinishedAt.Format(time.RFC3339),
		Parameters:    r.parameters(),
		Status:        status,
		Error:         errText,
	}
	for _, h := range fleet.Hosts(r.config) {
		m.Hosts = append(m.Hosts, results.ManifestHost{
			Name:        h.Name,
			Role:        string(h.Role),
			Address:     h.Address,
			DataAddress: h.DataAddress,
		})
	}
	for _, lp := range s.report.LoadPoints {
		m.LoadPoints = append(m.LoadPoints, results.ManifestLoadPoint{
			Index:       lp.Index,
			OfferedLoad: lp.OfferedLoad,
			Rows:        lp.Rows,
			Status:      loadPointStatus(lp.Err),
		})
	}
	return m
}

func (r *Runner) parameters() map[string]string {
	e := r.config.Experiment
	loads := make([]string, len(e.OfferedLoads))
	for i, load := range e.OfferedLoads {
		loads[i] = strconv.FormatInt(load, 10)
	}
	return map[string]string{
		"variant":           string(e.Variant),
		"distribution":      string(e.Distribution),
		"connections":       strconv.Itoa(e.Connections),
		"serviceTimeMeanUs": strconv.Itoa(e.ServiceTimeMeanUs),
		"sloUs":             strconv.Itoa(e.Slo()),
		"offeredLoads":      strings.Join(loads, ","),
		"serverCores":       strconv.Itoa(e.ServerCores),
		"clientCores":       strconv.Itoa(e.ClientCores),
		"directPath":        strconv.FormatBool(e.DirectPath),
		"spinServer":        strconv.FormatBool(e.SpinServer),
		"disableWatchdog":   strconv.FormatBool(e.DisableWatchdog),
		"antagonist":        strconv.FormatBool(r.config.Antagonist.Enabled),
	}
}

func (r *Runner) logParameters(ctx *sweepcontext.Context) {
	params := r.parameters()
	keys := maps.Keys(params)
	sort.Strings(keys)
	fields := logrus.Fields{}
	for _, k := range keys {
		fields[k] = params[k]
	}
	ctx.Log.WithFields(fields).Infof("starting sweep of %d load points across %d hosts",
		len(r.config.Experiment.OfferedLoads), len(fleet.Hosts(r.config)))
}

func (r *Runner) recordRunStarted(ctx *sweepcontext.Context, s *run) {
	if r.journal == nil {
		return
	}
	err := r.journal.RecordRunStarted(ctx, journal.Run{
		RunId:      s.report.RunId,
		Prefix:     s.report.Prefix,
		ResultFile: s.report.Paths.Result,
		StartedAt:  s.report.StartedAt,
	})
	if err != nil {
		ctx.Log.WithError(err).Warn("failed to record run in journal")
	}
}

func (r *Runner) trackedProcessesGauge() prometheus.Gauge {
	if r.metrics == nil {
		return nil
	}
	return r.metrics.TrackedProcesses()
}

func loadPointStatus(err error) string {
	if err != nil {
		return results.StatusFailed
	}
	return results.StatusSucceeded
}
