package loadsweep

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"

	"github.com/G-Research/loadsweep/internal/common/health"
	"github.com/G-Research/loadsweep/internal/common/serve"
	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/common/util"
	"github.com/G-Research/loadsweep/internal/loadsweep/build"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/journal"
	"github.com/G-Research/loadsweep/internal/loadsweep/metrics"
	"github.com/G-Research/loadsweep/internal/loadsweep/orchestrator"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
	"github.com/G-Research/loadsweep/internal/loadsweep/runtimeconfig"
)

type App struct {
	// Parameters passed to the CLI by the user.
	Params *Params
	// Out is used to write the output. Defaults to standard out,
	// but can be overridden in tests to make assertions on the applications's output.
	Out io.Writer
	// Dialer reaches the hosts. Defaults to SSH when nil.
	Dialer remote.Dialer
}

// Params holds everything loaded from the config file, the environment and the command line.
type Params struct {
	Config configuration.SweepConfig
}

// New instantiates an App writing to standard out.
func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
	}
}

// Run executes one sweep and prints a summary of its load points. The summary is printed even if the sweep fails.
func (a *App) Run(ctx *sweepcontext.Context) error {
	config := a.Params.Config
	if err := config.Validate(); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	opts := []orchestrator.Option{orchestrator.WithMetrics(metrics.New(registry))}
	if config.Journal.Path != "" {
		j, err := journal.Open(config.Journal.Path)
		if err != nil {
			return err
		}
		defer util.CloseResource("journal", j)
		opts = append(opts, orchestrator.WithJournal(j))
	}

	dialer := a.Dialer
	if dialer == nil {
		sshDialer, err := remote.NewSSHDialer(config.SSH)
		if err != nil {
			return err
		}
		defer util.CloseResource("ssh dialer", sshDialer)
		dialer = sshDialer
	}

	runner := orchestrator.NewRunner(config, dialer, opts...)
	if config.Metrics.Port != 0 {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return errors.WithStack(err)
		}
		log.AddHook(hook)
		// Healthy while the run is live and iokerneld is up everywhere.
		checker := health.NewMultiChecker(health.CheckerFunc(ctx.Err), runner.InfrastructureChecker())
		stop := serve.ServeMetrics(config.Metrics.Port, prometheus.Gatherers{registry, prometheus.DefaultGatherer}, checker)
		defer stop()
	}

	report, err := runner.Run(ctx)
	if report != nil {
		a.summarise(report)
	}
	return err
}

func (a *App) summarise(report *orchestrator.Report) {
	rows := make([][]string, 0, len(report.LoadPoints))
	for _, lp := range report.LoadPoints {
		status := "ok"
		if lp.Err != nil {
			status = "failed"
		}
		rows = append(rows, []string{strconv.Itoa(lp.Index), strconv.FormatInt(lp.OfferedLoad, 10), strconv.Itoa(lp.Rows), status})
	}
	fmt.Fprintf(a.Out, "Run %s (%s)\n", report.RunId, report.FinishedAt.Sub(report.StartedAt).Round(time.Second))
	fmt.Fprint(a.Out, util.FormatTable([]string{"LOAD POINT", "OFFERED LOAD", "ROWS", "STATUS"}, rows))
	fmt.Fprintf(a.Out, "Results: %s\n", report.Paths.Result)
}

// Render prints the runtime configs every host would receive, without contacting any host. A non-empty host
// restricts the output to the host of that name.
func (a *App) Render(host string) error {
	found := false
	for _, h := range fleet.Hosts(a.Params.Config) {
		if host != "" && h.Name != host {
			continue
		}
		found = true
		for _, rc := range runtimeconfig.ForHost(a.Params.Config, h) {
			fmt.Fprintf(a.Out, "# %s (%s): %s\n", h.Name, h.Address, rc.Name)
			fmt.Fprintln(a.Out, runtimeconfig.Render(rc))
		}
	}
	if !found {
		return errors.WithStack(&sweeperrors.ErrInvalidArgument{
			Name:    "host",
			Value:   host,
			Message: "no such host in the topology",
		})
	}
	return nil
}

// History prints the most recent runs recorded in the journal, newest first.
func (a *App) History(ctx *sweepcontext.Context, limit int) error {
	path := a.Params.Config.Journal.Path
	if path == "" {
		return errors.New("the journal is disabled, set journal.path to record runs")
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer util.CloseResource("journal", j)

	runs, err := j.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		finished := "-"
		if !run.FinishedAt.IsZero() {
			finished = run.FinishedAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{run.RunId, run.Prefix, run.StartedAt.Format(time.RFC3339), finished, run.Status, run.ResultFile})
	}
	fmt.Fprint(a.Out, util.FormatTable([]string{"RUN ID", "PREFIX", "STARTED", "FINISHED", "STATUS", "RESULT FILE"}, rows))
	return nil
}

// Version prints build information (e.g., current git commit) to the app output.
func (a *App) Version() error {
	w := tabwriter.NewWriter(a.Out, 1, 1, 1, ' ', 0)
	defer w.Flush()
	fmt.Fprintf(w, "Version:\t%s\n", build.ReleaseVersion)
	fmt.Fprintf(w, "Commit:\t%s\n", build.GitCommit)
	fmt.Fprintf(w, "Go version:\t%s\n", build.GoVersion)
	fmt.Fprintf(w, "Built:\t%s\n", build.BuildTime)
	return nil
}
