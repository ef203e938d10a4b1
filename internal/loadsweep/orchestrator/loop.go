package orchestrator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/loadsweep/commands"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/journal"
	"github.com/G-Research/loadsweep/internal/loadsweep/process"
)

// Logical names of the antagonist's shared memory queries. Both run the same program.
const (
	memoryBandwidthQuery = "membw_query"
	antagonistQuery      = "antagonist_query"
)

// runLoop measures every load point in sweep order. The first failed load point ends the loop.
func (r *Runner) runLoop(ctx *sweepcontext.Context, s *run) error {
	for i, load := range r.config.Experiment.OfferedLoads {
		lp := LoadPoint{Index: i, OfferedLoad: load}
		lctx := sweepcontext.WithLogFields(ctx, logrus.Fields{"loadPoint": lp.Index, "offeredLoad": lp.OfferedLoad})
		lctx.Log.Infof("running load point %d of %d", i+1, len(r.config.Experiment.OfferedLoads))

		rows, err := r.runLoadPoint(lctx, s, lp)
		r.recordLoadPoint(lctx, s, LoadPointResult{LoadPoint: lp, Rows: rows, Err: err})
		if err != nil {
			return errors.WithMessagef(err, "load point %d (offered load %d)", lp.Index, lp.OfferedLoad)
		}
	}
	return nil
}

// runLoadPoint runs one iteration: antagonist, benchmark server, pid capture, clients and agents, the barrier on
// the clients and agents, then the stop of everything the iteration started on the server and the collection of
// the client's rows.
func (r *Runner) runLoadPoint(ctx *sweepcontext.Context, s *run, lp LoadPoint) (int, error) {
	f := s.fleet
	c := s.catalogue
	server := f.Server()
	antagonist := r.config.Antagonist

	if antagonist.Enabled {
		stop := ""
		if antagonist.NamedKill {
			stop = c.Kill(commands.Swaptions)
		}
		if _, err := s.tracker.Start(ctx, server, process.Spec{Name: commands.Swaptions, Command: c.Antagonist(), StopCommand: stop}); err != nil {
			return 0, err
		}
		r.clock.Sleep(antagonist.SettleDelay)
		// Both queries are stopped by name, whichever order they are stopped in. The second kill finds nothing.
		queries := []process.Spec{
			{Name: memoryBandwidthQuery, Command: c.MemoryBandwidthQuery(), StopCommand: c.Kill(commands.ShmQuery)},
			{Name: antagonistQuery, Command: c.AntagonistQuery(), StopCommand: c.Kill(commands.ShmQuery)},
		}
		for _, spec := range queries {
			if _, err := s.tracker.Start(ctx, server, spec); err != nil {
				return 0, err
			}
		}
	}

	if _, err := s.tracker.Start(ctx, server, process.Spec{Name: commands.Netbench, Command: c.NetbenchServer(), StopCommand: c.Kill(commands.Netbench)}); err != nil {
		return 0, err
	}
	if err := r.awaitReady(ctx, s, []*fleet.Host{server}, commands.Netbench, false); err != nil {
		return 0, err
	}
	_, _ = f.Execute(ctx, []*fleet.Host{server}, c.CapturePids(antagonist.CapturePids), fleet.Blocking, fleet.BestEffort)

	// Agents connect to the client, so the client must be up first. A client that already finished counts as up.
	client, err := s.tracker.Start(ctx, f.Client(), process.Spec{Name: commands.Netbench, Command: c.NetbenchClient(lp.OfferedLoad, len(f.Agents()))})
	if err != nil {
		return 0, err
	}
	if err := r.awaitReady(ctx, s, []*fleet.Host{f.Client()}, commands.Netbench, true); err != nil {
		return 0, err
	}
	records := []*process.Record{client}
	for _, h := range f.Agents() {
		record, err := s.tracker.Start(ctx, h, process.Spec{Name: commands.Netbench, Command: c.NetbenchAgent(f.Client().DataAddress)})
		if err != nil {
			return 0, err
		}
		records = append(records, record)
	}

	if err := r.barrier(ctx, records); err != nil {
		return 0, err
	}
	for _, h := range f.ClientAndAgents() {
		if err := s.tracker.Reap(h, commands.Netbench); err != nil {
			return 0, err
		}
	}

	r.stopOnServer(ctx, s, commands.Netbench)
	if antagonist.Enabled {
		r.stopOnServer(ctx, s, memoryBandwidthQuery, antagonistQuery, commands.Swaptions)
	}
	r.clock.Sleep(r.config.Readiness.SettleDelay)

	return s.collector.Collect(ctx, lp.Index, lp.OfferedLoad)
}

// barrier waits for every client and agent to exit, bounded by the load point timeout when one is configured.
func (r *Runner) barrier(ctx *sweepcontext.Context, records []*process.Record) error {
	wctx := ctx
	if timeout := r.config.Experiment.LoadPointTimeout; timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = sweepcontext.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for _, record := range records {
		status, err := record.Handle.Wait(wctx)
		if err != nil {
			return errors.WithMessagef(err, "waiting for %s on %s", record.Name, record.Host.Name)
		}
		if status != 0 {
			ctx.Log.WithField("host", record.Host.Name).Warnf("%s exited with status %d", record.Name, status)
		}
	}
	return nil
}

// stopOnServer stops the named server processes in order. Failures are warnings.
func (r *Runner) stopOnServer(ctx *sweepcontext.Context, s *run, names ...string) {
	for _, name := range names {
		if err := s.tracker.Stop(ctx, s.fleet.Server(), name); err != nil {
			ctx.Log.WithError(err).Warnf("%s did not stop", name)
		}
	}
}

func (r *Runner) recordLoadPoint(ctx *sweepcontext.Context, s *run, result LoadPointResult) {
	s.report.LoadPoints = append(s.report.LoadPoints, result)
	if r.metrics != nil {
		r.metrics.RecordLoadPoint(result.Err == nil, result.Rows)
	}
	if r.journal == nil {
		return
	}
	point := journal.LoadPoint{
		RunId:       s.report.RunId,
		Index:       result.Index,
		OfferedLoad: result.OfferedLoad,
		Rows:        result.Rows,
		Status:      loadPointStatus(result.Err),
		RecordedAt:  r.clock.Now(),
	}
	if result.Err != nil {
		point.Error = result.Err.Error()
	}
	if err := r.journal.RecordLoadPoint(ctx, point); err != nil {
		ctx.Log.WithError(err).Warn("failed to record load point in journal")
	}
}
