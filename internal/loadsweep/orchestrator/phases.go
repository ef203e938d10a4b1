package orchestrator

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/avast/retry-go"
	"github.com/mattn/go-zglob"
	"github.com/pkg/errors"

	"github.com/G-Research/loadsweep/internal/common/health"
	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/commands"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/process"
	"github.com/G-Research/loadsweep/internal/loadsweep/runtimeconfig"
)

// reset kills whatever a previous run left behind and removes its output. Nothing here is fatal.
func (r *Runner) reset(ctx *sweepcontext.Context, s *run) error {
	f := s.fleet
	_, _ = f.Execute(ctx, f.All(), s.catalogue.Reset(), fleet.Blocking, fleet.BestEffort)
	_, _ = f.Execute(ctx, []*fleet.Host{f.Client()}, s.catalogue.RemoveStaleOutput(), fleet.Blocking, fleet.BestEffort)
	return nil
}

// distribute uploads the local assets needed by the build to every host.
func (r *Runner) distribute(ctx *sweepcontext.Context, s *run) error {
	f := s.fleet
	for _, asset := range r.config.Paths.Assets {
		matches, err := zglob.Glob(asset.Source)
		if err != nil && !os.IsNotExist(err) {
			return errors.WithMessagef(err, "expanding asset pattern %s", asset.Source)
		}
		if len(matches) == 0 {
			return errors.Errorf("asset pattern %s matched no files", asset.Source)
		}
		sort.Strings(matches)
		for _, match := range matches {
			if err := r.upload(ctx, f, f.All(), match, path.Join(asset.Destination, filepath.Base(match))); err != nil {
				return err
			}
		}
		ctx.Log.Infof("distributed %d files matching %s to %s", len(matches), asset.Source, asset.Destination)
	}

	if r.config.Experiment.DownloadRaw {
		source := r.config.Paths.RawCaptureSource
		destination := path.Join(r.config.Paths.NetbenchPath(), filepath.Base(source))
		if err := r.upload(ctx, f, []*fleet.Host{f.Client()}, source, destination); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) upload(ctx *sweepcontext.Context, f *fleet.Fleet, hosts []*fleet.Host, localPath string, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.WithStack(err)
	}
	ctx.Log.Debugf("uploading %s to %s", localPath, remotePath)
	return f.Upload(ctx, hosts, remotePath, data, fleet.Mandatory)
}

func (r *Runner) generateConfigs(ctx *sweepcontext.Context, s *run) error {
	return runtimeconfig.DeployAll(ctx, s.fleet, s.catalogue, r.config)
}

func (r *Runner) build(ctx *sweepcontext.Context, s *run) error {
	_, err := s.fleet.Execute(ctx, s.fleet.All(), s.catalogue.Build(), fleet.Blocking, fleet.Mandatory)
	return err
}

// launchInfrastructure starts iokerneld on every host and waits until it runs everywhere.
func (r *Runner) launchInfrastructure(ctx *sweepcontext.Context, s *run) error {
	s.launched = true
	for _, h := range s.fleet.All() {
		_, err := s.tracker.Start(ctx, h, process.Spec{
			Name:        commands.IOKernel,
			Command:     s.catalogue.IOKernel(h.Role == fleet.ServerRole, h.Index),
			StopCommand: s.catalogue.Kill(commands.IOKernel),
		})
		if err != nil {
			return err
		}
	}
	return r.awaitReady(ctx, s, s.fleet.All(), commands.IOKernel, false)
}

// awaitReady waits until the process name runs on every host. With readiness probing disabled it only waits for
// the settle delay. A process that exits while polled fails readiness, unless finished is set and it exited with
// status zero.
func (r *Runner) awaitReady(ctx *sweepcontext.Context, s *run, hosts []*fleet.Host, name string, finished bool) error {
	readiness := r.config.Readiness
	if !readiness.Enabled {
		r.clock.Sleep(readiness.SettleDelay)
		return nil
	}

	g, gctx := sweepcontext.ErrGroup(ctx)
	for _, h := range hosts {
		h := h
		check := s.catalogue.Pidof(name)
		g.Go(func() error {
			checker := health.CheckerFunc(func() error {
				if record := s.tracker.Get(h, name); record != nil && record.Handle.Resolved() {
					status, err := record.Handle.Wait(gctx)
					if finished && err == nil && status == 0 {
						return nil
					}
					return retry.Unrecoverable(errors.Errorf("%s exited with status %d", name, status))
				}
				_, err := s.fleet.Execute(gctx, []*fleet.Host{h}, check, fleet.Blocking, fleet.Poll)
				return err
			})
			hctx := sweepcontext.WithLogField(gctx, "host", h.Name)
			if err := health.WaitUntilReady(hctx, checker, readiness.Timeout, readiness.PollInterval); err != nil {
				return errors.WithStack(&sweeperrors.ErrNotReady{Host: h.Name, Check: check, Err: err})
			}
			hctx.Log.Debugf("%s is running", name)
			return nil
		})
	}
	return g.Wait()
}

// teardown stops every process still tracked and makes sure iokerneld is killed on every host, whatever happened
// before. Failures are logged.
func (r *Runner) teardown(ctx *sweepcontext.Context, s *run) {
	var untracked []*fleet.Host
	for _, h := range s.fleet.All() {
		if s.tracker.Get(h, commands.IOKernel) == nil {
			untracked = append(untracked, h)
		}
	}
	if err := s.tracker.StopAll(ctx, s.fleet.All()); err != nil {
		ctx.Log.WithError(err).Warn("some processes could not be stopped")
	}
	if len(untracked) > 0 {
		_, _ = s.fleet.Execute(ctx, untracked, s.catalogue.Kill(commands.IOKernel), fleet.Blocking, fleet.BestEffort)
	}
}
