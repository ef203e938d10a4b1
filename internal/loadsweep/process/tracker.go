// Package process tracks the long-running commands launched on the hosts of an experiment, so that every one of
// them is retired before it is launched again.
package process

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/common/sweeperrors"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
	"github.com/G-Research/loadsweep/internal/loadsweep/remote"
)

// Spec describes a long-running process.
type Spec struct {
	// Logical name, unique per host while the process lives
	Name    string
	Command string
	// Best-effort command stopping the process by name. When empty the process is stopped by signalling its handle.
	StopCommand string
}

// Record is a launched process that has not been retired yet.
type Record struct {
	Host        *fleet.Host
	Name        string
	Command     string
	StopCommand string
	Handle      *remote.CommandHandle
	StartedAt   time.Time

	seq uint64
}

type key struct {
	host string
	name string
}

type Tracker struct {
	fleet       *fleet.Fleet
	stopTimeout time.Duration
	gauge       prometheus.Gauge

	lock    sync.Mutex
	records map[key]*Record
	seq     uint64
}

// NewTracker returns a tracker launching through f. gauge, if not nil, follows the number of records.
func NewTracker(f *fleet.Fleet, stopTimeout time.Duration, gauge prometheus.Gauge) *Tracker {
	return &Tracker{
		fleet:       f,
		stopTimeout: stopTimeout,
		gauge:       gauge,
		records:     map[key]*Record{},
	}
}

// Start launches spec on host without waiting for it. It fails with ErrDuplicateProcess if a process of the same
// name is tracked on host, even one that has exited: only Stop and Reap retire a record.
func (t *Tracker) Start(ctx *sweepcontext.Context, host *fleet.Host, spec Spec) (*Record, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	k := key{host: host.Name, name: spec.Name}
	if existing, present := t.records[k]; present {
		if existing.Handle.Resolved() {
			ctx.Log.WithField("host", host.Name).Warnf("%s exited but was never stopped or reaped", spec.Name)
		}
		return nil, errors.WithStack(&sweeperrors.ErrDuplicateProcess{Host: host.Name, Name: spec.Name})
	}

	handles, err := t.fleet.Execute(ctx, []*fleet.Host{host}, spec.Command, fleet.NonBlocking, fleet.Mandatory)
	if err != nil {
		return nil, err
	}
	t.seq++
	record := &Record{
		Host:        host,
		Name:        spec.Name,
		Command:     spec.Command,
		StopCommand: spec.StopCommand,
		Handle:      handles[0],
		StartedAt:   handles[0].StartedAt,
		seq:         t.seq,
	}
	t.records[k] = record
	t.updateGauge()
	ctx.Log.WithField("host", host.Name).Debugf("started %s", spec.Name)
	return record, nil
}

// Get returns the record of name on host, or nil.
func (t *Tracker) Get(host *fleet.Host, name string) *Record {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.records[key{host: host.Name, name: name}]
}

// Stop terminates name on host and waits for it to exit. Stopping a process that is not tracked does nothing. A
// failed stop command is only logged. If the process is not seen to exit within the stop timeout the record is
// kept and a CleanupWarning is returned.
func (t *Tracker) Stop(ctx *sweepcontext.Context, host *fleet.Host, name string) error {
	record := t.Get(host, name)
	if record == nil {
		return nil
	}
	log := ctx.Log.WithField("host", host.Name)

	if record.StopCommand != "" {
		// A failing kill usually means the process already exited; the fleet logs it as a warning.
		_, _ = t.fleet.Execute(ctx, []*fleet.Host{host}, record.StopCommand, fleet.Blocking, fleet.BestEffort)
	} else if err := record.Handle.Signal("KILL"); err != nil {
		log.WithError(err).Warnf("failed to signal %s", name)
	}

	waitCtx, cancel := sweepcontext.WithTimeout(ctx, t.stopTimeout)
	defer cancel()
	status, err := record.Handle.Wait(waitCtx)
	if !record.Handle.Resolved() {
		warning := &sweeperrors.CleanupWarning{Host: host.Name, Command: record.Command, Status: remote.StatusUnknown, Err: err}
		log.Warn(warning.Error())
		return warning
	}
	if err != nil {
		log.WithError(err).Warnf("%s ended without an exit status", name)
	} else {
		log.Debugf("%s exited with status %d", name, status)
	}
	t.remove(record)
	return nil
}

// Reap retires a process that exited by itself. It fails if the process is still running.
func (t *Tracker) Reap(host *fleet.Host, name string) error {
	record := t.Get(host, name)
	if record == nil {
		return nil
	}
	if !record.Handle.Resolved() {
		return errors.Errorf("cannot reap %s on host %s as it is still running", name, host.Name)
	}
	t.remove(record)
	return nil
}

// StopAll stops every process tracked on hosts. Hosts are stopped concurrently, and the processes of one host in
// the reverse of their start order.
func (t *Tracker) StopAll(ctx *sweepcontext.Context, hosts []*fleet.Host) error {
	failures := make([]error, len(hosts))
	g := new(errgroup.Group)
	for i, h := range hosts {
		i, h := i, h
		g.Go(func() error {
			var result *multierror.Error
			records := t.recordsOf(h)
			for j := len(records) - 1; j >= 0; j-- {
				if err := t.Stop(ctx, h, records[j].Name); err != nil {
					result = multierror.Append(result, err)
				}
			}
			failures[i] = result.ErrorOrNil()
			return nil
		})
	}
	_ = g.Wait()

	var result *multierror.Error
	for _, err := range failures {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Records returns every tracked record in start order.
func (t *Tracker) Records() []*Record {
	t.lock.Lock()
	defer t.lock.Unlock()
	records := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].seq < records[j].seq
	})
	return records
}

func (t *Tracker) recordsOf(host *fleet.Host) []*Record {
	var records []*Record
	for _, r := range t.Records() {
		if r.Host.Name == host.Name {
			records = append(records, r)
		}
	}
	return records
}

func (t *Tracker) remove(record *Record) {
	t.lock.Lock()
	defer t.lock.Unlock()
	k := key{host: record.Host.Name, name: record.Name}
	// A concurrent Stop or Reap may already have retired it.
	if t.records[k] == record {
		delete(t.records, k)
	}
	t.updateGauge()
}

func (t *Tracker) updateGauge() {
	if t.gauge != nil {
		t.gauge.Set(float64(len(t.records)))
	}
}
