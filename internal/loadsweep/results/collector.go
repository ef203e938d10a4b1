// Package results gathers the measurements the benchmark client writes after every load point into local result
// files.
package results

import (
	"bytes"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/loadsweep/fleet"
)

// ErrMissingOutput is returned when the client produced no new rows for a load point.
var ErrMissingOutput = errors.New("client produced no output")

// Downloader fetches a file from a host.
type Downloader interface {
	Download(ctx *sweepcontext.Context, host *fleet.Host, remotePath string) ([]byte, error)
}

// Collector appends the rows of every load point to one result file. The client appends to a single remote file
// for the whole run, so only the bytes added since the previous load point are taken.
type Collector struct {
	downloader   Downloader
	client       *fleet.Host
	remoteResult string
	remoteRaw    string
	paths        Paths
	downloadRaw  bool

	mu            sync.Mutex
	offset        int
	headerWritten bool
	rows          int

	rawLock sync.Mutex
	rawWg   sync.WaitGroup
}

// NewCollector returns a collector for the files remoteResult and, when downloadRaw is set, remoteRaw on client.
func NewCollector(downloader Downloader, client *fleet.Host, remoteResult string, remoteRaw string, paths Paths, downloadRaw bool) *Collector {
	return &Collector{
		downloader:   downloader,
		client:       client,
		remoteResult: remoteResult,
		remoteRaw:    remoteRaw,
		paths:        paths,
		downloadRaw:  downloadRaw,
	}
}

// Collect fetches the rows produced by the load point just measured and appends them to the result file, writing
// the header first if the file has none yet. It returns the number of rows appended. Nothing is written on error.
func (c *Collector) Collect(ctx *sweepcontext.Context, index int, offeredLoad int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.downloader.Download(ctx, c.client, c.remoteResult)
	if err != nil {
		return 0, errors.WithMessagef(err, "fetching output of load point %d", index)
	}
	if len(data) < c.offset {
		ctx.Log.Warnf("%s on %s shrank from %d to %d bytes, taking it from the start", c.remoteResult, c.client.Name, c.offset, len(data))
		c.offset = 0
	}
	fresh := data[c.offset:]
	if len(bytes.TrimSpace(fresh)) == 0 {
		return 0, errors.WithMessagef(ErrMissingOutput, "load point %d at offered load %d", index, offeredLoad)
	}

	var out bytes.Buffer
	if !c.headerWritten {
		out.WriteString(Header)
		out.WriteByte('\n')
	}
	out.Write(fresh)
	if fresh[len(fresh)-1] != '\n' {
		out.WriteByte('\n')
	}
	if err := c.append(out.Bytes()); err != nil {
		return 0, err
	}
	rows := countRows(fresh)
	c.offset = len(data)
	c.headerWritten = true
	c.rows += rows
	ctx.Log.Infof("collected %d rows for load point %d (offered load %d)", rows, index, offeredLoad)

	if c.downloadRaw {
		c.fetchRaw(ctx)
	}
	return rows, nil
}

func (c *Collector) append(data []byte) error {
	if err := os.MkdirAll(c.paths.Dir, 0o755); err != nil {
		return errors.WithStack(err)
	}
	f, err := os.OpenFile(c.paths.Result, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// fetchRaw copies the client's per-request trace in the background. Failures are logged and never affect the
// result file.
func (c *Collector) fetchRaw(ctx *sweepcontext.Context) {
	c.rawWg.Add(1)
	go func() {
		defer c.rawWg.Done()
		c.rawLock.Lock()
		defer c.rawLock.Unlock()
		data, err := c.downloader.Download(ctx, c.client, c.remoteRaw)
		if err != nil {
			ctx.Log.WithError(err).Warnf("failed to fetch raw output %s", c.remoteRaw)
			return
		}
		if err := os.WriteFile(c.paths.Raw, data, 0o644); err != nil {
			ctx.Log.WithError(err).Warnf("failed to write raw output %s", c.paths.Raw)
		}
	}()
}

// Rows returns the number of rows appended so far.
func (c *Collector) Rows() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}

// Paths returns the local files of the run.
func (c *Collector) Paths() Paths {
	return c.paths
}

// Close waits for outstanding raw fetches.
func (c *Collector) Close() {
	c.rawWg.Wait()
}

func countRows(data []byte) int {
	rows := 0
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			rows++
		}
	}
	return rows
}
