// Package commands builds the shell commands issued to the hosts of an experiment.
//
// Every path is relative to the remote home directory, which is where an SSH session starts.
package commands

import (
	"fmt"
	"path"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
)

// Names of the long-running programs the experiment starts.
const (
	Netbench  = "netbench"
	IOKernel  = "iokerneld"
	ShmQuery  = "stress_shm_query"
	Swaptions = "swaptions"
)

// KnownProcesses is every program Reset kills.
var KnownProcesses = []string{Netbench, IOKernel, ShmQuery, Swaptions}

const (
	ServerConfigName = "server.config"
	ClientConfigName = "client.config"
	// File the PID capture writes, relative to the home directory
	PidFile = "PID.txt"
	// Output written by netbench next to the result file
	resultSidecar = "output.json"
)

// Catalogue renders commands for one experiment configuration.
type Catalogue struct {
	config configuration.SweepConfig
}

func New(config configuration.SweepConfig) *Catalogue {
	return &Catalogue{config: config}
}

func (c *Catalogue) artifactDir() string {
	return c.config.Paths.ArtifactDir
}

// inArtifact prefixes command with a cd into the artifact directory.
func (c *Catalogue) inArtifact(command string) string {
	return "cd " + shellescape.Quote(c.artifactDir()) + " && " + command
}

// Reset kills every program a previous run may have left behind.
func (c *Catalogue) Reset() string {
	return "sudo killall -9 " + strings.Join(KnownProcesses, " ")
}

// RemoveStaleOutput deletes the client's output of a previous run.
func (c *Catalogue) RemoveStaleOutput() string {
	files := []string{
		c.ResultPath(),
		path.Join(c.artifactDir(), resultSidecar),
		c.RawPath(),
	}
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = shellescape.Quote(f)
	}
	return "rm -f " + strings.Join(quoted, " ")
}

// ResultPath is the file netbench appends result rows to.
func (c *Catalogue) ResultPath() string {
	return path.Join(c.artifactDir(), c.config.Output.ResultFile)
}

// RawPath is the per-request trace written by the client.
func (c *Catalogue) RawPath() string {
	return path.Join(c.artifactDir(), c.config.Output.RawFile)
}

// ConfigPath is where a runtime config named name is deployed.
func (c *Catalogue) ConfigPath(name string) string {
	return path.Join(c.artifactDir(), name)
}

// Build compiles the runtime, the overload control library and netbench in one chained command.
func (c *Catalogue) Build() string {
	steps := []string{
		"cd " + shellescape.Quote(c.config.Paths.KernelPath()),
		"make clean", "make", "make -C bindings/cc",
		"cd breakwater",
		"make clean", "make", "make -C bindings/cc",
		"cd apps/netbench",
		"make clean", "make",
	}
	return strings.Join(steps, " && ")
}

// IOKernel starts the runtime's iokernel daemon. The server schedules with ias, the other hosts with simple. Output is
// timestamped into iokernel.node-<index>.log.
func (c *Catalogue) IOKernel(server bool, index int) string {
	scheduler := "simple"
	if server {
		scheduler = "ias"
	}
	return fmt.Sprintf("cd %s && sudo ./%s %s %s 2>&1 | ts %%s > iokernel.node-%d.log",
		shellescape.Quote(c.config.Paths.KernelPath()), IOKernel, scheduler, c.config.Paths.IOKernelCores, index)
}

func (c *Catalogue) shmEnv() string {
	return fmt.Sprintf("export SHMKEY=%d", c.config.Antagonist.ShmKey)
}

// Antagonist starts swaptions under its own runtime config.
func (c *Catalogue) Antagonist() string {
	a := c.config.Antagonist
	name := strings.TrimSuffix(a.ConfigName, path.Ext(a.ConfigName))
	return c.inArtifact(fmt.Sprintf("%s && %s %s -ns %d -sm %d -nt %d > %s.out 2> %s.err",
		c.shmEnv(), shellescape.Quote(a.Binary), shellescape.Quote(a.ConfigName),
		a.Simulations, a.Swaptions, a.Threads, name, name))
}

func (c *Catalogue) shmQueryBinary() string {
	return "./" + path.Join(c.config.Paths.KernelDir, "apps", "netbench", ShmQuery)
}

// MemoryBandwidthQuery samples memory bandwidth through the shared memory interface.
func (c *Catalogue) MemoryBandwidthQuery() string {
	return c.inArtifact(fmt.Sprintf("%s && sudo %s membw:1000 > mem.log 2>&1", c.shmEnv(), c.shmQueryBinary()))
}

// AntagonistQuery samples the antagonist's progress counters.
func (c *Catalogue) AntagonistQuery() string {
	a := c.config.Antagonist
	name := strings.TrimSuffix(a.ConfigName, path.Ext(a.ConfigName))
	return c.inArtifact(fmt.Sprintf("%s && sudo %s %d:1000:%d > %s_shm_query.out 2>&1",
		c.shmEnv(), c.shmQueryBinary(), a.ShmKey, a.Threads, name))
}

func (c *Catalogue) netbench(args ...string) string {
	binary := "./" + path.Join(c.config.Paths.KernelDir, "breakwater", "apps", "netbench", Netbench)
	return c.inArtifact(fmt.Sprintf("sudo %s %s %s > stdout.out 2>&1", binary, c.config.Experiment.Variant, strings.Join(args, " ")))
}

// NetbenchServer starts the benchmark server.
func (c *Catalogue) NetbenchServer() string {
	return c.netbench(ServerConfigName, "server")
}

// NetbenchClient starts the benchmark client driving offeredLoad requests per second across itself and numAgents
// agents against the server's data address.
func (c *Catalogue) NetbenchClient(offeredLoad int64, numAgents int) string {
	e := c.config.Experiment
	return c.netbench(ClientConfigName, "client",
		fmt.Sprintf("%d %f %s %d %d %d %s 1",
			e.Connections, float64(e.ServiceTimeMeanUs), e.Distribution, e.Slo(), numAgents, offeredLoad,
			c.config.Topology.Server.DataAddress))
}

// NetbenchAgent starts a load generating agent that takes its instructions from the client.
func (c *Catalogue) NetbenchAgent(clientDataAddress string) string {
	return c.netbench(ClientConfigName, "agent", clientDataAddress)
}

// CapturePids records the pids of the server's processes for later diagnosis.
func (c *Catalogue) CapturePids(includeSwaptions bool) string {
	names := []string{Netbench, IOKernel, ShmQuery}
	if includeSwaptions {
		names = append(names, Swaptions)
	}
	groups := make([]string, len(names))
	for i, name := range names {
		redirect := ">>"
		if i == 0 {
			redirect = ">"
		}
		groups[i] = fmt.Sprintf("echo %s %s %s && pidof %s >> %s", name, redirect, PidFile, name, PidFile)
	}
	return strings.Join(groups, "; ")
}

// Kill kills every process of the named program.
func (c *Catalogue) Kill(name string) string {
	return "sudo killall -9 " + name
}

// Pidof succeeds once a process of the named program is running.
func (c *Catalogue) Pidof(name string) string {
	return "pidof " + name
}
