package configuration

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/G-Research/loadsweep/internal/common/logging"
)

// Variant is the overload-control scheme the benchmark server runs under.
type Variant string

const (
	Protego    Variant = "protego"
	Breakwater Variant = "breakwater"
	Seda       Variant = "seda"
	Dagor      Variant = "dagor"
	NoControl  Variant = "nocontrol"
)

var Variants = []Variant{Protego, Breakwater, Seda, Dagor, NoControl}

// Distribution is the service time distribution used by the benchmark client.
type Distribution string

const (
	Exponential Distribution = "exp"
	Constant    Distribution = "const"
	Bimodal     Distribution = "bimod"
)

var Distributions = []Distribution{Exponential, Constant, Bimodal}

// SweepConfig is the complete input of a single run.
type SweepConfig struct {
	Experiment ExperimentConfig
	Topology   TopologyConfig
	SSH        SSHConfig
	Paths      PathsConfig
	Antagonist AntagonistConfig
	Readiness  ReadinessConfig
	Output     OutputConfig
	Journal    JournalConfig
	Metrics    MetricsConfig
	Logging    logging.Config
}

type ExperimentConfig struct {
	Variant      Variant      `validate:"required"`
	Distribution Distribution `validate:"required"`
	// Number of client connections opened by the benchmark client
	Connections int `validate:"gt=0"`
	// Mean service time in microseconds
	ServiceTimeMeanUs int `validate:"gt=0"`
	// Network round trip used to derive the SLO when SloUs is zero
	NetworkRttUs int `validate:"gte=0"`
	SloUs        int `validate:"gte=0"`
	// Offered loads in requests per second, swept in order
	OfferedLoads       []int64 `validate:"required,min=1,dive,gt=0"`
	ServerCores        int     `validate:"gt=0"`
	ClientCores        int     `validate:"gt=0"`
	GuaranteedKthreads int     `validate:"gte=0"`
	// Queueing delay threshold written to the server runtime config
	QueueDelayThresholdUs int `validate:"gte=0"`
	DirectPath            bool
	SpinServer            bool
	DisableWatchdog       bool
	// Fetch the per-request trace written by the client after every load point
	DownloadRaw bool
	// Upper bound on the client/agent barrier of one load point. Zero waits forever.
	LoadPointTimeout time.Duration `validate:"gte=0"`
	// How long a stop waits for a killed process to be reported as exited
	StopTimeout time.Duration `validate:"gt=0"`
}

// Slo returns the latency objective in microseconds passed to the benchmark client.
func (e ExperimentConfig) Slo() int {
	if e.SloUs > 0 {
		return e.SloUs
	}
	return (e.ServiceTimeMeanUs + e.NetworkRttUs) * 10
}

type HostConfig struct {
	// SSH address, host or host:port. May be an alias from the ssh config file.
	Address string `validate:"required"`
	// Address used by the network runtime on the experiment network
	DataAddress string
}

type TopologyConfig struct {
	Server  HostConfig
	Client  HostConfig
	Agents  []HostConfig `validate:"dive"`
	Netmask string       `validate:"required,ipv4"`
	Gateway string       `validate:"required,ipv4"`
}

type SSHConfig struct {
	User string
	// Private key used for public key authentication. Ignored if empty and the agent is used.
	KeyPath string
	// known_hosts file used to verify hosts. Host keys are not checked when empty.
	KnownHostsPath string
	// Authenticate with the keys held by the running ssh-agent
	UseAgent bool
	// Optional ssh_config file used to resolve host aliases, users and ports
	ConfigPath   string
	Port         int           `validate:"gt=0,lte=65535"`
	Timeout      time.Duration `validate:"gt=0"`
	DialAttempts uint          `validate:"gt=0"`
}

type AssetConfig struct {
	// Local glob, e.g. configs/*.h or configs/**/*.h
	Source string `validate:"required"`
	// Remote directory relative to the home directory. Defaults to the breakwater source directory.
	Destination string
}

type PathsConfig struct {
	// Directory holding the experiment checkout, relative to the remote home directory
	ArtifactDir string `validate:"required"`
	// Network runtime checkout, relative to ArtifactDir
	KernelDir string        `validate:"required"`
	Assets    []AssetConfig `validate:"dive"`
	// Local file uploaded into the netbench app directory of the client when raw capture is enabled
	RawCaptureSource string
	// Core list handed to the iokernel
	IOKernelCores string `validate:"required"`
}

// KernelPath is the runtime checkout relative to the remote home directory.
func (p PathsConfig) KernelPath() string {
	return path.Join(p.ArtifactDir, p.KernelDir)
}

// BreakwaterSourcePath is where generated headers are distributed.
func (p PathsConfig) BreakwaterSourcePath() string {
	return path.Join(p.KernelPath(), "breakwater", "src")
}

// NetbenchPath is the netbench app directory relative to the remote home directory.
func (p PathsConfig) NetbenchPath() string {
	return path.Join(p.KernelPath(), "breakwater", "apps", "netbench")
}

type AntagonistConfig struct {
	// Run the swaptions antagonist and its shared memory queries alongside the server
	Enabled    bool
	ConfigName string `validate:"required"`
	Binary     string `validate:"required"`
	ShmKey     int    `validate:"gt=0"`
	Threads    int    `validate:"gt=0"`
	// swaptions -ns
	Simulations int `validate:"gt=0"`
	// swaptions -sm
	Swaptions int `validate:"gt=0"`
	// Include swaptions in the PID capture
	CapturePids bool
	// Stop the antagonist with killall rather than by signalling its session
	NamedKill bool
	// Pause between antagonist launches
	SettleDelay time.Duration `validate:"gte=0"`
}

type ReadinessConfig struct {
	// Poll for processes instead of sleeping for a fixed delay after launch
	Enabled      bool
	Timeout      time.Duration `validate:"gt=0"`
	PollInterval time.Duration `validate:"gt=0"`
	// Fixed wait used after launches when readiness polling is disabled
	SettleDelay time.Duration `validate:"gte=0"`
}

type OutputConfig struct {
	// Local directory result files are written under
	Dir string `validate:"required"`
	// File the benchmark client appends rows to, relative to the artifact directory
	ResultFile string `validate:"required"`
	// Per-request trace written by the client when raw capture is enabled
	RawFile string `validate:"required"`
}

type JournalConfig struct {
	// Sqlite database recording runs. Empty disables the journal.
	Path string
}

type MetricsConfig struct {
	// Port serving /metrics and /health while a run is in progress. Zero disables it.
	Port uint16
}

// Prefix returns the label shared by every output file of a run, e.g. breakwater_spin_exp_1_nconn_1000.
func (c SweepConfig) Prefix() string {
	var sb strings.Builder
	sb.WriteString(string(c.Experiment.Variant))
	if c.Experiment.SpinServer {
		sb.WriteString("_spin")
	}
	if c.Experiment.DisableWatchdog {
		sb.WriteString("_nowd")
	}
	sb.WriteString(fmt.Sprintf("_%s_%d_nconn_%d", c.Experiment.Distribution, c.Experiment.ServiceTimeMeanUs, c.Experiment.Connections))
	return sb.String()
}
