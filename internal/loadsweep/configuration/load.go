package configuration

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "LOADSWEEP"
	DefaultConfigName = ".loadsweep"
)

// NewViper returns a viper instance with defaults, environment overrides and, if found, the config file loaded.
// An empty path looks for $HOME/.loadsweep.yaml and tolerates it being absent.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		expanded, err := homedir.Expand(configPath)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		v.SetConfigFile(expanded)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "reading config file %s", expanded)
		}
		return v, nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	v.AddConfigPath(home)
	v.SetConfigName(DefaultConfigName)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WithMessage(err, "reading default config file")
		}
	}
	return v, nil
}

// Load decodes the viper state into a SweepConfig and fills in derived values. It does not validate.
func Load(v *viper.Viper) (SweepConfig, error) {
	var config SweepConfig
	if err := v.Unmarshal(&config, DecodeHooks()); err != nil {
		return config, errors.WithStack(err)
	}
	if err := config.resolve(); err != nil {
		return config, err
	}
	return config, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("experiment.variant", string(Breakwater))
	v.SetDefault("experiment.distribution", string(Exponential))
	v.SetDefault("experiment.connections", 1000)
	v.SetDefault("experiment.serviceTimeMeanUs", 1)
	v.SetDefault("experiment.networkRttUs", 10)
	v.SetDefault("experiment.sloUs", 0)
	v.SetDefault("experiment.offeredLoads", []int64{800000})
	v.SetDefault("experiment.serverCores", 17)
	v.SetDefault("experiment.clientCores", 16)
	v.SetDefault("experiment.guaranteedKthreads", 16)
	v.SetDefault("experiment.queueDelayThresholdUs", 10)
	v.SetDefault("experiment.directPath", true)
	v.SetDefault("experiment.spinServer", false)
	v.SetDefault("experiment.disableWatchdog", false)
	v.SetDefault("experiment.downloadRaw", false)
	v.SetDefault("experiment.loadPointTimeout", time.Duration(0))
	v.SetDefault("experiment.stopTimeout", 30*time.Second)

	v.SetDefault("topology.server.address", "")
	v.SetDefault("topology.client.address", "")
	v.SetDefault("topology.agents", []map[string]interface{}{})
	v.SetDefault("topology.netmask", "255.255.255.0")
	v.SetDefault("topology.gateway", "192.168.1.1")

	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.keyPath", "~/.ssh/id_rsa")
	v.SetDefault("ssh.knownHostsPath", "")
	v.SetDefault("ssh.useAgent", false)
	v.SetDefault("ssh.configPath", "")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.timeout", 10*time.Second)
	v.SetDefault("ssh.dialAttempts", 3)

	v.SetDefault("paths.artifactDir", "artifact")
	v.SetDefault("paths.kernelDir", "caladan")
	v.SetDefault("paths.assets", []map[string]interface{}{{"source": "configs/*.h"}})
	v.SetDefault("paths.rawCaptureSource", "netbench.cc")
	v.SetDefault("paths.ioKernelCores", "0,1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18")

	v.SetDefault("antagonist.enabled", true)
	v.SetDefault("antagonist.configName", "swaptionsGC.config")
	v.SetDefault("antagonist.binary", "parsec/pkgs/apps/swaptions/inst/amd64-linux.gcc-shenango-gc/bin/swaptions")
	v.SetDefault("antagonist.shmKey", 102)
	v.SetDefault("antagonist.threads", 17)
	v.SetDefault("antagonist.simulations", 5000000)
	v.SetDefault("antagonist.swaptions", 400)
	v.SetDefault("antagonist.capturePids", false)
	v.SetDefault("antagonist.namedKill", true)
	v.SetDefault("antagonist.settleDelay", time.Second)

	v.SetDefault("readiness.enabled", true)
	v.SetDefault("readiness.timeout", 30*time.Second)
	v.SetDefault("readiness.pollInterval", 500*time.Millisecond)
	v.SetDefault("readiness.settleDelay", time.Second)

	v.SetDefault("output.dir", "outputs")
	v.SetDefault("output.resultFile", "output.csv")
	v.SetDefault("output.rawFile", "all_tasks.csv")

	v.SetDefault("journal.path", "outputs/journal.db")
	v.SetDefault("metrics.port", 0)

	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.console.format", "text")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.level", "debug")
	v.SetDefault("logging.file.format", "json")
	v.SetDefault("logging.file.logFile", "loadsweep.log")
	v.SetDefault("logging.file.rotation.maxSizeMb", 100)
	v.SetDefault("logging.file.rotation.maxBackups", 5)
	v.SetDefault("logging.file.rotation.maxAgeDays", 30)
	v.SetDefault("logging.file.rotation.compress", false)
}

// resolve expands home-relative local paths and fills in the data-plane addresses and asset destinations
// left empty, following the 192.168.1.0/24 layout of the lab network.
func (c *SweepConfig) resolve() error {
	for _, p := range []*string{&c.SSH.KeyPath, &c.SSH.KnownHostsPath, &c.SSH.ConfigPath, &c.Journal.Path, &c.Output.Dir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return errors.WithStack(err)
		}
		*p = expanded
	}

	if c.Topology.Server.DataAddress == "" {
		c.Topology.Server.DataAddress = "192.168.1.200"
	}
	if c.Topology.Client.DataAddress == "" {
		c.Topology.Client.DataAddress = "192.168.1.100"
	}
	for i := range c.Topology.Agents {
		if c.Topology.Agents[i].DataAddress == "" {
			c.Topology.Agents[i].DataAddress = fmt.Sprintf("192.168.1.%d", 101+i)
		}
	}

	for i := range c.Paths.Assets {
		if c.Paths.Assets[i].Destination == "" {
			c.Paths.Assets[i].Destination = c.Paths.BreakwaterSourcePath()
		}
	}
	return nil
}
