package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/G-Research/loadsweep/internal/loadsweep"
	"github.com/G-Research/loadsweep/internal/loadsweep/configuration"
)

// Flags bound to configuration keys. A flag set on the command line overrides the config file and the environment.
var flagKeys = map[string]string{
	"variant":      "experiment.variant",
	"connections":  "experiment.connections",
	"antagonist":   "antagonist.enabled",
	"download-raw": "experiment.downloadRaw",
	"output-dir":   "output.dir",
	"metrics-port": "metrics.port",
}

func addExperimentFlags(flags *pflag.FlagSet) {
	flags.String("variant", "", "Overload control variant: protego, breakwater, seda, dagor or nocontrol.")
	flags.Int64Slice("offered-loads", nil, "Offered loads to sweep, in requests per second, e.g. 100000,200000.")
	flags.Int("connections", 0, "Connections opened by the client.")
	flags.Bool("antagonist", true, "Run the swaptions antagonist on the server alongside the benchmark.")
	flags.Bool("download-raw", false, "Download the client's per-request trace after every load point.")
	flags.String("output-dir", "", "Local directory results are written under.")
	flags.Uint16("metrics-port", 0, "Port serving /metrics and /health during the run. Zero disables it.")
}

// initParams loads the configuration for cmd into app. Only flags the user actually set take precedence.
func initParams(cmd *cobra.Command, app *loadsweep.App) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	v, err := configuration.NewViper(configPath)
	if err != nil {
		return err
	}
	if err := bindFlags(cmd.Flags(), v); err != nil {
		return err
	}
	config, err := configuration.Load(v)
	if err != nil {
		return err
	}
	app.Params.Config = config
	return nil
}

func bindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	if flag := flags.Lookup("offered-loads"); flag != nil && flag.Changed {
		loads, err := flags.GetInt64Slice("offered-loads")
		if err != nil {
			return err
		}
		v.Set("experiment.offeredLoads", loads)
	}
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return err
		}
	}
	return nil
}
