package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/loadsweep/internal/loadsweep"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadsweep",
		Short: "loadsweep runs offered-load sweeps of the netbench benchmark across a server, a client and agents.",
		Long: `loadsweep runs offered-load sweeps of the netbench benchmark across a server, a client and agents.

Persistent config can be saved in a config file so it doesn't have to be specified every command.

Example structure:
experiment:
  variant: breakwater
  offeredLoads: [400000, 800000]
topology:
  server:
    address: node0
  client:
    address: node1
  agents:
    - address: node2

The location of this file can be passed in using the --config argument.
If not provided, $HOME/.loadsweep.yaml is used.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file (default is $HOME/.loadsweep.yaml).")

	cmd.AddCommand(
		runCmd(loadsweep.New()),
		renderCmd(loadsweep.New()),
		historyCmd(loadsweep.New()),
		versionCmd(loadsweep.New()),
	)

	return cmd
}
