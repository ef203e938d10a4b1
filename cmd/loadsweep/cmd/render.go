package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/loadsweep/internal/loadsweep"
)

func renderCmd(app *loadsweep.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the runtime configs each host would receive, without contacting any host.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := cmd.Flags().GetString("host")
			if err != nil {
				return err
			}
			return app.Render(host)
		},
	}
	addExperimentFlags(cmd.Flags())
	cmd.Flags().String("host", "", "Only render the configs of this host, e.g. server or agent-0.")
	return cmd
}
