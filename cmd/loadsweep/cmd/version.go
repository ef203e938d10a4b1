package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/loadsweep/internal/loadsweep"
)

// Print version info and exit.
func versionCmd(app *loadsweep.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Version()
		},
	}
	return cmd
}
