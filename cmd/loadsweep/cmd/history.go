package cmd

import (
	"github.com/spf13/cobra"

	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/loadsweep"
)

func historyCmd(app *loadsweep.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs recorded in the journal.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			return app.History(sweepcontext.Background(), limit)
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum number of runs to list.")
	return cmd
}
