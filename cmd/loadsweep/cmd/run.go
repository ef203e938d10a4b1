package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/loadsweep/internal/common/logging"
	"github.com/G-Research/loadsweep/internal/common/sweepcontext"
	"github.com/G-Research/loadsweep/internal/loadsweep"
)

// Run one sweep. Ctrl-C interrupts the sweep, but processes already started are still stopped.
func runCmd(app *loadsweep.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build the benchmark on every host and sweep the configured offered loads.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initParams(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.MustConfigureApplicationLogging(app.Params.Config.Logging)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err := app.Run(sweepcontext.New(ctx, log.NewEntry(log.StandardLogger())))
			if err != nil {
				logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("sweep failed")
			}
			return err
		},
	}
	addExperimentFlags(cmd.Flags())
	return cmd
}
