package main

import (
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ocx/device-agent/internal/paths"
	"github.com/ocx/device-agent/internal/statemachine"
)

func newDaemonCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the update agent until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := paths.New(opts.dataDir)
			ctx, err := statemachine.Init(p, opts.forceBootstrap)
			if err != nil {
				return err
			}

			// Mirror every record into the deployment log sink; the sink
			// only persists records while a deployment is in flight.
			slog.SetDefault(slog.New(newFanout(slog.Default().Handler(), ctx.Sink)))

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			go func() {
				s := <-sigs
				slog.Info("Received a signal, shutting down", "signal", s.String())
				ctx.RequestQuit()
			}()

			ctx.WaitForInstaller()
			err = ctx.Run()
			if errors.Is(err, statemachine.ErrUpdateHandedOff) {
				// The installer owns the device from here on.
				return nil
			}
			return err
		},
	}
}
