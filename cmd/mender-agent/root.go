package main

import (
	"github.com/spf13/cobra"

	"github.com/ocx/device-agent/internal/paths"
)

const version = "1.0.0"

// rootOptions holds the global flags shared by every subcommand.
type rootOptions struct {
	dataDir        string
	logFile        string
	logLevel       string
	forceBootstrap bool
	noSyslog       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mender-agent",
		Short:         "Device-side over-the-air update agent",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts.logLevel, opts.logFile, opts.noSyslog)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.dataDir, "data", paths.DefaultDataStore, "state directory")
	flags.StringVar(&opts.logFile, "log-file", "", "write the log to this file instead of stderr")
	flags.StringVar(&opts.logLevel, "log-level", "info",
		"log level: debug, info, warning, error or critical")
	flags.BoolVar(&opts.forceBootstrap, "forcebootstrap", false,
		"replace the device key even if one exists")
	flags.BoolVar(&opts.noSyslog, "no-syslog", false, "do not mirror the log to syslog")

	cmd.AddCommand(
		newBootstrapCmd(opts),
		newDaemonCmd(opts),
		newShowArtifactCmd(opts),
		newReportCmd(opts),
	)
	return cmd
}
