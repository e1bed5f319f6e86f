package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ocx/device-agent/internal/device"
	"github.com/ocx/device-agent/internal/paths"
)

func newBootstrapCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Generate a fresh device key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := paths.New(opts.dataDir)
			if _, err := device.Bootstrap(p.Key, true); err != nil {
				return err
			}
			slog.Info("The device key is in place", "path", p.Key)
			return nil
		},
	}
}
