package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ocx/device-agent/internal/paths"
	"github.com/ocx/device-agent/internal/scripts"
)

func newShowArtifactCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-artifact",
		Short: "Print the currently installed artifact information",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := paths.New(opts.dataDir)
			vals := scripts.ArtifactInfo(p.ArtifactInfo)
			if vals == nil {
				// Already logged; a device that has never been flashed
				// simply has nothing to show.
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), scripts.Render(vals))
			return nil
		},
	}
}
