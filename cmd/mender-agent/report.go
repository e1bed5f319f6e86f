package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ocx/device-agent/internal/client"
	"github.com/ocx/device-agent/internal/deplog"
	"github.com/ocx/device-agent/internal/paths"
	"github.com/ocx/device-agent/internal/statemachine"
)

// newReportCmd reports the outcome of an in-flight deployment on behalf of
// the installer. It requires the lock file the daemon wrote before handing
// off; the deployment ID is read from it.
func newReportCmd(opts *rootOptions) *cobra.Command {
	var success, failure bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Report the in-flight deployment as succeeded or failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			if success == failure {
				return errors.New("report requires exactly one of --success or --failure")
			}
			p := paths.New(opts.dataDir)
			ctx, err := statemachine.Init(p, false)
			if err != nil {
				return err
			}
			return runReport(ctx, p, failure)
		},
	}
	cmd.Flags().BoolVar(&success, "success", false, "the deployment succeeded")
	cmd.Flags().BoolVar(&failure, "failure", false, "the deployment failed")
	return cmd
}

// runReport performs one authorization and one status report. A failure
// report also carries the deployment log, with the sub-updater's own log
// echoed into the agent log first.
func runReport(ctx *statemachine.Context, p paths.Paths, failure bool) error {
	lock, err := os.ReadFile(p.LockFile)
	if err != nil {
		return fmt.Errorf("no update is in progress: %w", err)
	}
	deploymentID := strings.TrimSpace(string(lock))
	if deploymentID == "" {
		return errors.New("no deployment ID found in the lock file")
	}

	token, err := client.Authorize(ctx.API, ctx.Config.ServerURL,
		ctx.Config.TenantToken, ctx.Identity, ctx.PrivateKey)
	if err != nil {
		return err
	}

	status := client.StatusSuccess
	if failure {
		status = client.StatusFailure
	}
	if err := client.ReportStatus(ctx.API, ctx.Config.ServerURL, token,
		deploymentID, status); err != nil {
		return err
	}
	if failure {
		deplog.EchoSubUpdater(p.SubUpdaterLog)
		if err := client.UploadLog(ctx.API, ctx.Config.ServerURL, token,
			deploymentID, ctx.Sink.Marshal()); err != nil {
			return err
		}
	}
	slog.Info("Reported the deployment status", "deployment", deploymentID, "status", status)
	return nil
}
