package statemachine

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ocx/device-agent/internal/client"
	"github.com/ocx/device-agent/internal/installer"
)

// ErrUnsupportedState is raised when the update machine reaches a state
// this agent deliberately does not implement. It fails the current
// deployment but not the agent.
var ErrUnsupportedState = errors.New("unsupported update state")

// ErrUpdateHandedOff signals that the installer was spawned and now owns
// the deployment. The agent must exit cleanly so the installer can reboot
// the device.
var ErrUpdateHandedOff = errors.New("the installer has taken over the deployment")

type updateState int

const (
	stateDownload updateState = iota
	stateArtifactInstall
	stateArtifactFailure
	stateArtifactReboot
	stateArtifactCommit
	stateArtifactRollback
	stateArtifactRollbackReboot
	stateUpdateDone
)

func (s updateState) String() string {
	names := [...]string{
		"Download",
		"ArtifactInstall",
		"ArtifactFailure",
		"ArtifactReboot",
		"ArtifactCommit",
		"ArtifactRollback",
		"ArtifactRollbackReboot",
		"UpdateDone",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return "Unknown"
}

const interStateDelay = time.Second

// runUpdate walks the stashed deployment through the update states. On the
// way out the deployment log is closed and the deployment is cleared,
// whatever the outcome.
func (c *Context) runUpdate() error {
	defer func() {
		c.Sink.Disable()
		c.Deployment = nil
	}()

	state := stateDownload
	for state != stateUpdateDone {
		next, err := c.step(state)
		if err != nil {
			return err
		}
		slog.Debug("Update state transition", "from", state, "to", next)
		state = next
		// Avoid a tight loop when a state fails instantly.
		c.sleep(interStateDelay)
	}
	return nil
}

func (c *Context) step(state updateState) (updateState, error) {
	switch state {
	case stateDownload:
		return c.stepDownload()
	case stateArtifactInstall:
		return c.stepInstall()
	case stateArtifactFailure:
		return c.stepFailure()
	default:
		return stateUpdateDone, fmt.Errorf("%w: %s", ErrUnsupportedState, state)
	}
}

func (c *Context) stepDownload() (updateState, error) {
	slog.Info("Downloading the artifact", "deployment", c.Deployment.ID,
		"artifact", c.Deployment.ArtifactName)
	if err := c.Downloader.Download(c.Deployment.ArtifactURI, c.Paths.ArtifactFile); err != nil {
		slog.Error("Artifact download failed", "deployment", c.Deployment.ID, "error", err)
		return stateArtifactFailure, nil
	}
	if err := c.report(client.StatusDownloading); err != nil {
		return stateUpdateDone, err
	}
	return stateArtifactInstall, nil
}

func (c *Context) stepInstall() (updateState, error) {
	ok := installer.RunSubUpdater(c.Deployment.ID, c.Paths.InstallScript,
		c.Paths.ArtifactFile, c.Paths.LockFile)
	if !ok {
		return stateArtifactFailure, nil
	}
	slog.Info("The installer now owns the deployment, shutting down",
		"deployment", c.Deployment.ID)
	return stateUpdateDone, ErrUpdateHandedOff
}

func (c *Context) stepFailure() (updateState, error) {
	if err := c.report(client.StatusFailure); err != nil {
		return stateUpdateDone, err
	}
	messages := c.Sink.Marshal()
	err := client.UploadLog(c.API, c.Config.ServerURL, c.JWT, c.Deployment.ID, messages)
	if errors.Is(err, client.ErrUnauthorized) {
		return stateUpdateDone, err
	}
	if err != nil {
		slog.Error("Failed to upload the deployment log", "error", err)
	}
	return stateUpdateDone, nil
}

// report sends a deployment status. A transport failure is logged only,
// there is nothing the device can do about it; a 401 propagates.
func (c *Context) report(status string) error {
	err := client.ReportStatus(c.API, c.Config.ServerURL, c.JWT, c.Deployment.ID, status)
	if errors.Is(err, client.ErrUnauthorized) {
		return err
	}
	if err != nil {
		slog.Error("Failed to report the deployment status", "status", status, "error", err)
	}
	return nil
}
