// Package installer hands the downloaded artifact off to the external
// install script. The lock file it writes is the cross-process marker that
// an update is in progress; the installer removes it when done.
package installer

import (
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

// RunSubUpdater writes the deployment ID to the lock file and spawns the
// install script as a detached child with the artifact path as its only
// argument. It does not wait: the installer is expected to outlive the
// agent and reboot the system. On a spawn failure no lock file is left
// behind.
func RunSubUpdater(deploymentID, installScript, artifactPath, lockFile string) bool {
	info, err := os.Stat(installScript)
	if err != nil || info.IsDir() {
		slog.Error("The install script was not found", "path", installScript)
		return false
	}

	if err := os.WriteFile(lockFile, []byte(deploymentID), 0o600); err != nil {
		slog.Error("Failed to write the update lock file", "path", lockFile, "error", err)
		return false
	}

	slog.Info("Running the sub-updater script", "script", installScript, "deployment", deploymentID)
	cmd := exec.Command(installScript, artifactPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		slog.Error("Failed to spawn the install script", "error", err)
		if rmErr := os.Remove(lockFile); rmErr != nil {
			slog.Error("Failed to remove the update lock file", "error", rmErr)
		}
		return false
	}
	// Detach: the child is reparented when the agent exits.
	if err := cmd.Process.Release(); err != nil {
		slog.Error("Failed to release the install script process", "error", err)
	}
	return true
}
