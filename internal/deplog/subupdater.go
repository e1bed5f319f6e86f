package deplog

import (
	"log/slog"
	"os"
)

// EchoSubUpdater copies the installer-written log file into the agent log,
// so a failure report carries the sub-updater's view of what went wrong.
func EchoSubUpdater(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("No sub-updater log was found, nothing from the installer will be reported",
			"path", path)
		return
	}
	slog.Info("Sub-updater log follows:\n" + string(data))
}
