package scripts

import (
	"log/slog"
	"os"
)

// Identity runs the device-identity script and returns the aggregated
// attributes. A missing or non-executable script yields an empty map.
func Identity(path string) KeyValues {
	slog.Info("Aggregating the device identity attributes...")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		slog.Error("Identity script not found, no identity can be collected", "path", path)
		return KeyValues{}
	}
	if !isExecutable(info.Mode()) {
		slog.Error("The identity script is not executable", "path", path)
		return KeyValues{}
	}
	return RunScript(path)
}
