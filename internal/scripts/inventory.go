package scripts

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Inventory runs every executable in the inventory directory and merges the
// results with the device_type and artifact_info attributes.
func Inventory(scriptsDir, deviceTypePath, artifactInfoPath string) KeyValues {
	slog.Info("Aggregating inventory data", "dir", scriptsDir)
	vals := KeyValues{}
	for _, script := range inventoryScripts(scriptsDir) {
		for k, v := range RunScript(script) {
			vals[k] = append(vals[k], v...)
		}
	}
	if deviceType := DeviceType(deviceTypePath); deviceType != nil {
		for k, v := range deviceType {
			vals[k] = v
		}
	}
	if artifact := ArtifactInfo(artifactInfoPath); artifact != nil {
		for k, v := range artifact {
			vals[k] = v
		}
	}
	return vals
}

// inventoryScripts returns every executable regular file in dir.
func inventoryScripts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Error("Failed to list the inventory scripts", "dir", dir, "error", err)
		return nil
	}
	var scripts []string
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() || !isExecutable(info.Mode()) {
			continue
		}
		scripts = append(scripts, filepath.Join(dir, e.Name()))
	}
	return scripts
}
