package scripts

import (
	"log/slog"
)

// DeviceType reads the device_type file. The file must contain exactly one
// key=value pair; multiple distinct keys is a hard error and yields nil.
func DeviceType(path string) KeyValues {
	vals, err := CollectFile(path, true)
	if err != nil {
		slog.Error("No device_type file found", "path", path, "error", err)
		return nil
	}
	if len(vals) > 1 {
		slog.Error("Multiple key=value pairs found in the device_type file. Only one is allowed",
			"path", path)
		return nil
	}
	return vals
}

// First returns the first value recorded for key, or "".
func (v KeyValues) First(key string) string {
	if vals, ok := v[key]; ok && len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// ArtifactInfo reads the artifact_info file.
func ArtifactInfo(path string) KeyValues {
	vals, err := CollectFile(path, false)
	if err != nil {
		slog.Error("No artifact_info file found", "path", path, "error", err)
		return nil
	}
	return vals
}
