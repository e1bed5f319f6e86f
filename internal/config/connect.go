package config

import (
	"encoding/json"
	"log/slog"
)

// ConnectConfig holds the mender-connect.conf values that gate the remote
// terminal.
type ConnectConfig struct {
	RemoteTerminal bool
	ShellCommand   string
}

// LoadConnect reads the remote-terminal configuration, local file over
// global. Both files missing yields ErrNoConfigurationFile and a disabled
// terminal.
func LoadConnect(localPath, globalPath string) (ConnectConfig, error) {
	globalVals, globalErr := readFile(globalPath)
	localVals, localErr := readFile(localPath)

	cfg := ConnectConfig{ShellCommand: "/bin/sh"}
	cfg.apply(globalVals)
	cfg.apply(localVals)

	if globalErr != nil && localErr != nil {
		return cfg, ErrNoConfigurationFile
	}
	return cfg, nil
}

func (c *ConnectConfig) apply(vals map[string]json.RawMessage) {
	for k, v := range vals {
		var err error
		switch k {
		case "RemoteTerminal":
			err = json.Unmarshal(v, &c.RemoteTerminal)
		case "ShellCommand":
			err = json.Unmarshal(v, &c.ShellCommand)
		default:
			slog.Error("Unrecognized configuration key", "key", k)
			continue
		}
		if err != nil {
			slog.Error("Invalid configuration value", "key", k, "error", err)
		}
	}
}
