// Package config loads the agent configuration from the local and global
// mender.conf files. Keys are enumerated; unknown keys are logged and
// dropped. The local file overrides the global one key by key.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
)

// ErrNoConfigurationFile is returned when neither configuration file could
// be read. The caller is expected to continue with defaults.
var ErrNoConfigurationFile = errors.New("no configuration file found")

const defaultPollIntervalSeconds = 5

// Config holds the recognized mender.conf values.
type Config struct {
	ServerURL                    string
	RootfsPartA                  string
	RootfsPartB                  string
	TenantToken                  string
	ServerCertificate            string
	InventoryPollIntervalSeconds int
	UpdatePollIntervalSeconds    int
	RetryPollIntervalSeconds     int
}

func defaults() Config {
	return Config{
		InventoryPollIntervalSeconds: defaultPollIntervalSeconds,
		UpdatePollIntervalSeconds:    defaultPollIntervalSeconds,
		RetryPollIntervalSeconds:     defaultPollIntervalSeconds,
	}
}

// Load reads the global and local configuration files and merges them, the
// local file taking precedence. A missing or unreadable file contributes
// nothing; if both are missing, ErrNoConfigurationFile is returned together
// with a usable default Config.
func Load(localPath, globalPath string) (Config, error) {
	globalVals, globalErr := readFile(globalPath)
	localVals, localErr := readFile(localPath)

	cfg := defaults()
	cfg.apply(globalVals)
	cfg.apply(localVals)

	if globalErr != nil && localErr != nil {
		return cfg, ErrNoConfigurationFile
	}
	return cfg, nil
}

func readFile(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("Configuration file not found", "path", path)
		} else {
			slog.Error("Failed to read the configuration file", "path", path, "error", err)
		}
		return nil, err
	}
	var vals map[string]json.RawMessage
	if err := json.Unmarshal(data, &vals); err != nil {
		slog.Error("Failed to parse the configuration file", "path", path, "error", err)
		return nil, err
	}
	return vals, nil
}

// apply merges the raw values into the config. Unknown keys are logged and
// ignored; a value of the wrong type keeps the previous setting.
func (c *Config) apply(vals map[string]json.RawMessage) {
	for k, v := range vals {
		var err error
		switch k {
		case "ServerURL":
			err = json.Unmarshal(v, &c.ServerURL)
		case "RootfsPartA":
			err = json.Unmarshal(v, &c.RootfsPartA)
		case "RootfsPartB":
			err = json.Unmarshal(v, &c.RootfsPartB)
		case "TenantToken":
			err = json.Unmarshal(v, &c.TenantToken)
		case "ServerCertificate":
			err = json.Unmarshal(v, &c.ServerCertificate)
		case "InventoryPollIntervalSeconds":
			err = unmarshalInterval(v, &c.InventoryPollIntervalSeconds)
		case "UpdatePollIntervalSeconds":
			err = unmarshalInterval(v, &c.UpdatePollIntervalSeconds)
		case "RetryPollIntervalSeconds":
			err = unmarshalInterval(v, &c.RetryPollIntervalSeconds)
		default:
			slog.Error("Unrecognized configuration key", "key", k)
			continue
		}
		if err != nil {
			slog.Error("Invalid configuration value", "key", k, "error", err)
		}
	}
}

func unmarshalInterval(raw json.RawMessage, dst *int) error {
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("poll interval must be non-negative, got %d", v)
	}
	*dst = v
	return nil
}
