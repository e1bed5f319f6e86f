package device

import (
	"crypto/rsa"
	"log/slog"
	"os"
)

// Bootstrap loads the device key from path, generating and persisting a new
// one when absent or when force is set.
func Bootstrap(path string, force bool) (*rsa.PrivateKey, error) {
	slog.Info("Bootstrapping the device")
	if !force {
		key, err := LoadKey(path)
		if err == nil {
			slog.Debug("Using the already generated device key", "path", path)
			return key, nil
		}
		if !os.IsNotExist(err) {
			slog.Error("Failed to load the device key, generating a new one", "path", path, "error", err)
		}
	}
	slog.Info("Generating a new RSA key pair...")
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := StoreKey(key, path); err != nil {
		return nil, err
	}
	slog.Info("Device bootstrapped successfully")
	return key, nil
}
