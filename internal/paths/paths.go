// Package paths holds the filesystem layout of the agent. A Paths value is
// built once at startup from the state directory and passed through the
// state-machine context.
package paths

import "path/filepath"

const (
	// DefaultDataStore is the default state directory.
	DefaultDataStore = "/var/lib/mender"

	confDir   = "/etc/mender"
	shareDir  = "/usr/share/mender"
	keyName       = "mender-agent.pem"
	lockName      = "update.lock"
	logName       = "deployment.log"
	subUpdaterLog = "sub-updater.log"
	artifact      = "artifact.mender"
	installer     = "/usr/share/mender/install"
)

// Paths enumerates every file and directory the agent touches.
type Paths struct {
	DataStore string

	LocalConf  string
	GlobalConf string

	LocalConnectConf  string
	GlobalConnectConf string

	Key              string
	IdentityScript   string
	InventoryScripts string
	DeviceType       string
	ArtifactInfo     string

	ArtifactFile  string
	LockFile      string
	DeploymentLog string
	SubUpdaterLog string
	InstallScript string
}

// New builds the layout rooted at the given state directory. An empty
// dataStore selects the default /var/lib/mender.
func New(dataStore string) Paths {
	if dataStore == "" {
		dataStore = DefaultDataStore
	}
	return Paths{
		DataStore: dataStore,

		LocalConf:  filepath.Join(confDir, "mender.conf"),
		GlobalConf: filepath.Join(dataStore, "mender.conf"),

		LocalConnectConf:  filepath.Join(confDir, "mender-connect.conf"),
		GlobalConnectConf: filepath.Join(dataStore, "mender-connect.conf"),

		Key:              filepath.Join(dataStore, keyName),
		IdentityScript:   filepath.Join(shareDir, "identity", "mender-device-identity"),
		InventoryScripts: filepath.Join(shareDir, "inventory"),
		DeviceType:       filepath.Join(dataStore, "device_type"),
		ArtifactInfo:     filepath.Join(confDir, "artifact_info"),

		ArtifactFile:  filepath.Join(dataStore, artifact),
		LockFile:      filepath.Join(dataStore, lockName),
		DeploymentLog: filepath.Join(dataStore, logName),
		SubUpdaterLog: filepath.Join(dataStore, subUpdaterLog),
		InstallScript: installer,
	}
}
