// Package statemachine drives the agent: a master loop that alternates
// between acquiring authorization and serving it, an idle loop that paces
// inventory and deployment polling, and an update machine that walks a
// deployment from download to hand-off or failure.
package statemachine

import (
	"crypto/rsa"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/ocx/device-agent/internal/client"
	"github.com/ocx/device-agent/internal/config"
	"github.com/ocx/device-agent/internal/deplog"
	"github.com/ocx/device-agent/internal/device"
	"github.com/ocx/device-agent/internal/paths"
	"github.com/ocx/device-agent/internal/scripts"
	"github.com/ocx/device-agent/internal/terminal"
	"github.com/ocx/device-agent/internal/timeutil"
)

const installerPollInterval = 60 * time.Second

// Context is the process-wide state. It has a single writer, the master
// loop; the remote terminal and the installer child never touch it.
type Context struct {
	Config  config.Config
	Connect config.ConnectConfig
	Paths   paths.Paths

	Identity   scripts.KeyValues
	PrivateKey *rsa.PrivateKey
	JWT        string
	Authorized bool
	Deployment *client.DeploymentInfo

	InventoryTimer *timeutil.IntervalTimer
	UpdateTimer    *timeutil.IntervalTimer
	RetryTimer     *timeutil.IntervalTimer

	Sink       *deplog.Sink
	API        *http.Client
	Downloader *client.Downloader
	Terminal   *terminal.Terminal

	quit  atomic.Bool
	sleep func(time.Duration)
}

// Init builds the context: configuration, device key, identity, API
// clients, and timers. A missing configuration is tolerated; a missing or
// unreadable device key is not.
func Init(p paths.Paths, forceBootstrap bool) (*Context, error) {
	cfg, err := config.Load(p.LocalConf, p.GlobalConf)
	if errors.Is(err, config.ErrNoConfigurationFile) {
		slog.Warn("No configuration file found, continuing with defaults")
	}
	connect, err := config.LoadConnect(p.LocalConnectConf, p.GlobalConnectConf)
	if errors.Is(err, config.ErrNoConfigurationFile) {
		slog.Debug("No mender-connect configuration found, the remote terminal stays off")
	}

	key, err := device.Bootstrap(p.Key, forceBootstrap)
	if err != nil {
		return nil, err
	}

	api, err := client.NewHTTPClient(cfg.ServerCertificate)
	if err != nil {
		return nil, err
	}
	dlClient, err := client.NewDownloadClient(cfg.ServerCertificate)
	if err != nil {
		return nil, err
	}

	return &Context{
		Config:  cfg,
		Connect: connect,
		Paths:   p,

		Identity:   scripts.Identity(p.IdentityScript),
		PrivateKey: key,

		InventoryTimer: timeutil.NewIntervalTimer(cfg.InventoryPollIntervalSeconds),
		UpdateTimer:    timeutil.NewIntervalTimer(cfg.UpdatePollIntervalSeconds),
		RetryTimer:     timeutil.NewIntervalTimer(cfg.RetryPollIntervalSeconds),

		Sink:       deplog.NewSink(p.DeploymentLog),
		API:        api,
		Downloader: client.NewDownloader(dlClient, time.Duration(cfg.RetryPollIntervalSeconds)*time.Second),
		Terminal:   terminal.New(),

		sleep: time.Sleep,
	}, nil
}

// RequestQuit asks the loops to stop at their next top-of-loop check. It is
// safe to call from a signal handler goroutine.
func (c *Context) RequestQuit() {
	c.quit.Store(true)
}

func (c *Context) quitting() bool {
	return c.quit.Load()
}

// WaitForInstaller blocks while the update lock file exists. A previous run
// handed the device to the installer; the installer removes the lock when
// it is done.
func (c *Context) WaitForInstaller() {
	for !c.quitting() {
		if _, err := os.Stat(c.Paths.LockFile); err != nil {
			return
		}
		slog.Info("An update is in progress, waiting for the installer to finish",
			"lock", c.Paths.LockFile)
		c.sleep(installerPollInterval)
	}
}
