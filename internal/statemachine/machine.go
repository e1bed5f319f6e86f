package statemachine

import (
	"errors"
	"log/slog"

	"github.com/ocx/device-agent/internal/client"
	"github.com/ocx/device-agent/internal/scripts"
	"github.com/ocx/device-agent/internal/timeutil"
)

// Run is the master loop. It alternates between the unauthorized machine,
// which retries authorization, and the authorized machine, which polls and
// executes deployments until the server revokes the token. It returns
// ErrUpdateHandedOff when an installer took over, or nil on a requested
// quit.
func (c *Context) Run() error {
	for !c.quitting() {
		if !c.Authorized {
			c.runUnauthorized()
			continue
		}
		if err := c.runAuthorized(); err != nil {
			if errors.Is(err, client.ErrUnauthorized) {
				slog.Info("Lost authorization, going back to bootstrap")
				c.Authorized = false
				c.JWT = ""
				continue
			}
			return err
		}
	}
	return nil
}

// runUnauthorized retries authorization, paced by the retry timer, until a
// token is granted.
func (c *Context) runUnauthorized() {
	for !c.quitting() {
		if c.RetryTimer.IsItTime() {
			token, err := client.Authorize(c.API, c.Config.ServerURL, c.Config.TenantToken,
				c.Identity, c.PrivateKey)
			if err != nil {
				slog.Error("Authorization request failed", "error", err)
			} else if token != "" {
				slog.Info("The device is authorized")
				c.JWT = token
				c.Authorized = true
				return
			}
		}
		timeutil.Sleep(c.RetryTimer)
	}
}

// runAuthorized alternates idle polling with deployment execution. Any 401
// from a child unwinds here and is handed back to the master loop.
func (c *Context) runAuthorized() error {
	for !c.quitting() {
		if err := c.runIdle(); err != nil {
			return err
		}
		if c.Deployment == nil {
			continue
		}
		if err := c.runUpdate(); err != nil {
			if errors.Is(err, ErrUnsupportedState) {
				slog.Error("Aborting the deployment", "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

// runIdle keeps the remote terminal alive and paces the inventory and
// deployment polls. It returns with a deployment stashed on the context
// when one is assigned.
func (c *Context) runIdle() error {
	for !c.quitting() {
		c.Terminal.EnsureRunning(c.Config, c.Connect, c.JWT)
		if err := c.syncInventory(); err != nil {
			return err
		}
		ready, err := c.syncUpdate()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		timeutil.Sleep(c.UpdateTimer, c.InventoryTimer)
	}
	return nil
}

// syncInventory aggregates and submits the inventory when the inventory
// timer is due. Transport failures are retried on the next tick; only a
// 401 propagates.
func (c *Context) syncInventory() error {
	if !c.InventoryTimer.IsItTime() {
		return nil
	}
	inventory := scripts.Inventory(c.Paths.InventoryScripts, c.Paths.DeviceType, c.Paths.ArtifactInfo)
	if len(inventory) == 0 {
		slog.Debug("Nothing to submit, the inventory is empty")
		return nil
	}
	err := client.SubmitInventory(c.API, c.Config.ServerURL, c.JWT, inventory)
	if errors.Is(err, client.ErrUnauthorized) {
		return err
	}
	if err != nil {
		slog.Error("Failed to submit the inventory", "error", err)
	}
	return nil
}

// syncUpdate polls for a deployment when the update timer is due. On a hit
// it stashes the deployment and enables the deployment log.
func (c *Context) syncUpdate() (bool, error) {
	if !c.UpdateTimer.IsItTime() {
		return false, nil
	}
	deviceType := scripts.DeviceType(c.Paths.DeviceType).First("device_type")
	artifactName := scripts.ArtifactInfo(c.Paths.ArtifactInfo).First("artifact_name")

	deployment, err := client.NextDeployment(c.API, c.Config.ServerURL, c.JWT, deviceType, artifactName)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return false, err
		}
		slog.Error("Failed to check for a deployment", "error", err)
		return false, nil
	}
	if deployment == nil {
		return false, nil
	}

	c.Deployment = deployment
	if err := c.Sink.Enable(); err != nil {
		slog.Error("Failed to enable the deployment log", "error", err)
	}
	return true, nil
}
