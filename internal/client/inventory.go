package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ocx/device-agent/internal/scripts"
)

const inventoryAttributesPath = "/api/devices/v1/inventory/device/attributes"

type inventoryAttribute struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// SubmitInventory uploads the device attributes, trying a full replace with
// PUT first and falling back to a PATCH partial update when the server
// rejects it. A 401 from either request returns ErrUnauthorized.
func SubmitInventory(api *http.Client, serverURL, token string, inventory scripts.KeyValues) error {
	if serverURL == "" {
		return fmt.Errorf("ServerURL not provided, unable to upload the inventory")
	}
	if token == "" {
		return fmt.Errorf("no token provided, unable to upload the inventory")
	}
	if len(inventory) == 0 {
		return fmt.Errorf("no inventory data provided")
	}

	attributes := make([]inventoryAttribute, 0, len(inventory))
	for k, v := range flatten(inventory) {
		attributes = append(attributes, inventoryAttribute{Name: k, Value: v})
	}
	body, err := json.Marshal(attributes)
	if err != nil {
		return fmt.Errorf("encoding the inventory: %w", err)
	}

	status, err := submitInventory(api, serverURL, token, http.MethodPut, body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	slog.Info("Falling back to updating the inventory with PATCH")
	status, err = submitInventory(api, serverURL, token, http.MethodPatch, body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	return fmt.Errorf("inventory request returned status %d", status)
}

func submitInventory(api *http.Client, serverURL, token, method string, body []byte) (int, error) {
	req, err := http.NewRequest(method, serverURL+inventoryAttributesPath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := api.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to upload the inventory: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return resp.StatusCode, ErrUnauthorized
	}
	return resp.StatusCode, nil
}
