package client

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ocx/device-agent/internal/device"
	"github.com/ocx/device-agent/internal/scripts"
)

const authRequestsPath = "/api/devices/v1/authentication/auth_requests"

// authRequest is the signed enrollment body. id_data is deliberately
// double-encoded: its value is a JSON string holding the identity map
// serialized to JSON.
type authRequest struct {
	IDData      string `json:"id_data"`
	Pubkey      string `json:"pubkey"`
	TenantToken string `json:"tenant_token"`
}

// Authorize posts a signed authorization request and returns the bearer
// token from a 200 response. Any other outcome yields an empty token and an
// error; the caller retries on its retry timer.
func Authorize(api *http.Client, serverURL, tenantToken string, identity scripts.KeyValues, key *rsa.PrivateKey) (string, error) {
	if serverURL == "" {
		return "", fmt.Errorf("ServerURL not provided, unable to authorize")
	}
	if len(identity) == 0 {
		return "", fmt.Errorf("identity data not provided, unable to authorize")
	}
	if key == nil {
		return "", fmt.Errorf("no private key provided, unable to authorize")
	}

	idData, err := json.Marshal(flatten(identity))
	if err != nil {
		return "", fmt.Errorf("encoding the identity data: %w", err)
	}
	pubkey, err := device.PublicPEM(key)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(authRequest{
		IDData:      string(idData),
		Pubkey:      pubkey,
		TenantToken: tenantToken,
	})
	if err != nil {
		return "", fmt.Errorf("encoding the authorization request: %w", err)
	}
	signature, err := device.Sign(key, body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+authRequestsPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "API_KEY")
	req.Header.Set("X-MEN-Signature", signature)

	resp, err := api.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to the authentication endpoint: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading the authentication response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Debug("Authorization rejected", "status", resp.Status, "body", string(payload))
		return "", fmt.Errorf("the client failed to authorize with the server: %s", resp.Status)
	}
	slog.Info("The client successfully authenticated with the server")
	return string(payload), nil
}
