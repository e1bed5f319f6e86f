package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ocx/device-agent/internal/deplog"
)

const deploymentsNextPath = "/api/devices/v1/deployments/device/deployments/next"

// Deployment statuses recognized by the reporting endpoint.
const (
	StatusDownloading = "downloading"
	StatusSuccess     = "success"
	StatusFailure     = "failure"
)

// DeploymentInfo identifies one artifact assigned to this device.
type DeploymentInfo struct {
	ID           string
	ArtifactName string
	ArtifactURI  string
}

// deploymentResponse mirrors the nested JSON shape of the deployments/next
// payload.
type deploymentResponse struct {
	ID       *string `json:"id"`
	Artifact *struct {
		ArtifactName *string `json:"artifact_name"`
		Source       *struct {
			URI *string `json:"uri"`
		} `json:"source"`
	} `json:"artifact"`
}

// parseDeployment builds a DeploymentInfo from the response body. Missing
// any of the three required fields is a parse failure; there is no partial
// construction.
func parseDeployment(body []byte) (*DeploymentInfo, error) {
	var resp deploymentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding the deployments/next response: %w", err)
	}
	if resp.ID == nil || resp.Artifact == nil || resp.Artifact.ArtifactName == nil ||
		resp.Artifact.Source == nil || resp.Artifact.Source.URI == nil {
		return nil, fmt.Errorf("a required field is missing from the deployments/next response")
	}
	return &DeploymentInfo{
		ID:           *resp.ID,
		ArtifactName: *resp.Artifact.ArtifactName,
		ArtifactURI:  *resp.Artifact.Source.URI,
	}, nil
}

// NextDeployment polls for the next deployment assigned to this device.
// A nil result with a nil error means no deployment is pending; a 401
// returns ErrUnauthorized.
func NextDeployment(api *http.Client, serverURL, token, deviceType, artifactName string) (*DeploymentInfo, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("ServerURL not provided, update cannot proceed")
	}
	if deviceType == "" {
		return nil, fmt.Errorf("no device_type found, update cannot proceed")
	}
	if artifactName == "" {
		return nil, fmt.Errorf("no artifact_name found, update cannot proceed")
	}

	query := url.Values{}
	query.Set("device_type", deviceType)
	query.Set("artifact_name", artifactName)
	req, err := http.NewRequest(http.MethodGet, serverURL+deploymentsNextPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to check for updates: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body bytes.Buffer
		if _, err := body.ReadFrom(resp.Body); err != nil {
			return nil, fmt.Errorf("reading the deployments/next response: %w", err)
		}
		deployment, err := parseDeployment(body.Bytes())
		if err != nil {
			// Treated as "no deployment" at the boundary.
			slog.Error("Failed to parse the deployment", "error", err)
			return nil, nil
		}
		slog.Info("New update available", "deployment", deployment.ID, "artifact", deployment.ArtifactName)
		return deployment, nil
	case http.StatusNoContent:
		slog.Info("No new update available")
		return nil, nil
	case http.StatusUnauthorized:
		slog.Info("The client seems to have been unauthorized")
		return nil, ErrUnauthorized
	default:
		slog.Error("Error while fetching the update", "status", resp.Status)
		return nil, nil
	}
}

// ReportStatus reports the deployment status. The endpoint answers 204 on
// success; a 401 returns ErrUnauthorized.
func ReportStatus(api *http.Client, serverURL, token, deploymentID, status string) error {
	body, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		return err
	}
	uri := fmt.Sprintf("%s/api/devices/v1/deployments/device/deployments/%s/status", serverURL, deploymentID)
	return putJSON(api, uri, token, body)
}

// UploadLog attaches the deployment log records to a failed deployment.
func UploadLog(api *http.Client, serverURL, token, deploymentID string, messages []deplog.Record) error {
	body, err := json.Marshal(map[string]any{"messages": messages})
	if err != nil {
		return err
	}
	uri := fmt.Sprintf("%s/api/devices/v1/deployments/device/deployments/%s/log", serverURL, deploymentID)
	return putJSON(api, uri, token, body)
}

func putJSON(api *http.Client, uri, token string, body []byte) error {
	req, err := http.NewRequest(http.MethodPut, uri, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := api.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %s from %s", resp.Status, uri)
	}
}
