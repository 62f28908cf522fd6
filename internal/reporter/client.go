package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"example.com/backstage/services/monitor/internal/core"
)

// APIClient talks to the monitor server's HTTP surface.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the given server base URL.
func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Register creates the device record if it does not exist yet. A duplicate
// code response means a previous run already registered it.
func (c *APIClient) Register(ctx context.Context, input *core.RegisterDeviceInput) error {
	status, body, err := c.post(ctx, "/api/devices", input)
	if err != nil {
		return err
	}
	if status == http.StatusCreated {
		return nil
	}
	if status == http.StatusBadRequest && strings.Contains(string(body), "already exists") {
		return nil
	}
	return fmt.Errorf("registration failed: status %d: %s", status, body)
}

// ReportStatus pushes one status report and returns the server's view of
// the waiting queue length.
func (c *APIClient) ReportStatus(ctx context.Context, deviceCode string, report *core.StatusReport) (*core.ReportResult, error) {
	status, body, err := c.post(ctx, "/api/device/"+deviceCode+"/status", report)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("report rejected: status %d: %s", status, body)
	}

	var result core.ReportResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode report response: %w", err)
	}
	return &result, nil
}

func (c *APIClient) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
