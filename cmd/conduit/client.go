package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/api"
)

const clientTimeout = 15 * time.Second

// apiClient talks to a running host's HTTP API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// resolveAPI fills in the API URL and key from flags, CONDUIT_API_KEY and
// finally the host's own configuration.
func resolveAPI(configPath, apiURL, apiKey string) (string, string, error) {
	if apiKey == "" {
		apiKey = os.Getenv("CONDUIT_API_KEY")
	}
	if apiURL != "" && apiKey != "" {
		return apiURL, apiKey, nil
	}
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		if apiURL != "" {
			return apiURL, apiKey, nil
		}
		return "", "", fmt.Errorf("no --api-url given and config unavailable: %w", err)
	}
	if apiURL == "" {
		apiURL = "http://" + cfg.API.Listen
	}
	if apiKey == "" {
		apiKey = cfg.API.Auth.APIKey
	}
	return apiURL, apiKey, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("is the host running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) Execute(ctx context.Context, workflowID string, req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	var out api.ExecuteResponse
	if _, err := c.do(ctx, http.MethodPost, "/workflows/"+workflowID+"/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) Stop(ctx context.Context, runID string) error {
	_, err := c.do(ctx, http.MethodPost, "/runs/"+runID+"/stop", nil, nil)
	return err
}
