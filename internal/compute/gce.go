package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/open-notebook/vmgate/internal/api"
	"github.com/open-notebook/vmgate/pkg/log"
)

const defaultBaseURL = "https://compute.googleapis.com/compute/v1"

const computeScope = "https://www.googleapis.com/auth/compute"

// GCEClient manages the database VM through the Compute Engine REST API.
// It deliberately avoids the full Compute SDK; the three calls it needs are
// plain JSON over HTTP with an OAuth2 bearer token.
type GCEClient struct {
	cfg     api.VMConfig
	http    *http.Client
	baseURL string
	log     log.Logger
}

var _ Client = (*GCEClient)(nil)

// NewGCEClient builds a client using application default credentials.
func NewGCEClient(ctx context.Context, cfg api.VMConfig, logger log.Logger) (*GCEClient, error) {
	httpClient, err := google.DefaultClient(ctx, computeScope)
	if err != nil {
		return nil, fmt.Errorf("resolving default credentials: %w", err)
	}
	httpClient.Timeout = 30 * time.Second

	return &GCEClient{
		cfg:     cfg,
		http:    httpClient,
		baseURL: defaultBaseURL,
		log:     logger,
	}, nil
}

// NewGCEClientWithHTTP builds a client against a custom endpoint and HTTP
// client. Used by tests.
func NewGCEClientWithHTTP(cfg api.VMConfig, httpClient *http.Client, baseURL string, logger log.Logger) *GCEClient {
	return &GCEClient{
		cfg:     cfg,
		http:    httpClient,
		baseURL: baseURL,
		log:     logger,
	}
}

func (c *GCEClient) Status(ctx context.Context) (string, error) {
	var instance struct {
		Status string `json:"status"`
	}
	if err := c.request(ctx, http.MethodGet, c.instanceURL(""), &instance); err != nil {
		return "", err
	}
	c.log.Debug("fetched instance status", "name", c.cfg.Name, "status", instance.Status)
	return instance.Status, nil
}

func (c *GCEClient) Start(ctx context.Context) (*StartResult, error) {
	current, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}

	if current == RawRunning {
		c.log.Info("instance already running, start skipped", "name", c.cfg.Name)
		return &StartResult{Previous: current}, nil
	}

	action := "start"
	if current == RawSuspended || current == RawSuspending {
		action = "resume"
	}

	c.log.Info("issuing instance "+action, "name", c.cfg.Name, "previous", current)
	var op api.Operation
	if err := c.request(ctx, http.MethodPost, c.instanceURL(action), &op); err != nil {
		return nil, err
	}
	return &StartResult{Previous: current, Action: action, Operation: &op}, nil
}

func (c *GCEClient) Suspend(ctx context.Context) (*StopResult, error) {
	current, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}

	if current == RawTerminated || current == RawStopping {
		c.log.Info("instance already stopped or stopping, suspend skipped", "name", c.cfg.Name)
		return &StopResult{Previous: current}, nil
	}

	c.log.Info("issuing instance suspend", "name", c.cfg.Name, "previous", current)
	var op api.Operation
	err = c.request(ctx, http.MethodPost, c.instanceURL("suspend"), &op)
	if err == nil {
		return &StopResult{Previous: current, Action: "suspend", Operation: &op}, nil
	}

	c.log.Warn("suspend failed, falling back to stop", "name", c.cfg.Name, "error", err.Error())
	op = api.Operation{}
	if err := c.request(ctx, http.MethodPost, c.instanceURL("stop"), &op); err != nil {
		return nil, err
	}
	return &StopResult{Previous: current, Action: "stop", Operation: &op}, nil
}

func (c *GCEClient) instanceURL(action string) string {
	url := fmt.Sprintf("%s/projects/%s/zones/%s/instances/%s",
		c.baseURL, c.cfg.Project, c.cfg.Zone, c.cfg.Name)
	if action != "" {
		url += "/" + action
	}
	return url
}

func (c *GCEClient) request(ctx context.Context, method, url string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("compute API call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("compute API call failed: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("compute API call failed: HTTP %d", resp.StatusCode)
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
