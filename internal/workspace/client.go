package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"pulse/internal/config"
	"pulse/internal/logging"
)

// RegistryClient registers and deregisters workspace tasks with the API
// server. It is the only call the agent makes to the API server: keeping
// the coupling this narrow lets either process restart independently.
type RegistryClient struct {
	cfg        config.WorkspaceConfig
	httpClient *http.Client
	logger     logging.Logger
}

// NewRegistryClient creates the registration client.
func NewRegistryClient(cfg config.WorkspaceConfig) *RegistryClient {
	return &RegistryClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logging.NewComponentLogger("WorkspaceRegistry"),
	}
}

// agentURL is the base URL the API server should proxy to. Env overrides
// let container deployments differ from static config.
func (c *RegistryClient) agentURL() string {
	host := os.Getenv("AGENT_HOST")
	if host == "" {
		host = c.cfg.AgentHost
	}
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("WORKSPACE_PORT")
	if port == "" {
		port = strconv.Itoa(c.cfg.Port)
	}
	return "http://" + host + ":" + port
}

// Register announces a task to the API server and returns the public path
// users can be given.
func (c *RegistryClient) Register(ctx context.Context, sessionID, taskID, artifactType string) (string, error) {
	agentURL := c.agentURL()
	c.logger.Info("registering session=%s task=%s agent_url=%s", sessionID, taskID, agentURL)

	payload, err := json.Marshal(map[string]string{
		"session_id":    sessionID,
		"task_id":       taskID,
		"agent_url":     agentURL,
		"artifact_type": artifactType,
	})
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.cfg.APIServerURL, "/") + "/internal/workspace/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", c.cfg.InternalAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("register task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("register task: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		PublicPath string `json:"public_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("register task: decode response: %w", err)
	}

	c.logger.Info("registered session=%s task=%s public_path=%s", sessionID, taskID, result.PublicPath)
	return result.PublicPath, nil
}

// Deregister removes a task registration. A 404 from the server means the
// entry was already gone and is not an error.
func (c *RegistryClient) Deregister(ctx context.Context, sessionID, taskID string) error {
	endpoint := fmt.Sprintf("%s/internal/workspace/register/%s/%s",
		strings.TrimRight(c.cfg.APIServerURL, "/"), sessionID, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Internal-Key", c.cfg.InternalAPIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deregister task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("deregister: %s/%s was not registered", sessionID, taskID)
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("deregister task: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.logger.Info("deregistered session=%s task=%s", sessionID, taskID)
	return nil
}

// PublicURL builds the user-facing URL for a task behind the API server.
func (c *RegistryClient) PublicURL(sessionID, taskID string) string {
	return fmt.Sprintf("%s/workspace/%s/%s/", strings.TrimRight(c.cfg.APIServerURL, "/"), sessionID, taskID)
}
