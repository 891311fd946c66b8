package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gridspot/gridspot-backend/internal/models"
)

// Client talks to the orchestrator's HTTP API on behalf of a provider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates an orchestrator API client.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("orchestrator_client"),
	}
}

// Register announces this provider and its compute units to the
// orchestrator. Safe to call repeatedly (upsert semantics).
func (c *Client) Register(ctx context.Context, req *models.RegisterRequest) error {
	var out map[string]interface{}
	if err := c.post(ctx, "/providers/register", req, http.StatusOK, &out); err != nil {
		return fmt.Errorf("failed to register provider: %w", err)
	}
	c.logger.Info("Provider registered with orchestrator", zap.String("provider_id", req.ProviderID))
	return nil
}

// Heartbeat reports liveness and telemetry without requesting work.
func (c *Client) Heartbeat(ctx context.Context, req *models.PollRequest) error {
	if err := c.post(ctx, "/providers/heartbeat", req, http.StatusOK, nil); err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// Poll sends a combined heartbeat-and-poll. The returned payload is nil
// when no work is available.
func (c *Client) Poll(ctx context.Context, req *models.PollRequest) (*models.DispatchPayload, error) {
	var resp models.PollResponse
	if err := c.post(ctx, "/providers/poll", req, http.StatusOK, &resp); err != nil {
		return nil, fmt.Errorf("poll failed: %w", err)
	}
	return resp.Task, nil
}

// ReportStatus pushes a task progress report to the orchestrator.
func (c *Client) ReportStatus(ctx context.Context, taskID uuid.UUID, report *models.StatusReport) error {
	path := fmt.Sprintf("/tasks/%s/status", taskID)
	if err := c.post(ctx, path, report, http.StatusOK, nil); err != nil {
		return fmt.Errorf("failed to report status %s for task %s: %w", report.Status, taskID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, wantStatus int, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		// Bounded read so a misbehaving server can't blow up memory.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}
	return nil
}
