package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/noetl/noetl/common/models"
)

// ServerClient handles worker communication with the NoETL server API:
// leasing, acknowledging and heartbeating queue jobs plus event emission.
type ServerClient struct {
	baseURL string
	http    *HTTPClient
	logger  Logger
}

// NewServerClient creates a new server client
func NewServerClient(baseURL string, logger Logger) *ServerClient {
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
	}

	return &ServerClient{
		baseURL: baseURL,
		http:    NewHTTPClient(httpClient, logger),
		logger:  logger,
	}
}

// Lease claims one job from the queue. Returns nil when the queue is empty.
func (c *ServerClient) Lease(ctx context.Context, workerID string, leaseSeconds int) (*models.QueueJob, error) {
	payload := map[string]interface{}{
		"worker_id":     workerID,
		"lease_seconds": leaseSeconds,
	}

	var response struct {
		Job   *models.QueueJob `json:"job"`
		Empty bool             `json:"empty"`
	}
	if err := c.post(ctx, "/api/v1/queue/lease", payload, &response); err != nil {
		return nil, fmt.Errorf("lease request: %w", err)
	}
	if response.Empty {
		return nil, nil
	}
	return response.Job, nil
}

// Complete acknowledges a finished job
func (c *ServerClient) Complete(ctx context.Context, queueID int64) error {
	path := fmt.Sprintf("/api/v1/queue/%d/complete", queueID)
	if err := c.post(ctx, path, nil, nil); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return nil
}

// Fail reports a failed job with retry control
func (c *ServerClient) Fail(ctx context.Context, queueID int64, retry bool, retryDelay time.Duration, lastError string) error {
	path := fmt.Sprintf("/api/v1/queue/%d/fail", queueID)
	payload := map[string]interface{}{
		"retry":               retry,
		"retry_delay_seconds": int(retryDelay.Seconds()),
		"error":               lastError,
	}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("fail request: %w", err)
	}
	return nil
}

// Heartbeat extends the lease of a running job
func (c *ServerClient) Heartbeat(ctx context.Context, queueID int64, workerID string, extendSeconds int) error {
	path := fmt.Sprintf("/api/v1/queue/%d/heartbeat", queueID)
	payload := map[string]interface{}{
		"worker_id":      workerID,
		"extend_seconds": extendSeconds,
	}
	if err := c.post(ctx, path, payload, nil); err != nil {
		return fmt.Errorf("heartbeat request: %w", err)
	}
	return nil
}

// EmitEvent appends an event to the log, triggering broker evaluation
func (c *ServerClient) EmitEvent(ctx context.Context, ev *models.Event) error {
	if err := c.post(ctx, "/api/v1/events", ev, nil); err != nil {
		return fmt.Errorf("emit event: %w", err)
	}
	return nil
}

// StartExecution launches a playbook run and returns its execution id
func (c *ServerClient) StartExecution(ctx context.Context, path, version string, workload map[string]interface{}) (string, error) {
	payload := map[string]interface{}{
		"path":     path,
		"version":  version,
		"workload": workload,
	}
	var response struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := c.post(ctx, "/api/v1/executions", payload, &response); err != nil {
		return "", fmt.Errorf("start execution: %w", err)
	}
	return response.ExecutionID, nil
}

// GetExecutionSummary fetches the status view of an execution
func (c *ServerClient) GetExecutionSummary(ctx context.Context, executionID string) (*models.ExecutionSummary, error) {
	var summary models.ExecutionSummary
	if err := c.get(ctx, "/api/v1/executions/"+executionID, &summary); err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &summary, nil
}

func (c *ServerClient) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.http.DoRequest(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: status=%d, body=%s", resp.StatusCode, string(data))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *ServerClient) post(ctx context.Context, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.http.DoRequest(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("request failed: status=%d, body=%s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
