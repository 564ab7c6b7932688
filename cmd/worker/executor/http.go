package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/noetl/noetl/common/models"
)

// HTTPExecutor performs http actions
type HTTPExecutor struct {
	client *http.Client
	logger Logger
}

// NewHTTPExecutor creates an http executor
func NewHTTPExecutor(timeout time.Duration, logger Logger) *HTTPExecutor {
	return &HTTPExecutor{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Execute performs the HTTP call described by the action spec. Client
// errors (4xx) are fatal; server errors and transport failures retry.
func (e *HTTPExecutor) Execute(ctx context.Context, job *models.QueueJob) (interface{}, error) {
	endpoint := Param(job, "endpoint")
	if endpoint == "" {
		endpoint = Param(job, "url")
	}
	if endpoint == "" {
		return nil, Fatal(fmt.Errorf("http action requires an endpoint"))
	}

	method := Param(job, "method")
	if method == "" {
		method = http.MethodGet
	}

	if params := ParamMap(job, "params"); len(params) > 0 {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, Fatal(fmt.Errorf("invalid endpoint %q: %w", endpoint, err))
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		endpoint = u.String()
	}

	var body io.Reader
	if payload := ParamMap(job, "payload"); payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, Fatal(fmt.Errorf("marshal payload: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, Fatal(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers := ParamMap(job, "headers"); headers != nil {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		data = string(raw)
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
		"data":        data,
		"elapsed_ms":  elapsed.Milliseconds(),
	}

	if resp.StatusCode >= 500 {
		return result, fmt.Errorf("http action returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return result, Fatal(fmt.Errorf("http action returned %d", resp.StatusCode))
	}

	e.logger.Debug("http action completed",
		"method", method,
		"status_code", resp.StatusCode,
		"elapsed_ms", elapsed.Milliseconds())

	return result, nil
}
