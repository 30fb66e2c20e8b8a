// Package provider is the HTTP client for the upstream generation API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrRejected means the provider refused the task; it will never call back for it.
var ErrRejected = errors.New("provider rejected task")

type CreateTaskRequest struct {
	ImageURL     string `json:"imageUrl"`
	Prompt       string `json:"prompt,omitempty"`
	OutputFormat string `json:"outputFormat,omitempty"`
	CallBackURL  string `json:"callBackUrl"`
	// ClientTaskID lets the provider echo our id back if it loses its own.
	ClientTaskID string `json:"clientTaskId,omitempty"`
}

type createTaskResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

type Client struct {
	baseURL     string
	apiKey      string
	callbackURL string
	http        *http.Client
}

func NewClient(baseURL, apiKey, callbackURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		callbackURL: callbackURL,
		http:        hc,
	}
}

// CreateTask submits a generation task and returns the provider's task id.
// A refusal (4xx, or a non-200 code in the body) wraps ErrRejected; transport
// failures and 5xx are returned as-is.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (string, error) {
	if req.CallBackURL == "" {
		req.CallBackURL = c.callbackURL
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("create task: provider status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out createTaskResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("create task: decode response: %w", err)
	}
	if out.Code != http.StatusOK || out.Data.TaskID == "" {
		return "", fmt.Errorf("%w: code %d: %s", ErrRejected, out.Code, out.Msg)
	}
	return out.Data.TaskID, nil
}
