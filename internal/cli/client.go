package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"acqd/internal/action"
	"acqd/internal/transport/httpapi"
	logx "acqd/pkg/logx"
)

// Client talks to the acqd HTTP API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     logx.Logger
}

func NewClient(baseURL string, timeout time.Duration, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL:    base,
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     log,
	}
}

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status    int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("server returned %d: %s (request %s)", e.Status, e.Message, e.RequestID)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	url := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
		c.Logger.Debug("http request body", logx.String("body", string(data)))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.Logger.Debug("http request", logx.String("method", method), logx.String("url", url))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.Logger.Debug("http response", logx.Int("status", resp.StatusCode), logx.String("body", string(respBody)))

	if resp.StatusCode/100 != 2 {
		var eb httpapi.ErrorBody
		if json.Unmarshal(respBody, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(respBody))
		}
		return &APIError{Status: resp.StatusCode, Message: eb.Error, RequestID: eb.RequestID}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// Queue submits an action. The server acknowledges before it runs.
func (c *Client) Queue(ctx context.Context, req httpapi.QueueRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/queue_action", req, nil)
}

func (c *Client) Status(ctx context.Context) (httpapi.StatusResponse, error) {
	var st httpapi.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pause", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/resume", nil, nil)
}

// Outcomes lists journaled outcomes, newest first. limit <= 0 uses the server default.
func (c *Client) Outcomes(ctx context.Context, limit int) ([]action.Outcome, error) {
	path := "/outcomes"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []action.Outcome
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}
