// Package client talks to a running wapanel server over its HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/foxzi/wapanel/internal/api"
	"github.com/foxzi/wapanel/internal/models"
	"github.com/foxzi/wapanel/internal/quota"
	"github.com/foxzi/wapanel/internal/reminders"
)

// Error is a non-2xx answer from the server
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client is a wapanel API client
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a new API client
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Created-By", "cli")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Health checks server health
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.request(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the live view of the active campaign
func (c *Client) Status(ctx context.Context) (*models.Status, error) {
	var resp models.Status
	if err := c.request(ctx, http.MethodGet, "/api/v1/bulk-sends/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Campaign returns the view of one campaign
func (c *Client) Campaign(ctx context.Context, id string) (*models.Status, error) {
	var resp models.Status
	if err := c.request(ctx, http.MethodGet, "/api/v1/bulk-sends/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Start dispatches a draft campaign
func (c *Client) Start(ctx context.Context, id string) (*api.ActionResponse, error) {
	return c.action(ctx, id, "start")
}

// Pause pauses a processing campaign
func (c *Client) Pause(ctx context.Context, id string) (*api.ActionResponse, error) {
	return c.action(ctx, id, "pause")
}

// Resume resumes a paused campaign
func (c *Client) Resume(ctx context.Context, id string) (*api.ActionResponse, error) {
	return c.action(ctx, id, "resume")
}

// Cancel cancels a campaign
func (c *Client) Cancel(ctx context.Context, id string) (*api.ActionResponse, error) {
	return c.action(ctx, id, "cancel")
}

func (c *Client) action(ctx context.Context, id, name string) (*api.ActionResponse, error) {
	var resp api.ActionResponse
	path := "/api/v1/bulk-sends/" + url.PathEscape(id) + "/" + name
	if err := c.request(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StartReminders starts the reminder campaign for lead days ahead
func (c *Client) StartReminders(ctx context.Context, lead int) (*api.ReminderResponse, error) {
	var resp api.ReminderResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/reminders/start?lead="+strconv.Itoa(lead), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PreviewReminders lists the appointments a reminder start would target
func (c *Client) PreviewReminders(ctx context.Context, lead int) (*reminders.Preview, error) {
	var resp reminders.Preview
	if err := c.request(ctx, http.MethodGet, "/api/v1/reminders/preview?lead="+strconv.Itoa(lead), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Quota returns the daily budget
func (c *Client) Quota(ctx context.Context) (*quota.Stats, error) {
	var resp quota.Stats
	if err := c.request(ctx, http.MethodGet, "/api/v1/quota", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
