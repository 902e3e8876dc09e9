package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultBaseURL    = "https://graph.facebook.com"
	DefaultAPIVersion = "v21.0"
)

// Config contains Cloud API settings
type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	Token         string
	Timeout       time.Duration
}

// Client sends template messages through the WhatsApp Cloud API
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewClient creates a new Cloud API client
func NewClient(cfg Config) (*Client, error) {
	if cfg.PhoneNumberID == "" {
		return nil, errors.New("whatsapp phone_number_id is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("whatsapp token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		endpoint: fmt.Sprintf("%s/%s/%s/messages",
			strings.TrimRight(cfg.BaseURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		token: cfg.Token,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Send delivers one template message. Any non-2xx answer is returned as *APIError.
func (c *Client) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if msg.To == "" || msg.Template == "" {
		return nil, errors.New("recipient and template are required")
	}

	var resp sendResponse
	if err := c.request(ctx, http.MethodPost, buildRequest(msg), &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, errors.New("whatsapp API accepted the request without a message id")
	}
	return &SendResult{MessageID: resp.Messages[0].ID}, nil
}

func (c *Client) request(ctx context.Context, method string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == nil {
			return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		errResp.Error.StatusCode = resp.StatusCode
		return errResp.Error
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func buildRequest(msg *Message) *sendRequest {
	req := &sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             "template",
		Template: templatePayload{
			Name:     msg.Template,
			Language: language{Code: msg.Language},
		},
	}

	params := bodyParameters(msg.Params)
	if len(params) > 0 {
		req.Template.Components = []component{{Type: "body", Parameters: params}}
	}
	return req
}

// bodyParameters orders positional keys numerically, then named keys by name
func bodyParameters(params map[string]string) []parameter {
	if len(params) == 0 {
		return nil
	}

	type positional struct {
		idx   int
		value string
	}
	var pos []positional
	var named []string
	for k, v := range params {
		if n, err := strconv.Atoi(k); err == nil {
			pos = append(pos, positional{n, v})
		} else {
			named = append(named, k)
		}
	}
	sort.Slice(pos, func(i, j int) bool { return pos[i].idx < pos[j].idx })
	sort.Strings(named)

	out := make([]parameter, 0, len(params))
	for _, p := range pos {
		out = append(out, parameter{Type: "text", Text: p.value})
	}
	for _, k := range named {
		out = append(out, parameter{Type: "text", Text: params[k], ParameterName: k})
	}
	return out
}

// DryRunSender logs messages instead of calling the provider
type DryRunSender struct {
	logger *slog.Logger
	delay  time.Duration
	seq    atomic.Int64
}

// NewDryRunSender creates a sender that accepts everything after delay
func NewDryRunSender(logger *slog.Logger, delay time.Duration) *DryRunSender {
	return &DryRunSender{logger: logger, delay: delay}
}

// Send pretends to deliver msg
func (d *DryRunSender) Send(ctx context.Context, msg *Message) (*SendResult, error) {
	if d.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.delay):
		}
	}

	id := fmt.Sprintf("dryrun.%d", d.seq.Add(1))
	d.logger.Info("dry-run message",
		"to", msg.To,
		"template", msg.Template,
		"language", msg.Language,
		"params", len(msg.Params),
		"message_id", id,
	)
	return &SendResult{MessageID: id}, nil
}
