// Package agent is a thin HTTP client for the remote code-generation backend.
//
// Every call carries the static bearer credential, is bounded by a per-call
// timeout and passes through a client-side token bucket so several scheduler
// loops sharing one Client cannot flood the backend.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://api.cursor.com"
	DefaultTimeout  = 30 * time.Second

	basePath        = "/v0/agents"
	maxResponseSize = 4 << 20
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	APIKey   string
	Endpoint string
	// Timeout bounds a single call. Zero means DefaultTimeout.
	Timeout time.Duration
	// RatePerSec caps outgoing calls. Zero or negative disables the limiter.
	RatePerSec float64
	Burst      int
	HTTPClient HTTPClient
}

type Client struct {
	apiKey   string
	endpoint string
	timeout  time.Duration
	limiter  *rate.Limiter
	client   HTTPClient
}

func New(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil, ErrMissingCredential
	}
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("agent endpoint %q: %w", endpoint, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout + 5*time.Second}
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return &Client{
		apiKey:   key,
		endpoint: endpoint,
		timeout:  timeout,
		limiter:  lim,
		client:   hc,
	}, nil
}

// Timeout returns the per-call bound.
func (c *Client) Timeout() time.Duration { return c.timeout }

func (c *Client) CreateJob(ctx context.Context, req CreateRequest) (Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Job{}, fmt.Errorf("create job: empty prompt")
	}
	body := createPayload{
		Prompt: promptPayload{Text: req.Prompt},
		Source: req.Source,
		Model:  req.Options.Model,
	}
	if req.Options.AutoCreatePR || req.Options.BranchName != "" {
		body.Target = &Target{AutoCreatePR: req.Options.AutoCreatePR, BranchName: req.Options.BranchName}
	}
	var out Job
	if err := c.do(ctx, http.MethodPost, basePath, body, &out); err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	if out.ID == "" {
		return Job{}, fmt.Errorf("create job: response carries no id")
	}
	return out, nil
}

func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodGet, jobPath(id), nil, &out); err != nil {
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return out, nil
}

func (c *Client) ListJobs(ctx context.Context, limit int, cursor string) (Page, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	p := basePath
	if enc := q.Encode(); enc != "" {
		p += "?" + enc
	}
	var out Page
	if err := c.do(ctx, http.MethodGet, p, nil, &out); err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, jobPath(id), nil, &idPayload{}); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (c *Client) AddFollowup(ctx context.Context, id, prompt string) error {
	body := followupPayload{Prompt: promptPayload{Text: prompt}}
	if err := c.do(ctx, http.MethodPost, jobPath(id)+"/followup", body, &idPayload{}); err != nil {
		return fmt.Errorf("followup job %s: %w", id, err)
	}
	return nil
}

func jobPath(id string) string { return basePath + "/" + url.PathEscape(id) }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("cannot build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("cannot read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return ""
	}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(text) > 256 {
		text = text[:256]
	}
	return text
}
