package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// PollingClient is a generic submit-then-poll provider. Luma and Runway
// expose the same shape of API modulo field names, which the alias tables
// absorb, so both are instances of this client with different endpoints.
type PollingClient struct {
	name       string
	apiKey     string
	keyHeader  string
	startURL   string
	statusURL  string // task id is appended as a path segment
	model      string
	httpClient *http.Client
	log        *slog.Logger

	pollInterval time.Duration
	wallClock    time.Duration
}

type PollingOptions struct {
	Name      string
	APIKey    string
	KeyHeader string // defaults to Authorization with a Bearer prefix
	StartURL  string
	StatusURL string
	Model     string

	PollInterval time.Duration
	Timeout      time.Duration
}

func NewPollingClient(opts PollingOptions, log *slog.Logger) (*PollingClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s: api key required", opts.Name)
	}
	if opts.StartURL == "" || opts.StatusURL == "" {
		return nil, fmt.Errorf("%s: start and status urls required", opts.Name)
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &PollingClient{
		name:         opts.Name,
		apiKey:       opts.APIKey,
		keyHeader:    opts.KeyHeader,
		startURL:     opts.StartURL,
		statusURL:    strings.TrimRight(opts.StatusURL, "/"),
		model:        opts.Model,
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		log:          log,
		pollInterval: interval,
		wallClock:    timeout,
	}, nil
}

func (c *PollingClient) Name() string { return c.name }

func (c *PollingClient) authorize(req *http.Request) {
	if c.keyHeader != "" && c.keyHeader != "Authorization" {
		req.Header.Set(c.keyHeader, c.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *PollingClient) Generate(ctx context.Context, job Job) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.wallClock)
	defer cancel()

	payload := map[string]any{
		"prompt":   promptPrimer + job.Prompt,
		"duration": job.DurationSec,
		"seed":     deriveSeed(job),
	}
	if c.model != "" {
		payload["model"] = c.model
	}
	if job.Mode == ModeImage && job.ImageURL != "" {
		payload["image_url"] = job.ImageURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	taskID, err := c.submit(ctx, body)
	if err != nil {
		return nil, err
	}
	return c.poll(ctx, taskID)
}

func (c *PollingClient) submit(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.startURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rawBody, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return "", fmt.Errorf("read response body: %w", readErr)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status=%d", ErrAuth, resp.StatusCode)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: %s", ErrValidationExhausted, truncateBody(rawBody))
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: status=%d body=%s", ErrUnavailable, resp.StatusCode, truncateBody(rawBody))
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return "", fmt.Errorf("decode submit response: %w (body=%s)", err, truncateBody(rawBody))
	}
	taskID := pickString(payload, taskIDAliases)
	if taskID == "" {
		return "", fmt.Errorf("%w: no task id in response", ErrNoOutput)
	}
	return taskID, nil
}

func (c *PollingClient) poll(ctx context.Context, taskID string) (*Result, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(c.pollInterval):
		}

		payload, err := c.fetchStatus(ctx, taskID)
		if err != nil {
			c.log.Warn("status poll failed", "provider", c.name, "task_id", taskID, "err", err)
			continue
		}

		status := pickString(payload, statusAliases)
		switch {
		case statusDone(status):
			url := pickString(payload, videoURLAliases)
			if url == "" {
				return nil, ErrNoOutput
			}
			return &Result{URL: url}, nil
		case statusFailed(status):
			return nil, fmt.Errorf("%s task failed: %s", c.name, pickString(payload, []string{"error", "failure_reason", "message"}))
		}
	}
}

func (c *PollingClient) fetchStatus(ctx context.Context, taskID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.statusURL+"/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return payload, nil
}
