package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// startPathCandidates are probed in order when no explicit start path is
// configured. The first combination that yields a usable response is cached
// for the lifetime of the client.
var startPathCandidates = []string{
	"/api/v1/video/generate",
	"/api/v1/jobs/createTask",
	"/api/v1/generate",
	"/v1/video/generate",
}

var statusPathCandidates = []string{
	"/api/v1/video/status",
	"/api/v1/jobs/recordInfo",
	"/api/v1/status",
	"/v1/video/status",
}

// headerScheme is one way of presenting the API key.
type headerScheme struct {
	name   string
	header string
	prefix string
}

var headerSchemes = []headerScheme{
	{name: "bearer", header: "Authorization", prefix: "Bearer "},
	{name: "x-api-key", header: "X-API-Key", prefix: ""},
	{name: "api-key", header: "Api-Key", prefix: ""},
}

var kiePollInterval = 2 * time.Second

// KieClient talks to the kie.ai video API. The exact endpoint layout and
// auth header vary between deployments, so both are discovered at runtime
// from a fixed candidate list and remembered once a combination works.
type KieClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *slog.Logger

	wallClock time.Duration

	mu         sync.Mutex
	startPath  string
	statusPath string
	authScheme *headerScheme
}

type KieOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	StartPath  string // optional, skips probing when set
	StatusPath string
	Timeout    time.Duration
}

func NewKieClient(opts KieOptions, log *slog.Logger) (*KieClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("kie: api key required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("kie: base url required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &KieClient{
		apiKey:     opts.APIKey,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		startPath:  opts.StartPath,
		statusPath: opts.StatusPath,
		wallClock:  timeout,
		httpClient: &http.Client{Timeout: 90 * time.Second},
		log:        log,
	}, nil
}

func (c *KieClient) Name() string { return "kie" }

func (c *KieClient) Generate(ctx context.Context, job Job) (*Result, error) {
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
		payload["image"] = job.ImageURL
	}
	if job.Sound {
		payload["sound"] = true
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.start(ctx, body)
	if err != nil {
		return nil, err
	}

	// Three response shapes: raw media bytes, a hosted download URL, or a
	// task handle to poll.
	if resp.bytes != nil {
		return &Result{Bytes: resp.bytes}, nil
	}
	if resp.downloadURL != "" {
		return &Result{URL: resp.downloadURL}, nil
	}
	if resp.taskID != "" {
		return c.pollTask(ctx, resp.taskID)
	}
	return nil, ErrNoOutput
}

type startResponse struct {
	bytes       []byte
	downloadURL string
	taskID      string
}

// start submits the job, probing path and header combinations until one is
// accepted. A discovered combination is reused on later calls.
func (c *KieClient) start(ctx context.Context, body []byte) (*startResponse, error) {
	c.mu.Lock()
	path, scheme := c.startPath, c.authScheme
	c.mu.Unlock()

	paths := startPathCandidates
	if path != "" {
		paths = []string{path}
	}
	schemes := headerSchemes
	if scheme != nil {
		schemes = []headerScheme{*scheme}
	}

	var lastErr error
	sawAuthReject := false
	for _, p := range paths {
		for i := range schemes {
			s := schemes[i]
			resp, err := c.doStart(ctx, p, s, body)
			if err == nil {
				c.mu.Lock()
				c.startPath, c.authScheme = p, &s
				c.mu.Unlock()
				c.log.Info("kie endpoint discovered", "path", p, "auth", s.name)
				return resp, nil
			}
			if isValidationErr(err) {
				return nil, fmt.Errorf("%w: %v", ErrValidationExhausted, err)
			}
			if isErrAuthStatus(err) {
				sawAuthReject = true
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
			}
		}
	}
	if sawAuthReject {
		return nil, fmt.Errorf("%w: %v", ErrAuth, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// probeError carries the status code so the prober can tell an auth reject
// from a wrong path.
type probeError struct {
	status int
	body   string
}

func (e *probeError) Error() string {
	return fmt.Sprintf("kie: status=%d body=%s", e.status, e.body)
}

func isErrAuthStatus(err error) bool {
	var pe *probeError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.status == http.StatusUnauthorized || pe.status == http.StatusForbidden
}

func (c *KieClient) doStart(ctx context.Context, path string, scheme headerScheme, body []byte) (*startResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set(scheme.header, scheme.prefix+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post kie: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return nil, &validationError{body: truncateBody(rawBody)}
	}
	if resp.StatusCode >= 300 {
		return nil, &probeError{status: resp.StatusCode, body: truncateBody(rawBody)}
	}

	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "video/") || ct == "application/octet-stream" {
		return &startResponse{bytes: rawBody}, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, fmt.Errorf("decode start response: %w (body=%s)", err, truncateBody(rawBody))
	}
	out := &startResponse{
		downloadURL: pickString(payload, videoURLAliases),
		taskID:      pickString(payload, taskIDAliases),
	}
	if out.downloadURL == "" && out.taskID == "" {
		return nil, &probeError{status: resp.StatusCode, body: truncateBody(rawBody)}
	}
	return out, nil
}

// pollTask polls the status endpoint until the task finishes, swallowing
// transient errors; the wall-clock budget on ctx bounds the wait.
func (c *KieClient) pollTask(ctx context.Context, taskID string) (*Result, error) {
	c.mu.Lock()
	path, scheme := c.statusPath, c.authScheme
	c.mu.Unlock()
	if scheme == nil {
		scheme = &headerSchemes[0]
	}

	paths := statusPathCandidates
	if path != "" {
		paths = []string{path}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(kiePollInterval):
		}

		payload, usedPath, err := c.fetchStatus(ctx, paths, *scheme, taskID)
		if err != nil {
			c.log.Warn("kie status poll failed", "task_id", taskID, "err", err)
			continue
		}
		if usedPath != "" {
			c.mu.Lock()
			c.statusPath = usedPath
			c.mu.Unlock()
			paths = []string{usedPath}
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
			return nil, fmt.Errorf("kie task failed: %s", pickString(payload, []string{"failMsg", "error", "message"}))
		}
	}
}

func (c *KieClient) fetchStatus(ctx context.Context, paths []string, scheme headerScheme, taskID string) (map[string]any, string, error) {
	var lastErr error
	for _, p := range paths {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p+"?task_id="+taskID, nil)
		if err != nil {
			return nil, "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set(scheme.header, scheme.prefix+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("get status: %w", err)
			continue
		}
		rawBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("read response body: %w", readErr)
			continue
		}
		if resp.StatusCode >= 300 {
			lastErr = &probeError{status: resp.StatusCode, body: truncateBody(rawBody)}
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(rawBody, &payload); err != nil {
			lastErr = fmt.Errorf("decode status: %w", err)
			continue
		}
		return payload, p, nil
	}
	return nil, "", lastErr
}
