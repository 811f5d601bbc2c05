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
	"time"
)

// promptPrimer is prepended to every prompt so the model leans toward the
// short cinematic look the bot sells.
const promptPrimer = "cinematic, smooth camera motion, natural lighting, high detail. "

const negativePrompt = "blurry, low quality, distorted, watermark, text overlay, deformed"

// safeFrames are the frame counts the wan family of models is known to
// accept, descending.
var safeFrames = []int{100, 96, 92, 88, 84, 81}

// fallbackFPS is tried after the requested fps, in order.
var fallbackFPS = []int{24, 16, 12}

const transientRetries = 3

// Vars so tests can compress the waiting.
var (
	pollInterval     = 1500 * time.Millisecond
	transientBackoff = time.Second
)

// ReplicateClient drives a video model hosted on Replicate through its
// predictions API.
type ReplicateClient struct {
	token      string
	baseURL    string
	modelT2V   string
	modelI2V   string
	poll       time.Duration
	httpClient *http.Client
	log        *slog.Logger
}

type ReplicateOptions struct {
	Token        string
	BaseURL      string
	ModelT2V     string
	ModelI2V     string
	PollInterval time.Duration
	Timeout      time.Duration
}

func NewReplicateClient(opts ReplicateOptions, log *slog.Logger) (*ReplicateClient, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("replicate: api token required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://api.replicate.com"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = pollInterval
	}
	return &ReplicateClient{
		token:    opts.Token,
		baseURL:  base,
		modelT2V: opts.ModelT2V,
		modelI2V: opts.ModelI2V,
		poll:     poll,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}, nil
}

func (c *ReplicateClient) Name() string { return "replicate" }

// variant is one rung of the parameter ladder.
type variant struct {
	fps    int
	frames int
}

// quantizeFrames returns the largest safe frame count not exceeding the
// requested one, or the smallest safe count when the request undershoots
// the whole set.
func quantizeFrames(requested int) int {
	for _, f := range safeFrames {
		if f <= requested {
			return f
		}
	}
	return safeFrames[len(safeFrames)-1]
}

// ladderVariants enumerates (fps, frames) pairs to try, most similar to the
// request first. Each fps candidate is paired with the descending tail of
// safeFrames starting at the quantized count for that fps.
func ladderVariants(durationSec float64, requestedFPS int) []variant {
	fpsCandidates := make([]int, 0, 1+len(fallbackFPS))
	seen := map[int]bool{}
	for _, fps := range append([]int{requestedFPS}, fallbackFPS...) {
		if fps <= 0 || seen[fps] {
			continue
		}
		seen[fps] = true
		fpsCandidates = append(fpsCandidates, fps)
	}

	var out []variant
	for _, fps := range fpsCandidates {
		start := quantizeFrames(int(durationSec * float64(fps)))
		for _, frames := range safeFrames {
			if frames > start {
				continue
			}
			out = append(out, variant{fps: fps, frames: frames})
		}
	}
	return out
}

// deriveSeed keeps an explicit seed if the job carries one and otherwise
// folds the prompt into a stable number, so identical requests look alike.
func deriveSeed(job Job) int64 {
	if job.Seed != 0 {
		return job.Seed
	}
	var h int64 = 1469598103934665603
	for _, r := range job.Prompt {
		h ^= int64(r)
		h *= 1099511628211
	}
	if h < 0 {
		h = -h
	}
	return h % 1_000_000
}

// Generate walks the parameter ladder until the provider accepts a variant.
// Validation rejections advance the ladder; transient errors are retried a
// bounded number of times per variant.
func (c *ReplicateClient) Generate(ctx context.Context, job Job) (*Result, error) {
	seed := deriveSeed(job)
	variants := ladderVariants(job.DurationSec, 24)

	sawTransient := false
	for _, v := range variants {
	attempts:
		for attempt := 0; attempt < transientRetries; attempt++ {
			url, err := c.runPrediction(ctx, job, v, seed)
			if err == nil {
				return &Result{URL: url}, nil
			}
			switch {
			case isValidationErr(err):
				c.log.Warn("replicate rejected variant",
					"fps", v.fps, "frames", v.frames, "err", err)
				break attempts
			case isFatalErr(err):
				return nil, err
			default:
				sawTransient = true
				c.log.Warn("replicate transient error",
					"fps", v.fps, "frames", v.frames, "attempt", attempt+1, "err", err)
				select {
				case <-ctx.Done():
					return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
				case <-time.After(time.Duration(attempt+1) * transientBackoff):
				}
			}
		}
	}
	if sawTransient {
		return nil, ErrUnavailable
	}
	return nil, ErrValidationExhausted
}

// validationError marks an HTTP 422 so the ladder can advance.
type validationError struct{ body string }

func (e *validationError) Error() string { return "replicate: variant rejected: " + e.body }

func isValidationErr(err error) bool {
	var ve *validationError
	return errors.As(err, &ve)
}

func isFatalErr(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrNoOutput)
}

// runPrediction submits one (fps, frames) variant and polls it to a
// terminal state.
func (c *ReplicateClient) runPrediction(ctx context.Context, job Job, v variant, seed int64) (string, error) {
	input := map[string]any{
		"prompt":            promptPrimer + job.Prompt,
		"negative_prompt":   negativePrompt,
		"num_frames":        v.frames,
		"frames_per_second": v.fps,
		"seed":              seed,
	}
	if job.Mode == ModeImage && job.ImageURL != "" {
		input["image"] = job.ImageURL
	}
	if job.Sound {
		input["generate_audio"] = true
	}

	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return "", fmt.Errorf("marshal prediction: %w", err)
	}

	// Model slugs go into the model-scoped endpoint; the bare predictions
	// endpoint only accepts version hashes.
	model := c.modelT2V
	if job.Mode == ModeImage {
		model = c.modelI2V
	}
	startURL := c.baseURL + "/v1/predictions"
	if model != "" {
		startURL = c.baseURL + "/v1/models/" + model + "/predictions"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, startURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post prediction: %w", err)
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
		return "", &validationError{body: truncateBody(rawBody)}
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("replicate error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rawBody, &created); err != nil {
		return "", fmt.Errorf("decode prediction response: %w (body=%s)", err, truncateBody(rawBody))
	}
	if created.ID == "" {
		return "", fmt.Errorf("empty prediction id in response")
	}

	return c.pollPrediction(ctx, created.ID)
}

func (c *ReplicateClient) pollPrediction(ctx context.Context, id string) (string, error) {
	statusURL := c.baseURL + "/v1/predictions/" + id

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		case <-time.After(c.poll):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", fmt.Errorf("poll prediction: %w", err)
		}
		rawBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return "", fmt.Errorf("read response body: %w", readErr)
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: status=%d", ErrAuth, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return "", fmt.Errorf("replicate poll error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
		}

		var status struct {
			Status string          `json:"status"`
			Output json.RawMessage `json:"output"`
			Error  string          `json:"error"`
		}
		if err := json.Unmarshal(rawBody, &status); err != nil {
			return "", fmt.Errorf("decode prediction status: %w (body=%s)", err, truncateBody(rawBody))
		}

		switch status.Status {
		case "succeeded":
			url := extractOutputURL(status.Output)
			if url == "" {
				return "", ErrNoOutput
			}
			return url, nil
		case "failed", "canceled":
			msg := status.Error
			if msg == "" {
				msg = "unknown error"
			}
			return "", fmt.Errorf("prediction failed: %s", msg)
		}
	}
}

// extractOutputURL handles the two output shapes the models emit: a plain
// string or a list of URLs whose last element is the final video.
func extractOutputURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[len(list)-1]
	}
	return ""
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
