package provider

import (
	"context"
	"errors"
	"strings"
)

// Mode tells the provider what kind of source material the job carries.
type Mode string

const (
	ModeText  Mode = "text"
	ModeImage Mode = "image"
)

// Job is a single generation request. ImageURL must be publicly reachable
// when Mode is ModeImage.
type Job struct {
	Mode        Mode
	Prompt      string
	ImageURL    string
	DurationSec float64
	Sound       bool
	Seed        int64
}

// Result is what a provider hands back on success. Exactly one of URL and
// Bytes is set: URL when the provider hosts the artifact, Bytes when it
// streams the file directly.
type Result struct {
	URL   string
	Bytes []byte
}

// Generator is implemented by every remote video backend.
type Generator interface {
	Name() string
	Generate(ctx context.Context, job Job) (*Result, error)
}

// Error taxonomy. The orchestrator switches on these to decide between
// fallback, refusal and plain failure.
var (
	// ErrAuth means the credential was rejected. Fatal, never retried.
	ErrAuth = errors.New("provider: authentication rejected")

	// ErrValidationExhausted means every parameter variant in the fallback
	// ladder was rejected by the provider.
	ErrValidationExhausted = errors.New("provider: all parameter variants rejected")

	// ErrTimeout means the wall-clock budget for the job ran out while the
	// provider was still working.
	ErrTimeout = errors.New("provider: generation timed out")

	// ErrUnavailable means transient failures persisted past the retry
	// budget.
	ErrUnavailable = errors.New("provider: temporarily unavailable")

	// ErrNoOutput means the provider reported success but returned nothing
	// usable.
	ErrNoOutput = errors.New("provider: no output in response")
)

// Providers disagree on field names for the same concepts, so responses are
// decoded into a loose map and picked apart with alias tables.
var (
	taskIDAliases   = []string{"task_id", "taskId", "id", "request_id", "uuid"}
	statusAliases   = []string{"status", "state", "task_status"}
	videoURLAliases = []string{"download_url", "url", "mp4_url", "video_url", "video", "output_url", "result_url"}
)

// pickString walks the alias list and returns the first non-empty string
// value, descending one level into a "data" envelope if present.
func pickString(payload map[string]any, aliases []string) string {
	if v := pickStringFlat(payload, aliases); v != "" {
		return v
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return pickStringFlat(data, aliases)
	}
	return ""
}

func pickStringFlat(payload map[string]any, aliases []string) string {
	for _, key := range aliases {
		if raw, ok := payload[key]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// statusDone reports whether a provider status string means the task
// finished successfully.
func statusDone(status string) bool {
	switch strings.ToLower(status) {
	case "succeeded", "success", "completed", "complete", "done", "finished":
		return true
	}
	return false
}

// statusFailed reports whether a provider status string means the task
// failed terminally.
func statusFailed(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "error", "canceled", "cancelled", "rejected":
		return true
	}
	return false
}
