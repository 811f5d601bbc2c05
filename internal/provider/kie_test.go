package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKie(t *testing.T, baseURL string) *KieClient {
	t.Helper()
	old := kiePollInterval
	kiePollInterval = time.Millisecond
	t.Cleanup(func() { kiePollInterval = old })
	c, err := NewKieClient(KieOptions{APIKey: "key", BaseURL: baseURL, Timeout: 10 * time.Second}, testLogger())
	require.NoError(t, err)
	return c
}

// Сервер принимает только /api/v1/generate с заголовком X-API-Key; клиент
// обязан найти эту комбинацию перебором и запомнить её.
func TestEndpointProbing(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/api/v1/generate" || r.Header.Get("X-API-Key") != "key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"download_url": "https://cdn.example/v.mp4"})
	}))
	defer srv.Close()

	c := newKie(t, srv.URL)
	res, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "лес", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/v.mp4", res.URL)

	probes := hits
	assert.Greater(t, probes, 1, "discovery needs more than one attempt")

	// Second call reuses the cached combination: exactly one request.
	_, err = c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "лес", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, probes+1, hits)
}

func TestImmediateBytesResponse(t *testing.T) {
	payload := []byte("not really mp4")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		w.Write(payload)
	}))
	defer srv.Close()

	c := newKie(t, srv.URL)
	res, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, payload, res.Bytes)
	assert.Empty(t, res.URL)
}

func TestTaskHandlePolling(t *testing.T) {
	var statusCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/video/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t1"})
	})
	mux.HandleFunc("/api/v1/video/status", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "t1", r.URL.Query().Get("task_id"))
		statusCalls++
		if statusCalls < 2 {
			json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": "completed", "url": "https://cdn.example/t1.mp4"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newKie(t, srv.URL)
	res, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/t1.mp4", res.URL)
	assert.Equal(t, 2, statusCalls)
}

func TestAuthRejectedEverywhere(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newKie(t, srv.URL)
	_, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, ErrAuth)
}

func TestWallClockTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/video/generate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t1"})
	})
	mux.HandleFunc("/api/v1/video/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "processing"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c, err := NewKieClient(KieOptions{APIKey: "key", BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, testLogger())
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPickStringAliases(t *testing.T) {
	payload := map[string]any{
		"data": map[string]any{"taskId": "abc", "state": "success"},
	}
	assert.Equal(t, "abc", pickString(payload, taskIDAliases))
	assert.Equal(t, "success", pickString(payload, statusAliases))
	assert.True(t, statusDone("Succeeded"))
	assert.True(t, statusFailed("FAILED"))
	assert.False(t, statusDone("processing"))
}
