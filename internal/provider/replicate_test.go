package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastTimings(t *testing.T) {
	t.Helper()
	oldPoll, oldBackoff := pollInterval, transientBackoff
	pollInterval = time.Millisecond
	transientBackoff = time.Millisecond
	t.Cleanup(func() {
		pollInterval, transientBackoff = oldPoll, oldBackoff
	})
}

func newReplicate(t *testing.T, baseURL string) *ReplicateClient {
	t.Helper()
	c, err := NewReplicateClient(ReplicateOptions{Token: "tok", BaseURL: baseURL}, testLogger())
	require.NoError(t, err)
	return c
}

func TestQuantizeFrames(t *testing.T) {
	assert.Equal(t, 100, quantizeFrames(120))
	assert.Equal(t, 100, quantizeFrames(100))
	assert.Equal(t, 96, quantizeFrames(99))
	assert.Equal(t, 81, quantizeFrames(81))
	assert.Equal(t, 81, quantizeFrames(50), "undershooting the set snaps to the smallest safe count")
}

func TestLadderVariantsOrdering(t *testing.T) {
	vs := ladderVariants(5, 24)
	require.NotEmpty(t, vs)
	assert.Equal(t, variant{fps: 24, frames: 100}, vs[0])

	// Within one fps the frame counts only descend.
	for i := 1; i < len(vs); i++ {
		if vs[i].fps == vs[i-1].fps {
			assert.Less(t, vs[i].frames, vs[i-1].frames)
		}
	}
}

// Провайдер отвергает всё выше 81 кадра — лестница обязана дойти до 81 и
// успешно завершиться, не зацикливаясь.
func TestLadderTerminatesAt81(t *testing.T) {
	fastTimings(t)

	var submitted []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded",
				"output": []string{"https://cdn.example/clip.mp4"},
			})
			return
		}
		var req struct {
			Input struct {
				NumFrames int `json:"num_frames"`
			} `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		submitted = append(submitted, req.Input.NumFrames)
		if req.Input.NumFrames > 81 {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "p1", "status": "starting"})
	}))
	defer srv.Close()

	c := newReplicate(t, srv.URL)
	res, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "море", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/clip.mp4", res.URL)
	assert.Equal(t, 81, submitted[len(submitted)-1])
}

func TestAllVariantsRejected(t *testing.T) {
	fastTimings(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newReplicate(t, srv.URL)
	_, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, ErrValidationExhausted)
}

func TestAuthErrorIsFatal(t *testing.T) {
	fastTimings(t)

	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newReplicate(t, srv.URL)
	_, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, calls, "auth rejection must not be retried")
}

func TestTransientExhaustionIsUnavailable(t *testing.T) {
	fastTimings(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newReplicate(t, srv.URL)
	_, err := c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestExtractOutputURL(t *testing.T) {
	assert.Equal(t, "a", extractOutputURL(json.RawMessage(`"a"`)))
	assert.Equal(t, "b", extractOutputURL(json.RawMessage(`["a","b"]`)), "last list element wins")
	assert.Empty(t, extractOutputURL(json.RawMessage(`[]`)))
	assert.Empty(t, extractOutputURL(nil))
}

// Слаг модели должен попадать в путь, а не в тело запроса: обычный
// /v1/predictions принимает только хэши версий.
func TestModelSlugUsesScopedPath(t *testing.T) {
	fastTimings(t)

	var startPath string
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode(map[string]any{
				"status": "succeeded",
				"output": "https://cdn.example/clip.mp4",
			})
			return
		}
		startPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(map[string]any{"id": "p1", "status": "starting"})
	}))
	defer srv.Close()

	c, err := NewReplicateClient(ReplicateOptions{
		Token:    "tok",
		BaseURL:  srv.URL,
		ModelT2V: "wan-video/wan-2.2-t2v-fast",
		ModelI2V: "wan-video/wan-2.2-i2v-fast",
	}, testLogger())
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), Job{Mode: ModeText, Prompt: "море", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "/v1/models/wan-video/wan-2.2-t2v-fast/predictions", startPath)
	assert.NotContains(t, payload, "version")

	_, err = c.Generate(context.Background(), Job{Mode: ModeImage, Prompt: "море", ImageURL: "https://cdn.example/src.jpg", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, "/v1/models/wan-video/wan-2.2-i2v-fast/predictions", startPath)
}

func TestDeriveSeedStable(t *testing.T) {
	a := deriveSeed(Job{Prompt: "закат"})
	b := deriveSeed(Job{Prompt: "закат"})
	assert.Equal(t, a, b)
	assert.Equal(t, int64(7), deriveSeed(Job{Prompt: "закат", Seed: 7}))
}
