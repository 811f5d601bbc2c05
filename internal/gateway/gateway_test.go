package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/persobi-video-bot/internal/provider"
)

type stubGen struct {
	result  *provider.Result
	err     error
	lastJob provider.Job
}

func (s *stubGen) Name() string { return "stub" }

func (s *stubGen) Generate(_ context.Context, job provider.Job) (*provider.Result, error) {
	s.lastJob = job
	return s.result, s.err
}

type stubPublisher struct{ url string }

func (s *stubPublisher) UploadFile(_ context.Context, _ string) (string, error) {
	return s.url, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBytesResultLandsOnDisk(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGen{result: &provider.Result{Bytes: []byte("clip")}}
	g, err := New(gen, nil, dir, testLogger())
	require.NoError(t, err)

	path, err := g.Generate(context.Background(), Request{Prompt: "море", DurationSec: 5})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("clip"), data)
	assert.Equal(t, provider.ModeText, gen.lastJob.Mode)
}

func TestURLResultIsDownloaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote clip"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	gen := &stubGen{result: &provider.Result{URL: srv.URL + "/v.mp4"}}
	g, err := New(gen, nil, dir, testLogger())
	require.NoError(t, err)

	path, err := g.Generate(context.Background(), Request{Prompt: "x", DurationSec: 5})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("remote clip"), data)
}

func TestImageRequestIsPublished(t *testing.T) {
	dir := t.TempDir()
	gen := &stubGen{result: &provider.Result{Bytes: []byte("clip")}}
	pub := &stubPublisher{url: "https://cdn.example/src.jpg"}
	g, err := New(gen, pub, dir, testLogger())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "x", ImagePath: "/tmp/src.jpg", DurationSec: 5})
	require.NoError(t, err)
	assert.Equal(t, provider.ModeImage, gen.lastJob.Mode)
	assert.Equal(t, "https://cdn.example/src.jpg", gen.lastJob.ImageURL)
}

func TestImageRequestWithoutPublisherFails(t *testing.T) {
	gen := &stubGen{result: &provider.Result{Bytes: []byte("clip")}}
	g, err := New(gen, nil, t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{ImagePath: "/tmp/src.jpg", DurationSec: 5})
	assert.Error(t, err)
}

func TestProviderErrorsPassThrough(t *testing.T) {
	gen := &stubGen{err: provider.ErrValidationExhausted}
	g, err := New(gen, nil, t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, provider.ErrValidationExhausted)
}

func TestEmptyResultIsNoOutput(t *testing.T) {
	gen := &stubGen{result: &provider.Result{}}
	g, err := New(gen, nil, t.TempDir(), testLogger())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), Request{Prompt: "x", DurationSec: 5})
	assert.ErrorIs(t, err, provider.ErrNoOutput)
}
