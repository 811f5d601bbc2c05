package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/persobi-video-bot/internal/provider"
)

// ImagePublisher turns a local source image into a URL a remote provider
// can fetch. The S3 uploader implements it.
type ImagePublisher interface {
	UploadFile(ctx context.Context, localPath string) (string, error)
}

// Request is what the orchestrator asks the gateway to generate.
type Request struct {
	Prompt      string
	ImagePath   string
	DurationSec float64
	Sound       bool
	Seed        int64
}

// Gateway submits generation jobs to the configured remote provider and
// lands the finished artifact on local disk.
type Gateway struct {
	gen        provider.Generator
	publisher  ImagePublisher
	outDir     string
	httpClient *http.Client
	log        *slog.Logger
}

func New(gen provider.Generator, publisher ImagePublisher, outDir string, log *slog.Logger) (*Gateway, error) {
	if gen == nil {
		return nil, fmt.Errorf("gateway: provider required")
	}
	return &Gateway{
		gen:       gen,
		publisher: publisher,
		outDir:    outDir,
		httpClient: &http.Client{
			Timeout: 3 * time.Minute,
		},
		log: log,
	}, nil
}

func (g *Gateway) ProviderName() string {
	return g.gen.Name()
}

// Generate runs one job end to end: publish the source image if any,
// dispatch to the provider, then pull the artifact down to OutDir. The
// provider's error taxonomy passes through untouched so the orchestrator
// can switch on it.
func (g *Gateway) Generate(ctx context.Context, req Request) (string, error) {
	job := provider.Job{
		Mode:        provider.ModeText,
		Prompt:      req.Prompt,
		DurationSec: req.DurationSec,
		Sound:       req.Sound,
		Seed:        req.Seed,
	}

	if req.ImagePath != "" {
		if g.publisher == nil {
			return "", fmt.Errorf("gateway: image request without a publisher")
		}
		url, err := g.publisher.UploadFile(ctx, req.ImagePath)
		if err != nil {
			return "", fmt.Errorf("publish image: %w", err)
		}
		job.Mode = provider.ModeImage
		job.ImageURL = url
	}

	started := time.Now()
	res, err := g.gen.Generate(ctx, job)
	if err != nil {
		return "", err
	}
	g.log.Info("provider finished",
		"provider", g.gen.Name(), "mode", job.Mode, "took", time.Since(started).Round(time.Second))

	if len(res.Bytes) > 0 {
		return g.saveBytes(res.Bytes)
	}
	if res.URL != "" {
		return g.download(ctx, res.URL)
	}
	return "", provider.ErrNoOutput
}

func (g *Gateway) saveBytes(data []byte) (string, error) {
	outPath := filepath.Join(g.outDir, "raw-"+uuid.NewString()+".mp4")
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return outPath, nil
}

func (g *Gateway) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download artifact: status=%d", resp.StatusCode)
	}

	outPath := filepath.Join(g.outDir, "raw-"+uuid.NewString()+".mp4")
	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return outPath, nil
}
