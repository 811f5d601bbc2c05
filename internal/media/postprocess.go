package media

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Canonical delivery format. Generated clips open with a few unstable
// frames, so a fixed warm-up offset is cut before rescaling.
const (
	warmupTrimSec = 0.20
	targetHeight  = 720
	targetFPS     = 24
)

// Processor runs ffmpeg jobs with a bounded concurrency and a per-job
// timeout. All filter graphs are built by pure functions so they can be
// tested without ffmpeg installed.
type Processor struct {
	ffmpegPath string
	outDir     string
	timeout    time.Duration
	warmupTrim float64
	fps        int
	sem        chan struct{}
	log        *slog.Logger
}

type ProcessorOptions struct {
	FFmpegPath string
	OutDir     string
	Timeout    time.Duration
	WarmupTrim float64
	FPS        int
	Workers    int
}

func NewProcessor(opts ProcessorOptions, log *slog.Logger) *Processor {
	ffmpeg := opts.FFmpegPath
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	warmup := opts.WarmupTrim
	if warmup <= 0 {
		warmup = warmupTrimSec
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = targetFPS
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	return &Processor{
		ffmpegPath: ffmpeg,
		outDir:     opts.OutDir,
		timeout:    timeout,
		warmupTrim: warmup,
		fps:        fps,
		sem:        make(chan struct{}, workers),
		log:        log,
	}
}

// Normalize trims the warm-up offset and rescales the clip to the delivery
// format. The caller keeps the input on failure.
func (p *Processor) Normalize(ctx context.Context, inputPath string) (string, error) {
	outPath := p.tempOut("norm")
	if err := p.run(ctx, normalizeArgs(inputPath, outPath, p.warmupTrim, p.fps)); err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	return outPath, nil
}

// TrimVideo cuts an existing clip down to durationSec from the start.
func (p *Processor) TrimVideo(ctx context.Context, inputPath string, durationSec float64) (string, error) {
	outPath := p.tempOut("trim")
	if err := p.run(ctx, trimArgs(inputPath, outPath, durationSec)); err != nil {
		return "", fmt.Errorf("trim: %w", err)
	}
	return outPath, nil
}

func (p *Processor) tempOut(tag string) string {
	return filepath.Join(p.outDir, tag+"-"+uuid.NewString()+".mp4")
}

// run executes one ffmpeg invocation under the semaphore and timeout.
func (p *Processor) run(ctx context.Context, args []string) error {
	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		p.log.Error("ffmpeg failed", "args", args, "output", tail(out, 512))
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// normalizeArgs builds the warm-up trim + rescale invocation.
func normalizeArgs(inputPath, outPath string, trimSec float64, fps int) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(trimSec, 'f', 2, 64),
		"-i", inputPath,
		"-vf", fmt.Sprintf("scale=-2:%d:flags=lanczos,fps=%d", targetHeight, fps),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		outPath,
	}
}

func trimArgs(inputPath, outPath string, durationSec float64) []string {
	return []string{
		"-y",
		"-i", inputPath,
		"-t", strconv.FormatFloat(durationSec, 'f', 2, 64),
		"-c:v", "libx264",
		"-preset", "fast",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-c:a", "aac",
		outPath,
	}
}
