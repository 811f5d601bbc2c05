package media

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// The fallback renderer produces a deterministic placeholder clip locally
// when no remote provider delivers. It never costs the user anything.

// kenBurnsExprs are the pan/zoom trajectories. The seed picks one so
// regenerations of the same request look related but not identical.
var kenBurnsExprs = []string{
	// slow push-in toward the center
	"zoompan=z='min(zoom+0.0012,1.25)':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=1280x720:fps=%d",
	// drift to the upper left while zooming
	"zoompan=z='min(zoom+0.0010,1.20)':x='iw/2-(iw/zoom/2)-on*2':y='ih/2-(ih/zoom/2)-on':d=%d:s=1280x720:fps=%d",
	// pull-back reveal
	"zoompan=z='if(eq(on,1),1.25,max(zoom-0.0010,1.0))':x='iw/2-(iw/zoom/2)':y='ih/2-(ih/zoom/2)':d=%d:s=1280x720:fps=%d",
}

// ambientBeds maps prompt keywords to an ffmpeg audio source evoking the
// scene. First match wins.
var ambientBeds = []struct {
	keywords []string
	source   string
}{
	{[]string{"море", "океан", "волн", "sea", "ocean", "wave"}, "anoisesrc=color=pink:amplitude=0.08"},
	{[]string{"огонь", "костер", "костёр", "fire", "flame"}, "anoisesrc=color=brown:amplitude=0.1"},
	{[]string{"ветер", "буря", "wind", "storm"}, "anoisesrc=color=white:amplitude=0.05"},
	{[]string{"дождь", "rain"}, "anoisesrc=color=pink:amplitude=0.12"},
}

// RenderKenBurns animates a still image with a slow synthetic pan/zoom over
// the requested duration.
func (p *Processor) RenderKenBurns(ctx context.Context, imagePath string, durationSec float64, seed int64) (string, error) {
	outPath := p.tempOut("kenburns")
	if err := p.run(ctx, kenBurnsArgs(imagePath, outPath, durationSec, seed)); err != nil {
		return "", fmt.Errorf("ken burns: %w", err)
	}
	return outPath, nil
}

// RenderTextCard draws the prompt over a dark background, with an ambient
// sound bed when the prompt matches a known scene and sound was requested.
func (p *Processor) RenderTextCard(ctx context.Context, prompt string, durationSec float64, sound bool) (string, error) {
	outPath := p.tempOut("card")
	if err := p.run(ctx, textCardArgs(prompt, outPath, durationSec, sound)); err != nil {
		return "", fmt.Errorf("text card: %w", err)
	}
	return outPath, nil
}

func kenBurnsArgs(imagePath, outPath string, durationSec float64, seed int64) []string {
	frames := int(durationSec * float64(targetFPS))
	if frames <= 0 {
		frames = targetFPS
	}
	idx := int(seed) % len(kenBurnsExprs)
	if idx < 0 {
		idx = -idx
	}
	filter := fmt.Sprintf(kenBurnsExprs[idx], frames, targetFPS)

	return []string{
		"-y",
		"-loop", "1",
		"-i", imagePath,
		"-vf", filter + ",format=yuv420p",
		"-t", strconv.FormatFloat(durationSec, 'f', 2, 64),
		"-c:v", "libx264",
		"-preset", "fast",
		"-movflags", "+faststart",
		"-an",
		outPath,
	}
}

func textCardArgs(prompt, outPath string, durationSec float64, sound bool) []string {
	dur := strconv.FormatFloat(durationSec, 'f', 2, 64)
	drawtext := fmt.Sprintf(
		"drawtext=text='%s':fontcolor=white:fontsize=42:x=(w-text_w)/2:y=(h-text_h)/2",
		sanitizeDrawtext(prompt))

	args := []string{
		"-y",
		"-f", "lavfi",
		"-i", fmt.Sprintf("color=c=0x101018:s=1280x720:d=%s:r=%d", dur, targetFPS),
	}

	bed := ambientBedFor(prompt)
	if sound && bed != "" {
		args = append(args,
			"-f", "lavfi",
			"-i", bed+":duration="+dur,
		)
	}

	args = append(args,
		"-vf", drawtext+",format=yuv420p",
		"-t", dur,
		"-c:v", "libx264",
		"-preset", "fast",
		"-movflags", "+faststart",
	)
	if sound && bed != "" {
		args = append(args, "-c:a", "aac", "-shortest")
	} else {
		args = append(args, "-an")
	}
	return append(args, outPath)
}

// ambientBedFor returns the audio source for the first keyword found in
// the prompt, or empty when nothing matches.
func ambientBedFor(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, bed := range ambientBeds {
		for _, kw := range bed.keywords {
			if strings.Contains(lower, kw) {
				return bed.source
			}
		}
	}
	return ""
}

// sanitizeDrawtext strips characters that break the drawtext filter syntax
// and caps the overlay length.
func sanitizeDrawtext(s string) string {
	replacer := strings.NewReplacer(
		"'", "",
		":", " ",
		"\\", "",
		"%", "",
		"\n", " ",
	)
	out := strings.TrimSpace(replacer.Replace(s))
	const maxLen = 80
	runes := []rune(out)
	if len(runes) > maxLen {
		out = string(runes[:maxLen]) + "…"
	}
	return out
}
