package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeArgs(t *testing.T) {
	args := normalizeArgs("/tmp/in.mp4", "/tmp/out.mp4", warmupTrimSec, targetFPS)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-ss 0.20", "warm-up offset must be cut")
	assert.Contains(t, joined, "scale=-2:720:flags=lanczos")
	assert.Contains(t, joined, "fps=24")
	assert.Contains(t, joined, "+faststart")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestTrimArgs(t *testing.T) {
	args := trimArgs("/tmp/in.mp4", "/tmp/out.mp4", 5)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-t 5.00")
	assert.Contains(t, joined, "-i /tmp/in.mp4")
}

func TestKenBurnsSeedPicksTrajectory(t *testing.T) {
	a := strings.Join(kenBurnsArgs("/tmp/a.jpg", "/tmp/o.mp4", 5, 0), " ")
	b := strings.Join(kenBurnsArgs("/tmp/a.jpg", "/tmp/o.mp4", 5, 1), " ")
	c := strings.Join(kenBurnsArgs("/tmp/a.jpg", "/tmp/o.mp4", 5, 0), " ")

	assert.NotEqual(t, a, b, "different seeds give different trajectories")
	assert.Equal(t, a, c, "same seed is deterministic")
	assert.Contains(t, a, "zoompan=")
	assert.Contains(t, a, "d=120", "5s at 24fps is 120 zoompan frames")
}

func TestKenBurnsNegativeSeed(t *testing.T) {
	args := kenBurnsArgs("/tmp/a.jpg", "/tmp/o.mp4", 5, -3)
	assert.Contains(t, strings.Join(args, " "), "zoompan=")
}

func TestAmbientBedKeywords(t *testing.T) {
	assert.Contains(t, ambientBedFor("тихое море на закате"), "pink")
	assert.Contains(t, ambientBedFor("campfire at night, fire crackling"), "brown")
	assert.Contains(t, ambientBedFor("сильный ветер в поле"), "white")
	assert.Empty(t, ambientBedFor("город будущего"))
}

func TestTextCardSoundOnlyWithBed(t *testing.T) {
	withBed := strings.Join(textCardArgs("море", "/tmp/o.mp4", 5, true), " ")
	assert.Contains(t, withBed, "anoisesrc")
	assert.Contains(t, withBed, "-shortest")

	noBed := strings.Join(textCardArgs("город", "/tmp/o.mp4", 5, true), " ")
	assert.NotContains(t, noBed, "anoisesrc")
	assert.Contains(t, noBed, "-an")

	silent := strings.Join(textCardArgs("море", "/tmp/o.mp4", 5, false), " ")
	assert.NotContains(t, silent, "anoisesrc")
}

func TestSanitizeDrawtext(t *testing.T) {
	assert.Equal(t, "its a test", sanitizeDrawtext("it's a test"))
	assert.Equal(t, "a b", sanitizeDrawtext("a:b"))
	assert.NotContains(t, sanitizeDrawtext(`path\to%thing`), `\`)

	long := strings.Repeat("я", 200)
	got := sanitizeDrawtext(long)
	assert.LessOrEqual(t, len([]rune(got)), 81)
	assert.True(t, strings.HasSuffix(got, "…"))
}
