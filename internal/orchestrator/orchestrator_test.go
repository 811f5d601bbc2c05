package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/persobi-video-bot/internal/gateway"
	"github.com/digkill/persobi-video-bot/internal/ledger"
	"github.com/digkill/persobi-video-bot/internal/models"
	"github.com/digkill/persobi-video-bot/internal/provider"
	"github.com/digkill/persobi-video-bot/internal/session"
)

type fakeBilling struct {
	plan        ledger.PreviewPlan
	planErr     error
	planCalls   int
	balance     int
	commitOK    bool
	commitCalls int
	chargeOK    bool
	chargeCalls int
	refunds     []int
	users       map[int64]string
}

func (f *fakeBilling) EnsureUser(_ context.Context, userID int64, username string) error {
	if f.users == nil {
		f.users = map[int64]string{}
	}
	f.users[userID] = username
	return nil
}

func (f *fakeBilling) Balance(_ context.Context, _ int64) (int, error) {
	return f.balance, nil
}

func (f *fakeBilling) PlanPreview(_ context.Context, _ int64, _ float64, _ bool) (ledger.PreviewPlan, error) {
	f.planCalls++
	return f.plan, f.planErr
}

func (f *fakeBilling) CommitPreviewCharge(_ context.Context, _ int64, _ int, _ bool) (bool, error) {
	f.commitCalls++
	return f.commitOK, nil
}

func (f *fakeBilling) Charge(_ context.Context, _, _ int64, _ int) (bool, error) {
	f.chargeCalls++
	return f.chargeOK, nil
}

func (f *fakeBilling) AddBalance(_ context.Context, _ int64, amount int, _ string) error {
	f.refunds = append(f.refunds, amount)
	return nil
}

type fakeGen struct {
	path  string
	err   error
	calls int
}

func (f *fakeGen) Generate(_ context.Context, _ gateway.Request) (string, error) {
	f.calls++
	return f.path, f.err
}

func (f *fakeGen) ProviderName() string { return "fake" }

type fakeRenderer struct {
	kenBurns  int
	textCards int
	trims     int
	err       error
}

func (f *fakeRenderer) RenderKenBurns(_ context.Context, _ string, _ float64, _ int64) (string, error) {
	f.kenBurns++
	return "/tmp/kenburns.mp4", f.err
}

func (f *fakeRenderer) RenderTextCard(_ context.Context, _ string, _ float64, _ bool) (string, error) {
	f.textCards++
	return "/tmp/card.mp4", f.err
}

func (f *fakeRenderer) TrimVideo(_ context.Context, _ string, _ float64) (string, error) {
	f.trims++
	return "/tmp/trimmed.mp4", f.err
}

type fakeNorm struct{ err error }

func (f *fakeNorm) Normalize(_ context.Context, in string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return in + ".norm", nil
}

type fakeJobs struct {
	created []*models.Job
	last    *models.Job
}

func (f *fakeJobs) Create(_ context.Context, job *models.Job) (*models.Job, error) {
	f.created = append(f.created, job)
	return job, nil
}

func (f *fakeJobs) LastForUser(_ context.Context, _ int64) (*models.Job, error) {
	return f.last, nil
}

func newOrch(t *testing.T, billing *fakeBilling, gen Generator, renderer *fakeRenderer, norm Normalizer, jobs *fakeJobs) (*Orchestrator, session.Store) {
	t.Helper()
	sessions := session.NewMemory()
	opts := Options{
		Billing:  billing,
		Gen:      gen,
		Renderer: renderer,
		Norm:     norm,
		Sessions: sessions,
		Jobs:     jobs,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	o, err := New(opts, log)
	require.NoError(t, err)
	return o, sessions
}

func textReq() PreviewRequest {
	return PreviewRequest{UserID: 1, Username: "u", Prompt: "море", DurationSec: 5}
}

func TestRejectedNeverCallsProvider(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: false, Cost: 55, Shortfall: 30}}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, _ := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	out, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, 30, out.Shortfall)
	assert.Zero(t, gen.calls, "rejected plan must not reach the provider")
	assert.Zero(t, billing.commitCalls, "rejected plan must not settle")
}

func TestPaidFailureIsNeverCharged(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, Cost: 55}}
	gen := &fakeGen{err: provider.ErrUnavailable}
	renderer := &fakeRenderer{}
	o, _ := newOrch(t, billing, gen, renderer, &fakeNorm{}, &fakeJobs{})

	out, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)
	assert.Equal(t, StatusFailedUncharged, out.Status)
	assert.Zero(t, billing.commitCalls, "failed paid generation must not settle")
	assert.Zero(t, renderer.textCards, "paid requests do not fall back")
}

func TestFreeFailureFallsBackAndCountsQuota(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{err: provider.ErrUnavailable}
	renderer := &fakeRenderer{}
	jobs := &fakeJobs{}
	o, _ := newOrch(t, billing, gen, renderer, &fakeNorm{}, jobs)

	out, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.True(t, out.Degraded)
	assert.Equal(t, 1, renderer.textCards)
	assert.Equal(t, 1, billing.commitCalls, "free delivery still consumes quota")
	require.Len(t, jobs.created, 1)
}

func TestFreeImageFallsBackToKenBurns(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{err: provider.ErrTimeout}
	renderer := &fakeRenderer{}
	o, _ := newOrch(t, billing, gen, renderer, &fakeNorm{}, &fakeJobs{})

	req := textReq()
	req.ImagePath = "/tmp/src.jpg"
	out, err := o.RequestPreview(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 1, renderer.kenBurns)
	assert.Zero(t, renderer.textCards)
}

func TestSettleRaceStillDelivers(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, Cost: 55}, commitOK: false}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, _ := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	out, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.True(t, out.SettleLost)
	assert.NotEmpty(t, out.ArtifactPath)
}

func TestPostprocessFailureDeliversRaw(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, Cost: 55}, commitOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, _ := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{err: errors.New("ffmpeg exploded")}, &fakeJobs{})

	out, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, "/tmp/raw.mp4", out.ArtifactPath, "raw artifact survives a postprocess failure")
}

func TestVideoRequestIsTrimmedLocally(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	renderer := &fakeRenderer{}
	o, _ := newOrch(t, billing, gen, renderer, &fakeNorm{}, &fakeJobs{})

	req := textReq()
	req.VideoPath = "/tmp/source.mp4"
	out, err := o.RequestPreview(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 1, renderer.trims)
	assert.Zero(t, gen.calls, "existing clips never go to the provider")
}

func TestRegenerateJittersSeed(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	jobs := &fakeJobs{}
	o, sessions := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, jobs)

	require.NoError(t, sessions.Put(context.Background(), 1, &session.Session{
		Prompt: "море", DurationSec: 5, Seed: 5000,
	}))

	out, err := o.Regenerate(context.Background(), 1, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)

	require.Len(t, jobs.created, 1)
	seed := jobs.created[0].Seed
	assert.NotZero(t, seed)
	assert.InDelta(t, 5000, seed, 1000, "jitter stays within ±1000 of the previous seed")
}

func TestRegenerateWithoutSession(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}}
	o, _ := newOrch(t, billing, &fakeGen{}, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	_, err := o.Regenerate(context.Background(), 99, "u")
	assert.ErrorIs(t, err, ErrNoSession)
}

// Сессии в памяти пропадают с рестартом — «ещё раз» тогда поднимает
// последний запрос из истории заданий.
func TestRegenerateFallsBackToJobHistory(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	jobs := &fakeJobs{last: &models.Job{
		UserID:   1,
		Kind:     models.JobKindText,
		Prompt:   "город ночью",
		Duration: 5,
		Seed:     5000,
	}}
	o, _ := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, jobs)

	out, err := o.Regenerate(context.Background(), 1, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)

	require.Len(t, jobs.created, 1)
	assert.Equal(t, "город ночью", jobs.created[0].Prompt)
	assert.InDelta(t, 5000, jobs.created[0].Seed, 1000)
}

func TestBoostChargesUpFront(t *testing.T) {
	billing := &fakeBilling{chargeOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, sessions := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	require.NoError(t, sessions.Put(context.Background(), 1, &session.Session{
		Prompt: "море", DurationSec: 5, Sound: true, Seed: 10,
	}))

	out, err := o.Boost(context.Background(), 1, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, out.Status)
	assert.Equal(t, 150, out.Cost, "short clip with sound boosts at 150")
	assert.Equal(t, 1, billing.chargeCalls)
	assert.Zero(t, billing.planCalls, "boost skips the preview planning path")
}

func TestBoostInsufficientFunds(t *testing.T) {
	billing := &fakeBilling{chargeOK: false}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, sessions := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	require.NoError(t, sessions.Put(context.Background(), 1, &session.Session{
		Prompt: "море", DurationSec: 10, Seed: 10,
	}))

	out, err := o.Boost(context.Background(), 1, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, 220, out.Cost)
	assert.Zero(t, gen.calls)
}

func TestBoostRefundsOnFailure(t *testing.T) {
	billing := &fakeBilling{chargeOK: true}
	gen := &fakeGen{err: provider.ErrUnavailable}
	renderer := &fakeRenderer{}
	o, sessions := newOrch(t, billing, gen, renderer, &fakeNorm{}, &fakeJobs{})

	require.NoError(t, sessions.Put(context.Background(), 1, &session.Session{
		Prompt: "море", DurationSec: 5, Seed: 10,
	}))

	out, err := o.Boost(context.Background(), 1, "u")
	require.NoError(t, err)
	assert.Equal(t, StatusFailedUncharged, out.Status)
	assert.Equal(t, []int{110}, billing.refunds, "failed boost refunds the up-front charge")
	assert.Zero(t, renderer.textCards, "boost never degrades to the local renderer")
}

func TestDeliverySavesSession(t *testing.T) {
	billing := &fakeBilling{plan: ledger.PreviewPlan{Allowed: true, IsFree: true}, commitOK: true}
	gen := &fakeGen{path: "/tmp/raw.mp4"}
	o, sessions := newOrch(t, billing, gen, &fakeRenderer{}, &fakeNorm{}, &fakeJobs{})

	_, err := o.RequestPreview(context.Background(), textReq())
	require.NoError(t, err)

	s, err := sessions.Get(context.Background(), 1)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "море", s.Prompt)
	assert.NotZero(t, s.Seed)
}
