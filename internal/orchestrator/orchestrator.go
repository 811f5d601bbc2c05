package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/digkill/persobi-video-bot/internal/gateway"
	"github.com/digkill/persobi-video-bot/internal/ledger"
	"github.com/digkill/persobi-video-bot/internal/models"
	"github.com/digkill/persobi-video-bot/internal/provider"
	"github.com/digkill/persobi-video-bot/internal/session"
)

// Status is the terminal state of one preview request.
type Status string

const (
	StatusDelivered       Status = "delivered"
	StatusRejected        Status = "rejected"
	StatusFailedUncharged Status = "failed_uncharged"
)

// Outcome is what the chat layer renders back to the user.
type Outcome struct {
	Status       Status
	ArtifactPath string
	Cost         int
	IsFree       bool
	Shortfall    int

	// Degraded is set when a free request was served by the local
	// renderer after the remote provider failed.
	Degraded bool

	// SettleLost is set when the artifact was delivered but the paid
	// charge could not be captured because the balance moved between
	// planning and settlement.
	SettleLost bool
}

// PreviewRequest carries one generation ask from the chat layer.
type PreviewRequest struct {
	UserID      int64
	Username    string
	Prompt      string
	ImagePath   string
	VideoPath   string
	DurationSec float64
	Sound       bool

	seed int64
}

// Generator is the remote path; the gateway implements it.
type Generator interface {
	Generate(ctx context.Context, req gateway.Request) (string, error)
	ProviderName() string
}

// Renderer is the local fallback path; the media processor implements it.
type Renderer interface {
	RenderKenBurns(ctx context.Context, imagePath string, durationSec float64, seed int64) (string, error)
	RenderTextCard(ctx context.Context, prompt string, durationSec float64, sound bool) (string, error)
	TrimVideo(ctx context.Context, inputPath string, durationSec float64) (string, error)
}

// Normalizer finalizes a raw artifact; failure here is non-fatal.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath string) (string, error)
}

// Billing is the slice of the ledger the orchestrator drives.
type Billing interface {
	EnsureUser(ctx context.Context, userID int64, username string) error
	Balance(ctx context.Context, userID int64) (int, error)
	PlanPreview(ctx context.Context, userID int64, durationSec float64, sound bool) (ledger.PreviewPlan, error)
	CommitPreviewCharge(ctx context.Context, userID int64, cost int, isFree bool) (bool, error)
	Charge(ctx context.Context, userID, jobID int64, amount int) (bool, error)
	AddBalance(ctx context.Context, userID int64, amount int, reason string) error
}

// JobLog records finished jobs for audit and rebuilds the last request
// when the session cache is gone.
type JobLog interface {
	Create(ctx context.Context, job *models.Job) (*models.Job, error)
	LastForUser(ctx context.Context, userID int64) (*models.Job, error)
}

// Orchestrator sequences planning, generation, post-processing and
// settlement for every preview request.
type Orchestrator struct {
	billing  Billing
	gen      Generator
	renderer Renderer
	norm     Normalizer
	sessions session.Store
	jobs     JobLog
	log      *slog.Logger
}

type Options struct {
	Billing  Billing
	Gen      Generator
	Renderer Renderer
	Norm     Normalizer
	Sessions session.Store
	Jobs     JobLog
}

func New(opts Options, log *slog.Logger) (*Orchestrator, error) {
	if opts.Billing == nil {
		return nil, fmt.Errorf("orchestrator: billing required")
	}
	if opts.Renderer == nil {
		return nil, fmt.Errorf("orchestrator: fallback renderer required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("orchestrator: session store required")
	}
	return &Orchestrator{
		billing:  opts.Billing,
		gen:      opts.Gen,
		renderer: opts.Renderer,
		norm:     opts.Norm,
		sessions: opts.Sessions,
		jobs:     opts.Jobs,
		log:      log,
	}, nil
}

// RequestPreview runs the full plan → generate → postprocess → settle
// pipeline. Paid requests are never charged when generation fails; free
// requests fall back to the local renderer instead of failing.
func (o *Orchestrator) RequestPreview(ctx context.Context, req PreviewRequest) (Outcome, error) {
	if err := o.billing.EnsureUser(ctx, req.UserID, req.Username); err != nil {
		return Outcome{}, fmt.Errorf("ensure user: %w", err)
	}

	plan, err := o.billing.PlanPreview(ctx, req.UserID, req.DurationSec, req.Sound)
	if err != nil {
		return Outcome{}, fmt.Errorf("plan preview: %w", err)
	}
	if !plan.Allowed {
		return Outcome{Status: StatusRejected, Cost: plan.Cost, Shortfall: plan.Shortfall}, nil
	}

	if req.seed == 0 {
		req.seed = 1 + rand.Int63n(999_999)
	}

	artifact, degraded, err := o.generate(ctx, req, plan.IsFree)
	if err != nil {
		// Paid request: user keeps the balance, nothing was taken.
		o.log.Warn("generation failed, nothing charged",
			"user_id", req.UserID, "is_free", plan.IsFree, "err", err)
		return Outcome{Status: StatusFailedUncharged, Cost: plan.Cost}, nil
	}

	artifact = o.postprocess(ctx, artifact)

	settled, err := o.billing.CommitPreviewCharge(ctx, req.UserID, plan.Cost, plan.IsFree)
	if err != nil {
		return Outcome{}, fmt.Errorf("commit charge: %w", err)
	}
	if !settled {
		// The balance moved between plan and commit. The artifact
		// exists, so deliver it and record the lost settlement.
		o.log.Warn("settle race lost, delivering anyway",
			"user_id", req.UserID, "cost", plan.Cost)
	}

	o.recordJob(ctx, req, artifact)
	o.saveSession(ctx, req)

	return Outcome{
		Status:       StatusDelivered,
		ArtifactPath: artifact,
		Cost:         plan.Cost,
		IsFree:       plan.IsFree,
		Degraded:     degraded,
		SettleLost:   !settled,
	}, nil
}

// generate tries the remote provider and, for free requests only, falls
// back to the local renderer. The bool reports whether the fallback ran.
func (o *Orchestrator) generate(ctx context.Context, req PreviewRequest, isFree bool) (string, bool, error) {
	if req.VideoPath != "" {
		// Existing clips are trimmed locally, never sent out.
		path, err := o.renderer.TrimVideo(ctx, req.VideoPath, req.DurationSec)
		return path, false, err
	}

	var remoteErr error
	if o.gen != nil {
		path, err := o.gen.Generate(ctx, gateway.Request{
			Prompt:      req.Prompt,
			ImagePath:   req.ImagePath,
			DurationSec: req.DurationSec,
			Sound:       req.Sound,
			Seed:        req.seed,
		})
		if err == nil {
			return path, false, nil
		}
		remoteErr = err
		if errors.Is(err, provider.ErrAuth) {
			o.log.Error("provider credential rejected", "provider", o.gen.ProviderName())
		}
	} else {
		remoteErr = provider.ErrUnavailable
	}

	if !isFree {
		return "", false, remoteErr
	}

	o.log.Info("falling back to local renderer", "user_id", req.UserID, "err", remoteErr)
	path, err := o.renderLocal(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("fallback render: %w (remote: %v)", err, remoteErr)
	}
	return path, true, nil
}

func (o *Orchestrator) renderLocal(ctx context.Context, req PreviewRequest) (string, error) {
	if req.ImagePath != "" {
		return o.renderer.RenderKenBurns(ctx, req.ImagePath, req.DurationSec, req.seed)
	}
	return o.renderer.RenderTextCard(ctx, req.Prompt, req.DurationSec, req.Sound)
}

// postprocess is best effort: a normalization failure returns the raw
// artifact rather than failing the request.
func (o *Orchestrator) postprocess(ctx context.Context, artifact string) string {
	if o.norm == nil {
		return artifact
	}
	final, err := o.norm.Normalize(ctx, artifact)
	if err != nil {
		o.log.Warn("postprocess failed, delivering raw artifact", "err", err)
		return artifact
	}
	return final
}

func (o *Orchestrator) recordJob(ctx context.Context, req PreviewRequest, artifact string) {
	if o.jobs == nil {
		return
	}
	kind := models.JobKindText
	src := ""
	switch {
	case req.VideoPath != "":
		kind, src = models.JobKindVideo, req.VideoPath
	case req.ImagePath != "":
		kind, src = models.JobKindImage, req.ImagePath
	}
	job := &models.Job{
		UserID:      req.UserID,
		Kind:        kind,
		Prompt:      req.Prompt,
		SrcPath:     src,
		PreviewPath: artifact,
		Duration:    req.DurationSec,
		Sound:       req.Sound,
		Seed:        req.seed,
	}
	if _, err := o.jobs.Create(ctx, job); err != nil {
		o.log.Warn("job audit record failed", "user_id", req.UserID, "err", err)
	}
}

func (o *Orchestrator) saveSession(ctx context.Context, req PreviewRequest) {
	s := &session.Session{
		Prompt:      req.Prompt,
		ImagePath:   req.ImagePath,
		VideoPath:   req.VideoPath,
		DurationSec: req.DurationSec,
		Sound:       req.Sound,
		Seed:        req.seed,
	}
	if err := o.sessions.Put(ctx, req.UserID, s); err != nil {
		o.log.Warn("session save failed", "user_id", req.UserID, "err", err)
	}
}

// ErrNoSession is returned by the repeat paths when the user has no stored
// request to rebuild.
var ErrNoSession = errors.New("orchestrator: no previous request for user")

// lastRequest rebuilds the user's previous ask, preferring the volatile
// session and falling back to the durable job history.
func (o *Orchestrator) lastRequest(ctx context.Context, userID int64) (*session.Session, error) {
	s, err := o.sessions.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if s != nil {
		return s, nil
	}
	if o.jobs == nil {
		return nil, ErrNoSession
	}
	job, err := o.jobs.LastForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load last job: %w", err)
	}
	if job == nil {
		return nil, ErrNoSession
	}
	s = &session.Session{
		Prompt:      job.Prompt,
		DurationSec: job.Duration,
		Sound:       job.Sound,
		Seed:        job.Seed,
	}
	switch job.Kind {
	case models.JobKindImage:
		s.ImagePath = job.SrcPath
	case models.JobKindVideo:
		s.VideoPath = job.SrcPath
	}
	return s, nil
}

// Regenerate replays the user's last request with a jittered seed so the
// result is related but distinct.
func (o *Orchestrator) Regenerate(ctx context.Context, userID int64, username string) (Outcome, error) {
	s, err := o.lastRequest(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	return o.RequestPreview(ctx, PreviewRequest{
		UserID:      userID,
		Username:    username,
		Prompt:      s.Prompt,
		ImagePath:   s.ImagePath,
		VideoPath:   s.VideoPath,
		DurationSec: s.DurationSec,
		Sound:       s.Sound,
		seed:        jitterSeed(s.Seed),
	})
}

// jitterSeed moves the seed by up to ±1000, avoiding zero so the derived
// seed is not recomputed from the prompt.
func jitterSeed(seed int64) int64 {
	next := seed + rand.Int63n(2001) - 1000
	if next <= 0 {
		next = seed + 1 + rand.Int63n(1000)
	}
	return next
}

// Boost is the premium regenerate: a fixed higher tariff charged before
// generation. A failed generation refunds the charge.
func (o *Orchestrator) Boost(ctx context.Context, userID int64, username string) (Outcome, error) {
	s, err := o.lastRequest(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}

	if err := o.billing.EnsureUser(ctx, userID, username); err != nil {
		return Outcome{}, fmt.Errorf("ensure user: %w", err)
	}

	cost := ledger.BoostPrice(s.DurationSec, s.Sound)
	charged, err := o.billing.Charge(ctx, userID, 0, cost)
	if err != nil {
		return Outcome{}, fmt.Errorf("boost charge: %w", err)
	}
	if !charged {
		shortfall := cost
		if balance, balErr := o.billing.Balance(ctx, userID); balErr == nil && balance < cost {
			shortfall = cost - balance
		}
		return Outcome{Status: StatusRejected, Cost: cost, Shortfall: shortfall}, nil
	}

	req := PreviewRequest{
		UserID:      userID,
		Username:    username,
		Prompt:      s.Prompt,
		ImagePath:   s.ImagePath,
		VideoPath:   s.VideoPath,
		DurationSec: s.DurationSec,
		Sound:       s.Sound,
		seed:        jitterSeed(s.Seed),
	}

	artifact, _, err := o.generate(ctx, req, false)
	if err != nil {
		if refundErr := o.billing.AddBalance(ctx, userID, cost, "Возврат за неудачную генерацию"); refundErr != nil {
			o.log.Error("boost refund failed", "user_id", userID, "amount", cost, "err", refundErr)
		}
		return Outcome{Status: StatusFailedUncharged, Cost: cost}, nil
	}

	artifact = o.postprocess(ctx, artifact)
	o.recordJob(ctx, req, artifact)
	o.saveSession(ctx, req)

	return Outcome{Status: StatusDelivered, ArtifactPath: artifact, Cost: cost}, nil
}

// Price quotes the preview tariff without touching any state.
func (o *Orchestrator) Price(durationSec float64, sound bool) int {
	return ledger.Price(durationSec, sound)
}
