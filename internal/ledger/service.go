package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// Store is the durable side of the ledger. The MySQL implementation lives in
// internal/repository; tests use a fake.
type Store interface {
	EnsureUser(ctx context.Context, userID int64, username string) error
	Balance(ctx context.Context, userID int64) (int, error)
	FreeUsed(ctx context.Context, userID int64) (int, error)
	IncFreeUsed(ctx context.Context, userID int64) error
	AddBalance(ctx context.Context, userID int64, delta int, reason string) error
	Charge(ctx context.Context, userID, jobID int64, amount int) (bool, error)
}

// PreviewPlan is the outcome of the planning step. Nothing has been charged
// yet when it is returned.
type PreviewPlan struct {
	Allowed   bool
	Cost      int
	IsFree    bool
	Shortfall int
}

// Service implements the plan/commit billing protocol on top of a Store.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store required")
	}
	return &Service{store: store, log: log}, nil
}

func (s *Service) EnsureUser(ctx context.Context, userID int64, username string) error {
	return s.store.EnsureUser(ctx, userID, username)
}

func (s *Service) Balance(ctx context.Context, userID int64) (int, error) {
	return s.store.Balance(ctx, userID)
}

func (s *Service) FreeUsed(ctx context.Context, userID int64) (int, error) {
	return s.store.FreeUsed(ctx, userID)
}

func (s *Service) AddBalance(ctx context.Context, userID int64, amount int, reason string) error {
	if err := s.store.AddBalance(ctx, userID, amount, reason); err != nil {
		return fmt.Errorf("add balance: %w", err)
	}
	s.log.Info("balance credited", "user_id", userID, "amount", amount, "reason", reason)
	return nil
}

func (s *Service) CanTakeFreePreview(ctx context.Context, userID int64) (bool, error) {
	used, err := s.store.FreeUsed(ctx, userID)
	if err != nil {
		return false, err
	}
	return used < FreeQuota, nil
}

// PlanPreview computes whether the user may generate a preview without
// mutating anything. Free quota first, then the balance against the tariff.
func (s *Service) PlanPreview(ctx context.Context, userID int64, durationSec float64, sound bool) (PreviewPlan, error) {
	free, err := s.CanTakeFreePreview(ctx, userID)
	if err != nil {
		return PreviewPlan{}, err
	}
	if free {
		return PreviewPlan{Allowed: true, Cost: 0, IsFree: true}, nil
	}

	cost := Price(durationSec, sound)
	balance, err := s.store.Balance(ctx, userID)
	if err != nil {
		return PreviewPlan{}, err
	}
	if balance < cost {
		return PreviewPlan{Allowed: false, Cost: cost, Shortfall: cost - balance}, nil
	}
	return PreviewPlan{Allowed: true, Cost: cost}, nil
}

// CommitPreviewCharge settles a previously planned preview. For a free
// preview it bumps the counter and always succeeds. For a paid one it runs
// the atomic charge; false means the balance moved between plan and commit.
func (s *Service) CommitPreviewCharge(ctx context.Context, userID int64, cost int, isFree bool) (bool, error) {
	if isFree {
		if err := s.store.IncFreeUsed(ctx, userID); err != nil {
			return false, err
		}
		return true, nil
	}
	if cost <= 0 {
		return true, nil
	}
	return s.store.Charge(ctx, userID, 0, cost)
}

// Charge is the raw atomic primitive, exposed for the boost path which
// settles before generation.
func (s *Service) Charge(ctx context.Context, userID, jobID int64, amount int) (bool, error) {
	return s.store.Charge(ctx, userID, jobID, amount)
}
