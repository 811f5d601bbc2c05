package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/persobi-video-bot/internal/repository"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoExhausted       = errors.New("promo code exhausted")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
)

type PromoService struct {
	promos *repository.PromoRepository
}

func NewPromoService(promos *repository.PromoRepository) *PromoService {
	return &PromoService{promos: promos}
}

// Apply redeems a code for the user and credits the bonus to their balance.
// Redemption, usage counter and the wallet movement commit in one
// transaction so a crash cannot give out the bonus twice.
func (s *PromoService) Apply(ctx context.Context, userID int64, code string, bonus int) error {
	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return ErrPromoInvalid
	}

	tx, err := s.promos.DB().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var uses, maxUses int
	row := tx.QueryRowContext(ctx, `SELECT uses, max_uses FROM promo_codes WHERE id = ? FOR UPDATE`, promo.ID)
	if err := row.Scan(&uses, &maxUses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPromoInvalid
		}
		return fmt.Errorf("lock promo: %w", err)
	}
	if uses >= maxUses {
		return ErrPromoExhausted
	}

	var dummy int
	row = tx.QueryRowContext(ctx, `SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`, userID, promo.ID)
	if err := row.Scan(&dummy); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check redemption: %w", err)
		}
	} else {
		return ErrPromoAlreadyRedeemed
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO promo_redemptions (user_id, promo_code_id) VALUES (?, ?)`, userID, promo.ID); err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE promo_codes SET uses = uses + 1 WHERE id = ?`, promo.ID); err != nil {
		return fmt.Errorf("increment promo uses: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ?, updated_at = NOW() WHERE user_id = ?`, bonus, userID); err != nil {
		return fmt.Errorf("add promo credits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_ops (user_id, delta, reason) VALUES (?, ?, ?)`, userID, bonus, "Промокод "+code); err != nil {
		return fmt.Errorf("record wallet op: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promo tx: %w", err)
	}
	return nil
}
