package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/persobi-video-bot/internal/models"
)

// LedgerRepository owns the three billing tables: users, wallet_ops and
// charges. They are grouped in one repository because a charge is a single
// transaction across users and charges.
type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// EnsureUser creates the row with zero balance if it does not exist yet.
// Safe to call on every interaction.
func (r *LedgerRepository) EnsureUser(ctx context.Context, userID int64, username string) error {
	const query = `
INSERT INTO users (user_id, username, balance, free_previews_used)
VALUES (?, NULLIF(?, ''), 0, 0)
ON DUPLICATE KEY UPDATE username = COALESCE(NULLIF(VALUES(username), ''), username)`
	if _, err := r.db.ExecContext(ctx, query, userID, username); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

// Balance returns 0 for unknown users instead of an error.
func (r *LedgerRepository) Balance(ctx context.Context, userID int64) (int, error) {
	var balance int
	err := r.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

func (r *LedgerRepository) FreeUsed(ctx context.Context, userID int64) (int, error) {
	var used int
	err := r.db.QueryRowContext(ctx, `SELECT free_previews_used FROM users WHERE user_id = ?`, userID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get free previews used: %w", err)
	}
	return used, nil
}

func (r *LedgerRepository) IncFreeUsed(ctx context.Context, userID int64) error {
	const query = `UPDATE users SET free_previews_used = free_previews_used + 1, updated_at = NOW() WHERE user_id = ?`
	if _, err := r.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("increment free previews: %w", err)
	}
	return nil
}

// AddBalance credits the user and appends the wallet history entry in one
// transaction.
func (r *LedgerRepository) AddBalance(ctx context.Context, userID int64, delta int, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin topup tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE users SET balance = balance + ?, updated_at = NOW() WHERE user_id = ?`, delta, userID); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO wallet_ops (user_id, delta, reason) VALUES (?, ?, ?)`, userID, delta, reason); err != nil {
		return fmt.Errorf("insert wallet op: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit topup tx: %w", err)
	}
	return nil
}

// Charge atomically decrements the balance if it covers the amount and
// records the charge row. Returns false without any mutation when funds are
// insufficient. The conditional UPDATE is the only overdraft defense, so it
// must stay a single statement.
func (r *LedgerRepository) Charge(ctx context.Context, userID, jobID int64, amount int) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE users SET balance = balance - ?, updated_at = NOW()
WHERE user_id = ? AND balance >= ?`, amount, userID, amount)
	if err != nil {
		return false, fmt.Errorf("decrement balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("charge rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO charges (user_id, job_id, amount, status)
VALUES (?, ?, ?, ?)`, userID, jobID, amount, models.ChargeStatusCaptured); err != nil {
		return false, fmt.Errorf("insert charge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit charge tx: %w", err)
	}
	return true, nil
}

func (r *LedgerRepository) ListWalletOps(ctx context.Context, userID int64, limit int) ([]models.WalletOp, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
SELECT id, user_id, delta, reason, created_at
FROM wallet_ops WHERE user_id = ?
ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallet ops: %w", err)
	}
	defer rows.Close()

	var ops []models.WalletOp
	for rows.Next() {
		var op models.WalletOp
		if err := rows.Scan(&op.ID, &op.UserID, &op.Delta, &op.Reason, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (r *LedgerRepository) ListTelegramIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM users`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *LedgerRepository) DB() *sql.DB {
	return r.db
}
