package repository

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// Balances are stored in hundredths of a credit.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromCents(cents int64) float64 {
	return float64(cents) / 100
}

// Deduct subtracts amount with a single conditional update.
func (s *SQLiteStore) Deduct(ctx context.Context, userID string, amount float64) (float64, error) {
	cents := toCents(amount)
	if cents <= 0 {
		return 0, fmt.Errorf("deduct amount must be positive: %w", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET balance_cents = balance_cents - ?, updated_at = ?
		 WHERE user_id = ? AND balance_cents >= ?`,
		cents, toMillis(s.now()), userID, cents)
	if err != nil {
		return 0, fmt.Errorf("failed to deduct credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, domain.ErrInsufficientCredits
	}

	balance, err := balanceTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return fromCents(balance), nil
}

// Credit adds amount to the user's balance, creating it if needed.
func (s *SQLiteStore) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	cents := toCents(amount)
	if cents <= 0 {
		return 0, fmt.Errorf("credit amount must be positive: %w", domain.ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO credit_balances (user_id, balance_cents, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET balance_cents = balance_cents + excluded.balance_cents, updated_at = excluded.updated_at`,
		userID, cents, toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to credit: %w", err)
	}

	balance, err := balanceTx(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return fromCents(balance), nil
}

// Balance returns the user's balance; unknown users have zero.
func (s *SQLiteStore) Balance(ctx context.Context, userID string) (float64, error) {
	var cents int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance_cents FROM credit_balances WHERE user_id = ?`, userID).Scan(&cents)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fromCents(cents), nil
}

func balanceTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var cents int64
	if err := tx.QueryRowContext(ctx,
		`SELECT balance_cents FROM credit_balances WHERE user_id = ?`, userID).Scan(&cents); err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return cents, nil
}
