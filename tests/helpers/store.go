package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/runner/internal/repository"
)

func NewTestSQLiteStore(t *testing.T, opts ...repository.Option) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:", opts...)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// Fund credits userID with amount.
func Fund(t *testing.T, ledger repository.Ledger, userID string, amount float64) {
	t.Helper()
	if _, err := ledger.Credit(context.Background(), userID, amount); err != nil {
		t.Fatalf("failed to fund %s: %v", userID, err)
	}
}
