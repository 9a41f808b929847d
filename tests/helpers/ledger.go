package helpers

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xiaot623/gogo/runner/internal/repository"
)

// CountingLedger counts the calls made to a real ledger.
type CountingLedger struct {
	repository.Ledger
	deducts atomic.Int64
	credits atomic.Int64

	mu        sync.Mutex
	creditErr error
}

func NewCountingLedger(inner repository.Ledger) *CountingLedger {
	return &CountingLedger{Ledger: inner}
}

// FailCredits makes every later Credit return err without touching the
// balance. A nil err restores normal behaviour.
func (l *CountingLedger) FailCredits(err error) {
	l.mu.Lock()
	l.creditErr = err
	l.mu.Unlock()
}

func (l *CountingLedger) Deduct(ctx context.Context, userID string, amount float64) (float64, error) {
	l.deducts.Add(1)
	return l.Ledger.Deduct(ctx, userID, amount)
}

func (l *CountingLedger) Credit(ctx context.Context, userID string, amount float64) (float64, error) {
	l.credits.Add(1)
	l.mu.Lock()
	err := l.creditErr
	l.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return l.Ledger.Credit(ctx, userID, amount)
}

func (l *CountingLedger) Deducts() int { return int(l.deducts.Load()) }
func (l *CountingLedger) Credits() int { return int(l.credits.Load()) }
