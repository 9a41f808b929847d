package watchdog

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// chanSource yields whatever is sent on events; closing it unblocks Next.
type chanSource struct {
	events    chan int
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newChanSource() *chanSource {
	return &chanSource{events: make(chan int), closed: make(chan struct{})}
}

func (s *chanSource) Next(ctx context.Context) (int, error) {
	select {
	case v, ok := <-s.events:
		if !ok {
			return 0, io.EOF
		}
		return v, nil
	case <-s.closed:
		return 0, errors.New("source closed")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *chanSource) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func TestWatchdogPassesEventsThrough(t *testing.T) {
	src := newChanSource()
	w := Watch[int](src, time.Second, nil)
	defer w.Close()

	go func() {
		for i := 1; i <= 3; i++ {
			src.events <- i
		}
		close(src.events)
	}()

	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, err := w.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d, got %d", want, got)
		}
	}
	if _, err := w.Next(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected source EOF, got %v", err)
	}
	if _, err := w.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after EOF, got %v", err)
	}
}

func TestWatchdogFiresExactlyOnce(t *testing.T) {
	src := newChanSource()
	var fired atomic.Int32
	w := Watch[int](src, 30*time.Millisecond, func() { fired.Add(1) })
	defer w.Close()

	ctx := context.Background()
	_, err := w.Next(ctx)
	if !errors.Is(err, ErrInactivityTimeout) {
		t.Fatalf("expected inactivity timeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Timeout != 30*time.Millisecond {
		t.Fatalf("expected *TimeoutError carrying the timeout, got %v", err)
	}

	if _, err := w.Next(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on second Next, got %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("expected onTimeout once, got %d", n)
	}
	if src.closes.Load() == 0 {
		t.Fatalf("expected source to be closed on timeout")
	}
	if !w.TimedOut() {
		t.Fatalf("expected TimedOut to report true")
	}
}

func TestWatchdogRearmsOnEveryEvent(t *testing.T) {
	src := newChanSource()
	w := Watch[int](src, 80*time.Millisecond, nil)
	defer w.Close()

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(30 * time.Millisecond)
			src.events <- i
		}
	}()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := w.Next(ctx); err != nil {
			t.Fatalf("event %d: unexpected error %v", i, err)
		}
	}
	if _, err := w.Next(ctx); !errors.Is(err, ErrInactivityTimeout) {
		t.Fatalf("expected timeout once events stop, got %v", err)
	}
}

func TestWatchdogTimeoutBeforeNextIsStillReported(t *testing.T) {
	src := newChanSource()
	w := Watch[int](src, 10*time.Millisecond, nil)
	defer w.Close()

	time.Sleep(50 * time.Millisecond)
	if _, err := w.Next(context.Background()); !errors.Is(err, ErrInactivityTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestWatchdogCloseDoesNotFire(t *testing.T) {
	src := newChanSource()
	var fired atomic.Int32
	w := Watch[int](src, 20*time.Millisecond, func() { fired.Add(1) })

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_ = w.Close()
	time.Sleep(50 * time.Millisecond)

	if fired.Load() != 0 {
		t.Fatalf("expected no timeout after Close")
	}
	if _, err := w.Next(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestWatchdogHonoursCallerContext(t *testing.T) {
	src := newChanSource()
	w := Watch[int](src, time.Second, nil)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := w.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if w.TimedOut() {
		t.Fatalf("caller cancellation must not count as inactivity")
	}
}
