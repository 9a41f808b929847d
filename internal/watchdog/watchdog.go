// Package watchdog enforces an inactivity deadline on a pull-based event source.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrInactivityTimeout is matched by every timeout raised by a Watchdog.
var ErrInactivityTimeout = errors.New("stream inactivity timeout")

// ErrClosed is returned by Next after the watchdog or its source has finished.
var ErrClosed = errors.New("watchdog closed")

// TimeoutError reports how long the source stayed silent.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no stream event for %s", e.Timeout)
}

// Is makes errors.Is(err, ErrInactivityTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrInactivityTimeout
}

// Source is any asynchronous source of discrete events.
type Source[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

type item[T any] struct {
	value T
	err   error
}

// Watchdog wraps a Source. The deadline is re-armed on every event consumed;
// if it lapses, Next returns a *TimeoutError exactly once, onTimeout runs,
// and the source is closed. A Watchdog is bound to one source: wrap each new
// stream in a fresh instance.
type Watchdog[T any] struct {
	src       Source[T]
	timeout   time.Duration
	onTimeout func()

	items    chan item[T]
	timedOut chan struct{}
	cancel   context.CancelFunc

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	fired    bool
	reported bool
	finished bool

	closeOnce sync.Once
}

// Watch starts consuming src and arms the first deadline.
func Watch[T any](src Source[T], timeout time.Duration, onTimeout func()) *Watchdog[T] {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watchdog[T]{
		src:       src,
		timeout:   timeout,
		onTimeout: onTimeout,
		items:     make(chan item[T]),
		timedOut:  make(chan struct{}),
		cancel:    cancel,
	}
	w.arm()
	go w.pump(ctx)
	return w
}

func (w *Watchdog[T]) pump(ctx context.Context) {
	defer close(w.items)
	for {
		v, err := w.src.Next(ctx)
		select {
		case w.items <- item[T]{value: v, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// arm replaces the timer handle. The previous handle is stopped first and a
// late callback from it is ignored by its generation.
func (w *Watchdog[T]) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fired || w.finished {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = time.AfterFunc(w.timeout, func() { w.fire(gen) })
}

func (w *Watchdog[T]) fire(gen uint64) {
	w.mu.Lock()
	if w.fired || w.finished || gen != w.gen {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()

	close(w.timedOut)
	w.cancel()
	_ = w.src.Close()
	if w.onTimeout != nil {
		w.onTimeout()
	}
}

// Next returns the next event, the source's error, or a *TimeoutError.
func (w *Watchdog[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-w.timedOut:
		return zero, w.timeoutErr()
	default:
	}

	select {
	case it, ok := <-w.items:
		if !ok {
			return zero, ErrClosed
		}
		if it.err != nil {
			if w.TimedOut() {
				return zero, w.timeoutErr()
			}
			w.stop()
			return zero, it.err
		}
		w.arm()
		return it.value, nil
	case <-w.timedOut:
		return zero, w.timeoutErr()
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// timeoutErr hands out the timeout error to exactly one caller.
func (w *Watchdog[T]) timeoutErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reported {
		return ErrClosed
	}
	w.reported = true
	return &TimeoutError{Timeout: w.timeout}
}

// TimedOut reports whether the deadline lapsed.
func (w *Watchdog[T]) TimedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

func (w *Watchdog[T]) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finished = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Close stops the deadline and closes the source. It is safe to call more than once.
func (w *Watchdog[T]) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		fired := w.fired
		w.mu.Unlock()
		w.stop()
		w.cancel()
		if !fired {
			err = w.src.Close()
		}
	})
	return err
}
