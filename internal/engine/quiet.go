package engine

import (
	"sync"
	"time"

	"github.com/xiaot623/gogo/runner/internal/domain"
)

// StatusSource supplies the reassurance text sent during quiet periods.
type StatusSource interface {
	Next(kind domain.RunKind, phase domain.Phase) string
}

// RotatingStatus cycles through fixed phrases per kind.
type RotatingStatus struct {
	mu      sync.Mutex
	next    map[domain.RunKind]int
	phrases map[domain.RunKind][]string
}

// NewRotatingStatus returns the default StatusSource.
func NewRotatingStatus() *RotatingStatus {
	return &RotatingStatus{
		next:    make(map[domain.RunKind]int),
		phrases: map[domain.RunKind][]string{
			domain.RunKindResearch: {
				"Still researching, reading sources",
				"Cross-checking what we found",
				"Digging through recent coverage",
				"Pulling the findings together",
			},
			domain.RunKindLetter: {
				"Still drafting your letter",
				"Working on the wording",
				"Polishing the final paragraphs",
			},
		},
	}
}

func (s *RotatingStatus) Next(kind domain.RunKind, phase domain.Phase) string {
	if phase == domain.PhaseBackgroundPolling {
		return "Still working in the background"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.phrases[kind]
	if len(list) == 0 {
		return "Still working"
	}
	i := s.next[kind] % len(list)
	s.next[kind] = i + 1
	return list[i]
}

// quietTimer calls fire whenever period elapses without a touch.
type quietTimer struct {
	period time.Duration
	fire   func()
	touch  chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func startQuietTimer(period time.Duration, fire func()) *quietTimer {
	q := &quietTimer{
		period: period,
		fire:   fire,
		touch:  make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	if period > 0 {
		go q.loop()
	}
	return q
}

func (q *quietTimer) loop() {
	t := time.NewTimer(q.period)
	defer t.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-q.touch:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(q.period)
		case <-t.C:
			q.fire()
			t.Reset(q.period)
		}
	}
}

// Touch restarts the quiet period.
func (q *quietTimer) Touch() {
	select {
	case q.touch <- struct{}{}:
	default:
	}
}

func (q *quietTimer) Stop() {
	q.once.Do(func() { close(q.stop) })
}
