package sink

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLateSubscriberReplaysBoundedHistory(t *testing.T) {
	s := New[int](3)
	for i := 1; i <= 5; i++ {
		s.Publish(i)
	}

	var got []int
	cancel := s.Subscribe(func(v int) { got = append(got, v) }, nil)
	defer cancel()
	s.Publish(6)

	assert.Equal(t, []int{3, 4, 5, 6}, got)
	assert.Equal(t, []int{4, 5, 6}, s.History())
}

func TestCompleteNotifiesCurrentAndLateSubscribers(t *testing.T) {
	s := New[string](8)
	completes := 0
	s.Subscribe(func(string) {}, func() { completes++ })
	s.Publish("delta")
	s.Complete()
	s.Complete()

	assert.False(t, s.Publish("after"), "publish after complete must be rejected")
	assert.Equal(t, 1, completes)

	var replay []string
	lateDone := false
	s.Subscribe(func(v string) { replay = append(replay, v) }, func() { lateDone = true })
	assert.Equal(t, []string{"delta"}, replay)
	assert.True(t, lateDone)
	assert.Equal(t, 0, s.Subscribers())
}

func TestCancelStopsDelivery(t *testing.T) {
	s := New[int](4)
	count := 0
	cancel := s.Subscribe(func(int) { count++ }, nil)
	s.Publish(1)
	cancel()
	s.Publish(2)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, s.Subscribers())
}

func TestSubscribeChanReplaysThenStreams(t *testing.T) {
	s := New[int](4)
	s.Publish(1)
	s.Publish(2)

	ch, cancel := s.SubscribeChan(4)
	defer cancel()
	s.Publish(3)
	s.Complete()

	var got []int
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestSubscribeChanDropsSlowSubscriber(t *testing.T) {
	s := New[int](2)
	ch, cancel := s.SubscribeChan(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		s.Publish(i)
	}
	require.Equal(t, 0, s.Subscribers())

	n := 0
	for range ch {
		n++
	}
	assert.Less(t, n, 10)
}

func TestConcurrentPublishersKeepSubscribersConsistent(t *testing.T) {
	s := New[int](1024)
	var mu sync.Mutex
	var seen []int
	s.Subscribe(func(v int) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	}, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.Publish(g*100 + i)
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, seen, 400)
	assert.Equal(t, seen, s.History()[:400])
}
