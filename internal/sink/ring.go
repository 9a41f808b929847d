package sink

// ring is a fixed-capacity buffer that overwrites its oldest item when full.
// It is not safe for concurrent use; Sink guards it.
type ring[T any] struct {
	data  []T
	head  int
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{data: make([]T, capacity)}
}

func (r *ring[T]) push(item T) {
	tail := (r.head + r.count) % len(r.data)
	r.data[tail] = item
	if r.count == len(r.data) {
		r.head = (r.head + 1) % len(r.data)
		return
	}
	r.count++
}

// items returns the buffered items, oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}
