package event

// ring keeps the most recent values up to a fixed capacity. A nil ring
// keeps nothing.
type ring[T any] struct {
	values []T
	next   int
	count  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		return nil
	}
	return &ring[T]{values: make([]T, capacity)}
}

func (r *ring[T]) push(value T) {
	if r == nil {
		return
	}
	r.values[r.next] = value
	r.next = (r.next + 1) % len(r.values)
	if r.count < len(r.values) {
		r.count++
	}
}

// last returns up to n values, oldest first. n <= 0 means all of them.
func (r *ring[T]) last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}
	start := r.next - n
	if start < 0 {
		start += len(r.values)
	}
	out := make([]T, n)
	for i := range out {
		out[i] = r.values[(start+i)%len(r.values)]
	}
	return out
}
