package reconcile

// Queue is a bounded FIFO between the game and physics goroutines. Neither side
// ever blocks: producers TrySend and count the failure, consumers TryReceive
// until empty once per tick.
type Queue[T any] struct {
	ch chan T
}

func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

func (q *Queue[T]) TrySend(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

func (q *Queue[T]) TryReceive() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Drain hands every queued item to fn in FIFO order and returns the count.
func (q *Queue[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.TryReceive()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

func (q *Queue[T]) Len() int { return len(q.ch) }
func (q *Queue[T]) Cap() int { return cap(q.ch) }
