package reconcile

import (
	"sync"
	"testing"
)

func TestQueue_BoundedFIFO(t *testing.T) {
	q := NewQueue[int](2)
	if !q.TrySend(1) || !q.TrySend(2) {
		t.Fatalf("sends within capacity must succeed")
	}
	if q.TrySend(3) {
		t.Fatalf("send beyond capacity must fail")
	}
	var got []int
	if n := q.Drain(func(v int) { got = append(got, v) }); n != 2 {
		t.Fatalf("drained %d want 2", n)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("order: %v", got)
	}
	if _, ok := q.TryReceive(); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestQueue_ConcurrentProducer(t *testing.T) {
	q := NewQueue[int](1024)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			for !q.TrySend(i) {
			}
		}
	}()
	next := 0
	for next < 1000 {
		q.Drain(func(v int) {
			if v != next {
				t.Errorf("got %d want %d", v, next)
			}
			next++
		})
	}
	wg.Wait()
}
