package queue_test

import (
	"sync"
	"testing"

	"buildline/internal/queue"
)

func TestQueueFIFO(t *testing.T) {
	q := queue.New[int]()
	for i := 1; i <= 3; i++ {
		q.Put(i)
	}
	for i := 1; i <= 3; i++ {
		v, ok := q.Get()
		if !ok || v != i {
			t.Fatalf("got %d ok=%v, want %d", v, ok, i)
		}
	}
}

func TestQueueCloseDrainsThenStops(t *testing.T) {
	q := queue.New[string]()
	q.Put("a")
	q.Close()
	v, ok := q.Get()
	if !ok || v != "a" {
		t.Fatalf("got %q ok=%v", v, ok)
	}
	if _, ok := q.Get(); ok {
		t.Fatal("closed empty queue must report ok=false")
	}
	q.Put("late")
	if q.Len() != 0 {
		t.Fatal("put after close must be dropped")
	}
}

func TestQueueCloseWakesBlockedConsumer(t *testing.T) {
	q := queue.New[int]()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, ok := q.Get(); ok {
			t.Error("expected ok=false after close")
		}
	}()
	q.Close()
	wg.Wait()
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := queue.New[int]()
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Put(v)
		}(i)
	}
	wg.Wait()
	if q.Len() != n {
		t.Fatalf("len = %d, want %d", q.Len(), n)
	}
}
