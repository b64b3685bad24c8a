package seckill

import (
	"sync"
	"testing"
)

func TestIDWorkerMonotonic(t *testing.T) {
	w := NewIDWorker()
	prev := w.Next()
	for i := 0; i < 5000; i++ {
		id := w.Next()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestIDWorkerUniqueUnderConcurrency(t *testing.T) {
	w := NewIDWorker()
	const (
		workers   = 4
		perWorker = 3000
	)

	var wg sync.WaitGroup
	out := make([][]int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ids := make([]int64, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				ids = append(ids, w.Next())
			}
			out[idx] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]struct{}, workers*perWorker)
	for _, ids := range out {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate id %d", id)
			}
			seen[id] = struct{}{}
		}
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("got %d ids, want %d", len(seen), workers*perWorker)
	}
}
