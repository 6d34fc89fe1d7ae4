package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestFor(t *testing.T) {
	cfg := DefaultConfig()

	var counter int64
	n := 1000

	For(n, func(_ int) {
		atomic.AddInt64(&counter, 1)
	}, cfg)

	if counter != int64(n) {
		t.Errorf("Expected %d, got %d", n, counter)
	}
}

func TestForRangeCoversEveryIndexOnce(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 3, MinChunkSize: 2}
	seen := make([]int32, 17)

	var mu sync.Mutex
	chunks := 0
	ForRange(len(seen), func(start, end int) {
		mu.Lock()
		chunks++
		mu.Unlock()
		for i := start; i < end; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
	}, cfg)

	for i, v := range seen {
		if v != 1 {
			t.Errorf("index %d visited %d times", i, v)
		}
	}
	if chunks < 2 {
		t.Errorf("expected work to be split, got %d chunk(s)", chunks)
	}
}

func TestFor_Sequential(t *testing.T) {
	calls := 0
	ForRange(100, func(start, end int) {
		calls++
		if start != 0 || end != 100 {
			t.Errorf("unexpected chunk [%d, %d)", start, end)
		}
	}, Sequential())
	if calls != 1 {
		t.Errorf("Expected a single chunk, got %d", calls)
	}
}

func TestFor_Empty(t *testing.T) {
	For(0, func(_ int) {
		t.Fatal("must not be called")
	}, DefaultConfig())
}
