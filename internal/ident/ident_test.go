package ident

import (
	"sync"
	"testing"
	"time"
)

func TestCounterStartsAtOne(t *testing.T) {
	c := NewCounter()
	if got := c.Next(); got != 1 {
		t.Fatalf("expected first id 1, got %d", got)
	}
	if got := c.Next(); got != 2 {
		t.Fatalf("expected second id 2, got %d", got)
	}
	if got := c.Peek(); got != 3 {
		t.Fatalf("expected peek 3, got %d", got)
	}
}

func TestCounterSeedNeverMovesBackwards(t *testing.T) {
	c := NewCounter()
	c.Seed(10)
	if got := c.Next(); got != 10 {
		t.Fatalf("expected 10 after seed, got %d", got)
	}
	c.Seed(3)
	if got := c.Next(); got != 11 {
		t.Fatalf("seed moved counter backwards: got %d", got)
	}
}

func TestCounterConcurrentUnique(t *testing.T) {
	c := NewCounter()
	const workers, per = 8, 500
	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*per)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, per)
			prev := uint64(0)
			for j := 0; j < per; j++ {
				id := c.Next()
				if id <= prev {
					t.Errorf("ids not increasing within goroutine: %d after %d", id, prev)
				}
				prev = id
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != workers*per {
		t.Fatalf("expected %d ids, got %d", workers*per, len(seen))
	}
}

func TestNowMillis(t *testing.T) {
	before := time.Now().UnixMilli()
	got := NowMillis()
	after := time.Now().UnixMilli()
	if got < before || got > after {
		t.Fatalf("NowMillis %d outside [%d,%d]", got, before, after)
	}
}
