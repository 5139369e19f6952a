package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	p := NewWorkerPool(2)

	var current, peak atomic.Int32
	var done atomic.Int32
	for i := 0; i < 8; i++ {
		p.Submit(context.Background(), func(ctx context.Context) {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			current.Add(-1)
			done.Add(1)
		})
	}
	p.Wait()

	if done.Load() != 8 {
		t.Errorf("Expected 8 jobs to run, got %d", done.Load())
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent jobs, saw %d", peak.Load())
	}
	if running, queued := p.Stats(); running != 0 || queued != 0 {
		t.Errorf("Expected idle pool, got running=%d queued=%d", running, queued)
	}
}

func TestWorkerPool_CancelledJobsStillRun(t *testing.T) {
	p := NewWorkerPool(1)

	block := make(chan struct{})
	p.Submit(context.Background(), func(ctx context.Context) { <-block })

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var sawErr error
	p.Submit(ctx, func(ctx context.Context) {
		mu.Lock()
		sawErr = ctx.Err()
		mu.Unlock()
	})

	cancel()
	// The cancelled job must not wait for the blocked slot
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		got := sawErr
		mu.Unlock()
		if got != nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Cancelled job never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(block)
	p.Wait()

	if sawErr != context.Canceled {
		t.Errorf("Expected context.Canceled, got %v", sawErr)
	}
}
