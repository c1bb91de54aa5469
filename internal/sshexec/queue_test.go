package sshexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestQueueSerialisesPerCluster records start/end timestamps from a stubbed
// operation and verifies no two operations on one cluster ever overlap.
func TestQueueSerialisesPerCluster(t *testing.T) {
	q := NewQueue()

	type span struct{ start, end time.Time }
	var mu sync.Mutex
	var spans []span

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
				s := span{start: time.Now()}
				time.Sleep(5 * time.Millisecond)
				s.end = time.Now()
				mu.Lock()
				spans = append(spans, s)
				mu.Unlock()
				return "", nil
			})
		}()
	}
	wg.Wait()

	if len(spans) != 8 {
		t.Fatalf("expected 8 operations, got %d", len(spans))
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			a, b := spans[i], spans[j]
			if a.start.Before(b.end) && b.start.Before(a.end) {
				t.Fatalf("operations %d and %d overlapped", i, j)
			}
		}
	}
}

func TestQueueFIFOWithinCluster(t *testing.T) {
	q := NewQueue()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// Block the queue so subsequent ops pile up in enqueue order.
	release := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
			<-release
			return "", nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
				mu.Lock()
				order = append(order, n)
				mu.Unlock()
				return "", nil
			})
		}(i)
		time.Sleep(10 * time.Millisecond) // establish enqueue order
	}

	close(release)
	wg.Wait()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("FIFO order violated: %v", order)
		}
	}
}

func TestQueueClustersRunInParallel(t *testing.T) {
	q := NewQueue()

	started := make(chan string, 2)
	proceed := make(chan struct{})
	var wg sync.WaitGroup

	for _, cluster := range []string{"gemini", "apollo"} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			q.Do(context.Background(), c, func(ctx context.Context) (string, error) {
				started <- c
				<-proceed
				return "", nil
			})
		}(cluster)
	}

	// Both must start even though neither has finished.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("clusters did not run in parallel")
		}
	}
	close(proceed)
	wg.Wait()
}

func TestQueueFailureDoesNotPoison(t *testing.T) {
	q := NewQueue()

	boom := errors.New("non-zero exit")
	if _, err := q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
		return "", boom
	}); !errors.Is(err, boom) {
		t.Fatalf("caller should see the failure, got %v", err)
	}

	out, err := q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || out != "ok" {
		t.Fatalf("queue poisoned after failure: (%q, %v)", out, err)
	}
}

func TestQueueCancelledWaiterKeepsChain(t *testing.T) {
	q := NewQueue()

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
			<-release
			return "", nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Do(ctx, "gemini", func(ctx context.Context) (string, error) {
		return "", fmt.Errorf("should not run")
	}); err == nil {
		t.Fatal("cancelled waiter should error")
	}

	close(release)
	wg.Wait()

	// A later operation must still run once the head finishes.
	out, err := q.Do(context.Background(), "gemini", func(ctx context.Context) (string, error) {
		return "after", nil
	})
	if err != nil || out != "after" {
		t.Fatalf("chain broken after cancellation: (%q, %v)", out, err)
	}
}
