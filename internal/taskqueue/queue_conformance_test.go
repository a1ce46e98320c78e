package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func runQueueConformance(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newQueue(t)) })
	t.Run("QueuesAreIsolated", func(t *testing.T) { testIsolation(t, newQueue(t)) })
	t.Run("DequeueBlocksUntilCancelled", func(t *testing.T) { testDequeueCancelled(t, newQueue(t)) })
	t.Run("DequeueWakesOnEnqueue", func(t *testing.T) { testDequeueWakes(t, newQueue(t)) })
	t.Run("NotBefore", func(t *testing.T) { testNotBefore(t, newQueue(t)) })
	t.Run("ExactlyOnceDelivery", func(t *testing.T) { testExactlyOnce(t, newQueue(t)) })
	t.Run("Ping", func(t *testing.T) {
		if err := newQueue(t).Ping(context.Background()); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}
	})
}

func testFIFO(t *testing.T, q Queue) {
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		task := Task{ID: id, Type: TaskTypeStartWorkflow, Queue: "q", WorkflowName: "wf", InstanceID: "inst-" + id}
		if err := q.Enqueue(ctx, task); err != nil {
			t.Fatalf("Enqueue %s failed: %v", id, err)
		}
	}

	if q.Len("q") != 3 {
		t.Fatalf("expected Len 3, got %d", q.Len("q"))
	}

	for _, want := range []string{"1", "2", "3"} {
		got, err := q.Dequeue(ctx, "q")
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if got.ID != want || got.InstanceID != "inst-"+want {
			t.Fatalf("unexpected dequeue order: got %q, want %q", got.ID, want)
		}
		if got.Type != TaskTypeStartWorkflow || got.Queue != "q" || got.WorkflowName != "wf" {
			t.Fatalf("task fields lost: %+v", got)
		}
		if got.Attempts != 1 {
			t.Fatalf("expected first delivery, got Attempts=%d", got.Attempts)
		}
		if got.EnqueuedAt.IsZero() {
			t.Fatalf("EnqueuedAt not set")
		}
		if err := q.Ack(ctx, got); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}

	if q.Len("q") != 0 {
		t.Fatalf("expected empty queue, got %d", q.Len("q"))
	}
}

func testIsolation(t *testing.T, q Queue) {
	ctx := context.Background()
	if err := q.Enqueue(ctx, Task{Type: TaskTypeCancelWorkflow, Queue: "a", InstanceID: "x", Reason: "stop"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(short, "b"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queue b must be empty, got %v", err)
	}

	got, err := q.Dequeue(ctx, "a")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if got.ID == "" {
		t.Fatalf("Enqueue must assign an ID")
	}
	if got.Type != TaskTypeCancelWorkflow || got.Reason != "stop" {
		t.Fatalf("unexpected task %+v", got)
	}
}

func testDequeueCancelled(t *testing.T, q Queue) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, "empty")
		done <- err
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Dequeue did not return after cancel")
	}
}

func testDequeueWakes(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *Task, 1)
	go func() {
		task, err := q.Dequeue(ctx, "late")
		if err == nil {
			got <- task
		}
		close(got)
	}()

	time.Sleep(30 * time.Millisecond)
	if err := q.Enqueue(ctx, Task{ID: "late-1", Type: TaskTypeStartWorkflow, Queue: "late"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	task, ok := <-got
	if !ok || task.ID != "late-1" {
		t.Fatalf("expected late-1, got %+v", task)
	}
}

func testNotBefore(t *testing.T, q Queue) {
	ctx := context.Background()
	delay := 200 * time.Millisecond

	if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTypeStartWorkflow, Queue: "d", NotBefore: time.Now().Add(delay)}); err != nil {
		t.Fatalf("Enqueue later failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTypeStartWorkflow, Queue: "d"}); err != nil {
		t.Fatalf("Enqueue now failed: %v", err)
	}

	start := time.Now()
	first, err := q.Dequeue(ctx, "d")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if first.ID != "now" {
		t.Fatalf("a due task must not wait behind a delayed one, got %q", first.ID)
	}

	second, err := q.Dequeue(ctx, "d")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if second.ID != "later" {
		t.Fatalf("expected later, got %q", second.ID)
	}
	if elapsed := time.Since(start); elapsed < delay-20*time.Millisecond {
		t.Fatalf("delayed task delivered too early (%v)", elapsed)
	}
}

func testExactlyOnce(t *testing.T, q Queue) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 40
	for i := 0; i < n; i++ {
		if err := q.Enqueue(ctx, Task{Type: TaskTypeStartWorkflow, Queue: "many"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				total := 0
				for _, c := range seen {
					total += c
				}
				mu.Unlock()
				if total >= n {
					return
				}

				dctx, dcancel := context.WithTimeout(ctx, 300*time.Millisecond)
				task, err := q.Dequeue(dctx, "many")
				dcancel()
				if err != nil {
					continue
				}
				_ = q.Ack(ctx, task)
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d distinct tasks, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("task %s delivered %d times", id, c)
		}
	}
}
