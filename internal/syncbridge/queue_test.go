package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testEvent(table, id string) ChangeEvent {
	return ChangeEvent{
		RecordID:        id,
		Table:           table,
		Kind:            ChangeUpdate,
		Payload:         map[string]any{"name": "Ana"},
		Source:          StoreLegacy,
		DetectedAt:      time.Now().UTC(),
		OriginTimestamp: time.Now().UTC(),
	}
}

func TestQueueAppliesOperation(t *testing.T) {
	var mu sync.Mutex
	applied := []string{}
	q := NewSyncQueue(QueueOptions{
		Workers: 2,
		Apply: func(_ context.Context, op SyncOperation) error {
			mu.Lock()
			applied = append(applied, op.Event.RecordID)
			mu.Unlock()
			return nil
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	opID, err := q.Enqueue(testEvent("patients", "p1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if opID == "" {
		t.Fatal("expected operation id")
	}

	waitFor(t, 2*time.Second, func() bool {
		return q.Stats().Successful == 1
	})
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 || applied[0] != "p1" {
		t.Fatalf("applied = %v", applied)
	}
}

func TestQueueRejectsInvalidEvent(t *testing.T) {
	q := NewSyncQueue(QueueOptions{})
	if _, err := q.Enqueue(ChangeEvent{Table: "patients"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestQueueSerializesSameRecord(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[string]int{}
	maxInFlight := 0
	order := []int{}

	q := NewSyncQueue(QueueOptions{
		Workers: 8,
		Apply: func(_ context.Context, op SyncOperation) error {
			key := op.Event.Key()
			mu.Lock()
			inFlight[key]++
			if inFlight[key] > maxInFlight {
				maxInFlight = inFlight[key]
			}
			seq, _ := op.Event.Payload["seq"].(int)
			order = append(order, seq)
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			inFlight[key]--
			mu.Unlock()
			return nil
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	const n = 20
	for i := 0; i < n; i++ {
		ev := testEvent("patients", "p1")
		ev.Payload = map[string]any{"seq": i}
		if _, err := q.Enqueue(ev); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitFor(t, 5*time.Second, func() bool {
		return q.Stats().Successful == n
	})

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("maxInFlight = %d, want 1", maxInFlight)
	}
	for i, seq := range order {
		if seq != i {
			t.Fatalf("order[%d] = %d, operations reordered: %v", i, seq, order)
		}
	}
}

func TestQueueInterleavesDistinctRecords(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	q := NewSyncQueue(QueueOptions{
		Workers: 2,
		Apply: func(_ context.Context, op SyncOperation) error {
			if op.Event.RecordID == "slow" {
				<-block
			}
			return nil
		},
	})
	q.Start()
	defer q.Stop(time.Second)
	defer once.Do(func() { close(block) })

	if _, err := q.Enqueue(testEvent("patients", "slow")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(testEvent("patients", "fast")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The fast record must complete while the slow one is still blocked.
	waitFor(t, 2*time.Second, func() bool {
		return q.Stats().Successful == 1
	})
	once.Do(func() { close(block) })
	waitFor(t, 2*time.Second, func() bool {
		return q.Stats().Successful == 2
	})
}

func TestQueueRetriesThenParks(t *testing.T) {
	attempts := 0
	var mu sync.Mutex
	q := NewSyncQueue(QueueOptions{
		Workers:        1,
		MaxAttempts:    3,
		RetryBaseDelay: 5 * time.Millisecond,
		Apply: func(_ context.Context, _ SyncOperation) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return fmt.Errorf("write failed")
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	opID, err := q.Enqueue(testEvent("appointments", "a1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return q.Stats().Parked == 1
	})

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	op, ok := q.Operation(opID)
	if !ok {
		t.Fatal("parked operation not found")
	}
	if op.State != OpParked {
		t.Fatalf("state = %s, want parked", op.State)
	}
	if op.AttemptCount != 3 {
		t.Fatalf("attemptCount = %d, want 3", op.AttemptCount)
	}
	if stats := q.Stats(); stats.Failed != 3 {
		t.Fatalf("failed = %d, want 3", stats.Failed)
	}
}

func TestQueueParksOnPendingResolution(t *testing.T) {
	q := NewSyncQueue(QueueOptions{
		Workers: 1,
		Apply: func(_ context.Context, _ SyncOperation) error {
			return fmt.Errorf("%w: resolution abc", ErrResolutionPending)
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	opID, err := q.Enqueue(testEvent("patients", "p9"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return q.Stats().Parked == 1
	})

	op, _ := q.Operation(opID)
	if op.AttemptCount != 0 {
		t.Fatalf("attemptCount = %d, pending resolutions must not burn attempts", op.AttemptCount)
	}
	if !op.ResolutionPending {
		t.Fatal("parked operation not flagged as resolution pending")
	}
	if q.Stats().Failed != 0 {
		t.Fatalf("failed = %d, want 0", q.Stats().Failed)
	}
}

func TestQueueRequeueParked(t *testing.T) {
	var mu sync.Mutex
	fail := true
	q := NewSyncQueue(QueueOptions{
		Workers:        1,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		Apply: func(_ context.Context, _ SyncOperation) error {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return fmt.Errorf("transient")
			}
			return nil
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	opID, err := q.Enqueue(testEvent("patients", "p2"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Parked == 1 })

	mu.Lock()
	fail = false
	mu.Unlock()
	if err := q.RequeueParked(opID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Successful == 1 })
	if q.Stats().Parked != 0 {
		t.Fatalf("parked = %d after requeue", q.Stats().Parked)
	}

	if err := q.RequeueParked("missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestQueueDiscardParked(t *testing.T) {
	q := NewSyncQueue(QueueOptions{
		Workers:        1,
		MaxAttempts:    1,
		RetryBaseDelay: time.Millisecond,
		Apply: func(_ context.Context, _ SyncOperation) error {
			return fmt.Errorf("nope")
		},
	})
	q.Start()
	defer q.Stop(time.Second)

	opID, _ := q.Enqueue(testEvent("patients", "p3"))
	waitFor(t, 2*time.Second, func() bool { return q.Stats().Parked == 1 })

	if err := q.DiscardParked(opID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if q.Stats().Parked != 0 {
		t.Fatal("parked operation still present after discard")
	}
	if err := q.DiscardParked(opID); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("err = %v, want ErrRecordNotFound", err)
	}
}

func TestQueueHistoryBounded(t *testing.T) {
	q := NewSyncQueue(QueueOptions{
		Workers:      2,
		HistoryLimit: 5,
		Apply:        func(context.Context, SyncOperation) error { return nil },
	})
	q.Start()
	defer q.Stop(time.Second)

	for i := 0; i < 12; i++ {
		if _, err := q.Enqueue(testEvent("patients", fmt.Sprintf("p%d", i))); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	waitFor(t, 3*time.Second, func() bool { return q.Stats().Successful == 12 })
	if history := q.History(); len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
}
