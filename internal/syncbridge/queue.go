package syncbridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApplyFunc performs one sync operation against the target store. Returning
// ErrResolutionPending parks the operation without burning retry attempts;
// any other error is retried with backoff.
type ApplyFunc func(ctx context.Context, op SyncOperation) error

type QueueOptions struct {
	Workers        int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	HistoryLimit   int
	Apply          ApplyFunc
	OnApplied      func(op SyncOperation)
	OnParked       func(op SyncOperation)
	OnFailed       func(op SyncOperation, err error)
	Logger         *slog.Logger
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
	Parked     int    `json:"parked"`
	Pending    int    `json:"pending"`
}

// SyncQueue buffers pending operations with FIFO-per-key ordering: operations
// for different records interleave freely across the worker pool, while
// operations for the same (table, recordId) are strictly serialized in
// detection order. A key stays claimed from dispatch until its operation
// reaches a terminal state, including across retry delays.
type SyncQueue struct {
	workers        int
	maxAttempts    int
	retryBaseDelay time.Duration
	historyLimit   int
	apply          ApplyFunc
	onApplied      func(op SyncOperation)
	onParked       func(op SyncOperation)
	onFailed       func(op SyncOperation, err error)
	logger         *slog.Logger

	mu         sync.Mutex
	ops        map[string]*SyncOperation
	keyActive  map[string]string
	keyWaiting map[string][]string
	parked     map[string]SyncOperation
	history    []SyncOperation
	total      uint64
	successful uint64
	failed     uint64

	ready  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSyncQueue(opts QueueOptions) *SyncQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	apply := opts.Apply
	if apply == nil {
		apply = func(context.Context, SyncOperation) error { return nil }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{
		workers:        opts.Workers,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		historyLimit:   opts.HistoryLimit,
		apply:          apply,
		onApplied:      opts.OnApplied,
		onParked:       opts.OnParked,
		onFailed:       opts.OnFailed,
		logger:         opts.Logger,
		ops:            map[string]*SyncOperation{},
		keyActive:      map[string]string{},
		keyWaiting:     map[string][]string{},
		parked:         map[string]SyncOperation{},
		ready:          make(chan string, 4096),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the worker pool. Idempotent.
func (q *SyncQueue) Start() {
	q.once.Do(func() {
		q.wg.Add(q.workers)
		for i := 0; i < q.workers; i++ {
			go func() {
				defer q.wg.Done()
				q.worker()
			}()
		}
	})
}

// Stop cancels workers and waits up to grace for in-flight operations.
func (q *SyncQueue) Stop(grace time.Duration) {
	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		q.logger.Warn("queue stop grace period elapsed with operations in flight")
	}
}

// Enqueue registers a change event as a pending operation and returns its ID.
func (q *SyncQueue) Enqueue(ev ChangeEvent) (string, error) {
	if ev.RecordID == "" || ev.Table == "" {
		return "", ErrInvalidInput
	}
	select {
	case <-q.ctx.Done():
		return "", ErrInvalidState
	default:
	}
	op := &SyncOperation{
		ID:         uuid.NewString(),
		Event:      ev,
		State:      OpPending,
		EnqueuedAt: time.Now().UTC(),
	}
	key := ev.Key()

	q.mu.Lock()
	q.ops[op.ID] = op
	q.total++
	if _, busy := q.keyActive[key]; busy {
		q.keyWaiting[key] = append(q.keyWaiting[key], op.ID)
		q.mu.Unlock()
		return op.ID, nil
	}
	q.keyActive[key] = op.ID
	q.mu.Unlock()
	q.dispatch(op.ID)
	return op.ID, nil
}

func (q *SyncQueue) dispatch(opID string) {
	select {
	case q.ready <- opID:
	default:
		go func() {
			select {
			case q.ready <- opID:
			case <-q.ctx.Done():
			}
		}()
	}
}

func (q *SyncQueue) worker() {
	for {
		select {
		case <-q.ctx.Done():
			return
		case opID := <-q.ready:
			q.process(opID)
		}
	}
}

func (q *SyncQueue) process(opID string) {
	q.mu.Lock()
	op, ok := q.ops[opID]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.State = OpProcessing
	snapshot := *op
	q.mu.Unlock()

	err := q.apply(q.ctx, snapshot)
	switch {
	case err == nil:
		q.finish(opID, OpApplied, "")
	case errors.Is(err, ErrResolutionPending):
		q.mu.Lock()
		if op, ok := q.ops[opID]; ok {
			op.ResolutionPending = true
		}
		q.mu.Unlock()
		q.finish(opID, OpParked, err.Error())
	default:
		q.retry(opID, err)
	}
}

func (q *SyncQueue) retry(opID string, cause error) {
	q.mu.Lock()
	op, ok := q.ops[opID]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.AttemptCount++
	op.LastError = cause.Error()
	q.failed++
	attempt := op.AttemptCount
	snapshot := *op
	q.mu.Unlock()

	if q.onFailed != nil {
		q.onFailed(snapshot, cause)
	}
	if attempt >= q.maxAttempts {
		q.finish(opID, OpParked, cause.Error())
		return
	}

	q.mu.Lock()
	op.State = OpFailed
	q.mu.Unlock()
	delay := q.retryBaseDelay * time.Duration(attempt)
	q.logger.Info("operation retry scheduled",
		"op", opID, "attempt", attempt, "delay", delay.String(), "error", cause)
	time.AfterFunc(delay, func() {
		select {
		case <-q.ctx.Done():
			return
		default:
		}
		q.mu.Lock()
		if op, ok := q.ops[opID]; ok {
			op.State = OpPending
		}
		q.mu.Unlock()
		q.dispatch(opID)
	})
}

// finish moves an operation to a terminal state, records it in bounded
// history, and hands the key to the next waiting operation.
func (q *SyncQueue) finish(opID string, state OperationState, lastError string) {
	q.mu.Lock()
	op, ok := q.ops[opID]
	if !ok {
		q.mu.Unlock()
		return
	}
	op.State = state
	op.FinishedAt = time.Now().UTC()
	if lastError != "" {
		op.LastError = lastError
	}
	terminal := *op
	delete(q.ops, opID)
	if state == OpApplied {
		q.successful++
	} else {
		q.parked[opID] = terminal
	}
	q.history = append(q.history, terminal)
	if len(q.history) > q.historyLimit {
		q.history = q.history[len(q.history)-q.historyLimit:]
	}

	key := op.Event.Key()
	var next string
	if waiting := q.keyWaiting[key]; len(waiting) > 0 {
		next = waiting[0]
		if len(waiting) == 1 {
			delete(q.keyWaiting, key)
		} else {
			q.keyWaiting[key] = waiting[1:]
		}
		q.keyActive[key] = next
	} else {
		delete(q.keyActive, key)
	}
	q.mu.Unlock()

	if next != "" {
		q.dispatch(next)
	}
	if state == OpApplied {
		if q.onApplied != nil {
			q.onApplied(terminal)
		}
	} else if q.onParked != nil {
		q.onParked(terminal)
	}
}

// RequeueParked puts a parked operation back through the queue, resetting its
// attempt budget. Used by the operator replay endpoint.
func (q *SyncQueue) RequeueParked(opID string) error {
	q.mu.Lock()
	op, ok := q.parked[opID]
	if !ok {
		q.mu.Unlock()
		return ErrRecordNotFound
	}
	delete(q.parked, opID)
	q.mu.Unlock()
	_, err := q.Enqueue(op.Event)
	return err
}

// DiscardParked drops a parked operation that was settled out of band, for
// example by a confirmed conflict resolution.
func (q *SyncQueue) DiscardParked(opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.parked[opID]; !ok {
		return ErrRecordNotFound
	}
	delete(q.parked, opID)
	return nil
}

// Operation reports an active or parked operation by ID.
func (q *SyncQueue) Operation(opID string) (SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op, ok := q.ops[opID]; ok {
		return *op, true
	}
	op, ok := q.parked[opID]
	return op, ok
}

// ParkedOperations lists operations awaiting operator attention.
func (q *SyncQueue) ParkedOperations() []SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncOperation, 0, len(q.parked))
	for _, op := range q.parked {
		out = append(out, op)
	}
	return out
}

// History returns the bounded terminal-operation history, newest last.
func (q *SyncQueue) History() []SyncOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncOperation(nil), q.history...)
}

func (q *SyncQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Total:      q.total,
		Successful: q.successful,
		Failed:     q.failed,
		Parked:     len(q.parked),
		Pending:    len(q.ops),
	}
}
