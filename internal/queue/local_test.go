package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Jitter: 0.25}
}

type failureRecorder struct {
	mu       sync.Mutex
	messages []domain.QueueMessage
	causes   []error
	done     chan struct{}
}

func newFailureRecorder() *failureRecorder {
	return &failureRecorder{done: make(chan struct{}, 8)}
}

func (r *failureRecorder) handle(_ context.Context, message domain.QueueMessage, cause error) {
	r.mu.Lock()
	r.messages = append(r.messages, message)
	r.causes = append(r.causes, cause)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *failureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestLocalQueueRetriesRetryableErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewLocalQueue(8, fastPolicy(3), logger.Nop())
	var calls atomic.Int32
	succeeded := make(chan struct{}, 1)
	handler := func(_ context.Context, message domain.QueueMessage) error {
		if calls.Add(1) < 3 {
			return domain.Errorf(domain.KindToolFailure, "exit status 1")
		}
		if message.Attempt != 2 {
			t.Errorf("expected third delivery to carry attempt 2, got %d", message.Attempt)
		}
		succeeded <- struct{}{}
		return nil
	}
	failures := newFailureRecorder()
	go q.Consume(ctx, handler, failures.handle)

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "job-1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitSignal(t, succeeded, "successful retry")

	if failures.count() != 0 || q.DLQSize() != 0 {
		t.Fatalf("a recovered message must not reach the failure handler or DLQ")
	}
}

func TestLocalQueueExhaustedBudgetFailsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewLocalQueue(8, fastPolicy(2), logger.Nop())
	var calls atomic.Int32
	handler := func(context.Context, domain.QueueMessage) error {
		calls.Add(1)
		return domain.Errorf(domain.KindTimeout, "attempt %d timed out", calls.Load())
	}
	failures := newFailureRecorder()
	go q.Consume(ctx, handler, failures.handle)

	if err := q.Enqueue(ctx, domain.QueueMessage{JobID: "job-2"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitSignal(t, failures.done, "failure handler")
	time.Sleep(20 * time.Millisecond)

	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 1 delivery plus 2 retries, got %d", got)
	}
	if failures.count() != 1 {
		t.Fatalf("expected failure handler exactly once, got %d", failures.count())
	}
	if domain.KindOf(failures.causes[0]) != domain.KindTimeout {
		t.Fatalf("unexpected cause %v", failures.causes[0])
	}
	letters := q.DeadLetters()
	if len(letters) != 1 || letters[0].Message.JobID != "job-2" || letters[0].Message.Attempt != 2 {
		t.Fatalf("expected one dead letter for job-2 at attempt 2, got %+v", letters)
	}
}

func TestLocalQueueTerminalErrorSkipsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewLocalQueue(8, fastPolicy(5), logger.Nop())
	var calls atomic.Int32
	handler := func(context.Context, domain.QueueMessage) error {
		calls.Add(1)
		return domain.Errorf(domain.KindInvalidInput, "password required")
	}
	failures := newFailureRecorder()
	go q.Consume(ctx, handler, failures.handle)

	_ = q.Enqueue(ctx, domain.QueueMessage{JobID: "job-3"})
	waitSignal(t, failures.done, "failure handler")
	q.WaitDelayed()

	if calls.Load() != 1 {
		t.Fatalf("terminal errors must not be retried, got %d calls", calls.Load())
	}
	if failures.messages[0].Attempt != 0 {
		t.Fatalf("expected attempt 0, got %d", failures.messages[0].Attempt)
	}
}

func TestLocalQueueAbandonsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	q := NewLocalQueue(8, fastPolicy(3), logger.Nop())
	handled := make(chan struct{})
	handler := func(context.Context, domain.QueueMessage) error {
		cancel()
		close(handled)
		return domain.Errorf(domain.KindTimeout, "interrupted")
	}
	failures := newFailureRecorder()
	consumeDone := make(chan error, 1)
	go func() { consumeDone <- q.Consume(ctx, handler, failures.handle) }()

	_ = q.Enqueue(context.Background(), domain.QueueMessage{JobID: "job-4"})
	waitSignal(t, handled, "handler")

	select {
	case err := <-consumeDone:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not stop")
	}
	if failures.count() != 0 || q.DLQSize() != 0 {
		t.Fatalf("shutdown must not fail the message")
	}
}
