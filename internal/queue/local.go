package queue

import (
	"context"
	"sync"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
)

// DeadLetter is a unit of work that exhausted its retries or failed terminally.
type DeadLetter struct {
	Message domain.QueueMessage
	Error   string
	MovedAt time.Time
}

// LocalQueue is the in-process fallback used when Redis is not configured.
// Pending and delayed messages are lost when the process exits.
type LocalQueue struct {
	ch     chan domain.QueueMessage
	policy RetryPolicy
	log    *logger.Logger

	delayed sync.WaitGroup

	dlqMu sync.Mutex
	dlq   []DeadLetter
}

func NewLocalQueue(bufferSize int, policy RetryPolicy, log *logger.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if log == nil {
		log = logger.Nop()
	}
	return &LocalQueue{
		ch:     make(chan domain.QueueMessage, bufferSize),
		policy: policy.normalized(),
		log:    log.Named("local_queue"),
		dlq:    make([]DeadLetter, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	for _, message := range messages {
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *LocalQueue) Ping(context.Context) error {
	return nil
}

// Consume may be called from several goroutines; each message goes to one of them.
func (q *LocalQueue) Consume(ctx context.Context, handler Handler, onFailure FailureHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			q.handle(ctx, message, handler, onFailure)
		}
	}
}

func (q *LocalQueue) handle(ctx context.Context, message domain.QueueMessage, handler Handler, onFailure FailureHandler) {
	err := handler(ctx, message)
	result := q.policy.decide(ctx, message, err)
	messagesTotal.WithLabelValues("local", string(result)).Inc()

	switch result {
	case outcomeAcked:
	case outcomeAbandoned:
		q.log.Warn("message abandoned on shutdown", "job_id", message.JobID, "attempt", message.Attempt)
	case outcomeRetried:
		message.Attempt++
		delay := q.policy.Backoff(message.Attempt)
		q.log.Info("retrying message",
			"job_id", message.JobID,
			"attempt", message.Attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		q.schedule(ctx, message, delay)
	case outcomeFailed:
		if onFailure != nil {
			onFailure(ctx, message, err)
		}
		q.deadLetter(message, err)
	}
}

func (q *LocalQueue) schedule(ctx context.Context, message domain.QueueMessage, delay time.Duration) {
	q.delayed.Add(1)
	go func() {
		defer q.delayed.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case <-ctx.Done():
			// Lost at shutdown; the reclaimer enqueues the job again once it is stale.
		case q.ch <- message:
		}
	}()
}

func (q *LocalQueue) deadLetter(message domain.QueueMessage, err error) {
	q.dlqMu.Lock()
	q.dlq = append(q.dlq, DeadLetter{Message: message, Error: err.Error(), MovedAt: time.Now().UTC()})
	q.dlqMu.Unlock()
	q.log.Warn("local queue moved message to DLQ", "job_id", message.JobID, "attempt", message.Attempt, "error", err)
}

// WaitDelayed blocks until every scheduled retry has been handed back to the channel or dropped.
func (q *LocalQueue) WaitDelayed() {
	q.delayed.Wait()
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

func (q *LocalQueue) DeadLetters() []DeadLetter {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return append([]DeadLetter(nil), q.dlq...)
}

func (q *LocalQueue) Len() int {
	return len(q.ch)
}
