package queue

import (
	"context"

	"github.com/iago/converter-saas-back/internal/domain"
)

// Handler runs one unit of work. Errors tagged retryable re-enter the backoff policy.
type Handler func(ctx context.Context, message domain.QueueMessage) error

// FailureHandler is told once about a unit of work that will not be retried again.
type FailureHandler func(ctx context.Context, message domain.QueueMessage, cause error)

// Producer sends conversion units of work to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives units of work and executes handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler, onFailure FailureHandler) error
}

type Queue interface {
	Producer
	Consumer
	Ping(ctx context.Context) error
}
