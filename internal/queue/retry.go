package queue

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 10 * time.Minute
	defaultJitter     = 0.25
)

var messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "converter_queue_messages_total",
	Help: "Units of work handled by the queue, by backend and outcome.",
}, []string{"backend", "outcome"})

// RetryPolicy decides whether a failed unit of work is retried and after how long.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter is the relative spread applied to every delay, 0.25 means ±25%.
	Jitter float64

	random func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Jitter:     defaultJitter,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = defaultJitter
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	return p
}

// Backoff is the delay before retry number attempt (1-based): base*2^(attempt-1), capped, jittered.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	delay = math.Min(delay, float64(p.MaxDelay))
	delay *= 1 + p.Jitter*(2*p.random()-1)
	return time.Duration(math.Min(delay, float64(p.MaxDelay)))
}

type outcome string

const (
	outcomeAcked     outcome = "acked"
	outcomeRetried   outcome = "retried"
	outcomeFailed    outcome = "failed"
	outcomeAbandoned outcome = "abandoned"
)

// decide classifies a handler result. A message whose handler was cut short by
// shutdown is abandoned so the backend can deliver it again later.
func (p RetryPolicy) decide(ctx context.Context, message domain.QueueMessage, err error) outcome {
	if err == nil {
		return outcomeAcked
	}
	if ctx.Err() != nil {
		return outcomeAbandoned
	}
	if domain.IsRetryable(err) && message.Attempt < p.normalized().MaxRetries {
		return outcomeRetried
	}
	return outcomeFailed
}
