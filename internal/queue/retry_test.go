package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
)

func fixedRandom(value float64) func() float64 {
	return func() float64 { return value }
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Jitter: 0.25, random: fixedRandom(0.5)}

	cases := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempt, want := range cases {
		if got := policy.Backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %s, got %s", attempt, want, got)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	low := RetryPolicy{BaseDelay: 4 * time.Second, MaxDelay: time.Minute, Jitter: 0.25, random: fixedRandom(0)}
	high := low
	high.random = fixedRandom(1)

	if got := low.Backoff(1); got != 3*time.Second {
		t.Fatalf("expected -25%% jitter to give 3s, got %s", got)
	}
	if got := high.Backoff(1); got != 5*time.Second {
		t.Fatalf("expected +25%% jitter to give 5s, got %s", got)
	}

	capped := RetryPolicy{BaseDelay: time.Minute, MaxDelay: time.Minute, Jitter: 0.25, random: fixedRandom(1)}
	if got := capped.Backoff(3); got != time.Minute {
		t.Fatalf("jitter must not exceed the cap, got %s", got)
	}
}

func TestDecideByErrorKind(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2}
	ctx := context.Background()
	retryable := domain.Errorf(domain.KindTimeout, "ffmpeg timed out")
	terminal := domain.Errorf(domain.KindInvalidInput, "corrupt container")

	cases := []struct {
		name    string
		attempt int
		err     error
		want    outcome
	}{
		{"success", 0, nil, outcomeAcked},
		{"retryable first failure", 0, retryable, outcomeRetried},
		{"retryable within budget", 1, retryable, outcomeRetried},
		{"retryable budget exhausted", 2, retryable, outcomeFailed},
		{"terminal kind", 0, terminal, outcomeFailed},
		{"untagged error", 0, errors.New("boom"), outcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := policy.decide(ctx, domain.QueueMessage{JobID: "j", Attempt: tc.attempt}, tc.err)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if got := policy.decide(cancelled, domain.QueueMessage{}, retryable); got != outcomeAbandoned {
		t.Fatalf("expected shutdown to abandon the message, got %s", got)
	}
}
