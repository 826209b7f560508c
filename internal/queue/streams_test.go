package queue

import (
	"context"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
)

func TestStreamValuesRoundTrip(t *testing.T) {
	requested := time.Date(2026, 5, 1, 12, 30, 0, 123, time.UTC)
	message := domain.QueueMessage{
		JobID:       "job-1",
		ToolType:    domain.ToolDocument,
		Operation:   domain.OpDeletePages,
		Attempt:     2,
		RequestedAt: requested,
	}

	values := streamValues(message)
	// Redis hands every field back as a string.
	wire := make(map[string]any, len(values))
	for key, value := range values {
		switch casted := value.(type) {
		case int:
			wire[key] = strconv.Itoa(casted)
		default:
			wire[key] = casted
		}
	}

	parsed, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: wire})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.JobID != "job-1" || parsed.ToolType != domain.ToolDocument || parsed.Operation != domain.OpDeletePages ||
		parsed.Attempt != 2 || !parsed.RequestedAt.Equal(requested) {
		t.Fatalf("unexpected message %+v", parsed)
	}
}

func TestParseStreamMessageRejectsMalformed(t *testing.T) {
	cases := map[string]map[string]any{
		"missing job":     {"tool_type": "audio", "operation_type": "convert", "attempt": "0", "requested_at": "2026-05-01T00:00:00Z"},
		"empty job":       {"job_id": "", "tool_type": "audio", "operation_type": "convert", "attempt": "0", "requested_at": "2026-05-01T00:00:00Z"},
		"bad attempt":     {"job_id": "j", "tool_type": "audio", "operation_type": "convert", "attempt": "x", "requested_at": "2026-05-01T00:00:00Z"},
		"bad timestamp":   {"job_id": "j", "tool_type": "audio", "operation_type": "convert", "attempt": "0", "requested_at": "yesterday"},
		"missing op type": {"job_id": "j", "tool_type": "audio", "attempt": "0", "requested_at": "2026-05-01T00:00:00Z"},
	}
	for name, values := range cases {
		if _, err := parseStreamMessage(redis.XMessage{ID: "1-0", Values: values}); err == nil {
			t.Fatalf("%s: expected parse error", name)
		}
	}
}

func setupRedis(t *testing.T) string {
	t.Helper()
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("set TEST_INTEGRATION=1 to run redis integration tests")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return endpoint
}

func TestStreamsQueueRetryAndDeadLetter(t *testing.T) {
	addr := setupRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	q, err := NewStreamsQueue(ctx, StreamsConfig{
		Addr:         addr,
		Stream:       "test_jobs",
		Group:        "test_workers",
		Consumer:     "test-1",
		BlockTimeout: 100 * time.Millisecond,
		Retry:        fastPolicy(1),
	}, logger.Nop())
	if err != nil {
		t.Fatalf("new streams queue: %v", err)
	}
	defer q.Close()

	var flakyCalls atomic.Int32
	recovered := make(chan struct{}, 1)
	handler := func(_ context.Context, message domain.QueueMessage) error {
		switch message.JobID {
		case "flaky":
			if flakyCalls.Add(1) == 1 {
				return domain.Errorf(domain.KindStorage, "bucket unavailable")
			}
			recovered <- struct{}{}
			return nil
		default:
			return domain.Errorf(domain.KindUnsupported, "no codec")
		}
	}
	failures := newFailureRecorder()

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	go q.Consume(consumeCtx, handler, failures.handle)

	now := time.Now().UTC()
	if err := q.EnqueueBatch(ctx, []domain.QueueMessage{
		{JobID: "flaky", ToolType: domain.ToolAudio, Operation: domain.OpConvert, RequestedAt: now},
		{JobID: "broken", ToolType: domain.ToolImage, Operation: domain.OpConvert, RequestedAt: now},
	}); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}

	waitSignal(t, recovered, "delayed retry")
	waitSignal(t, failures.done, "failure handler")

	if failures.count() != 1 || failures.messages[0].JobID != "broken" {
		t.Fatalf("expected only the terminal message to fail, got %+v", failures.messages)
	}
	dlqLen, err := q.client.XLen(ctx, "test_jobs_dlq").Result()
	if err != nil || dlqLen != 1 {
		t.Fatalf("expected one dead letter, got %d (%v)", dlqLen, err)
	}
	delayed, err := q.client.ZCard(ctx, "test_jobs_delayed").Result()
	if err != nil || delayed != 0 {
		t.Fatalf("expected the delayed set to be drained, got %d (%v)", delayed, err)
	}
}
