package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
)

const (
	defaultReadCount    = 10
	defaultBlockTimeout = 2 * time.Second
	promoteBatchSize    = 100
)

type StreamsConfig struct {
	Addr       string
	Password   string
	DB         int
	Stream     string
	DLQStream  string
	DelayedSet string
	Group      string
	Consumer   string
	// BlockTimeout bounds XREADGROUP, and therefore how late a delayed retry can be promoted.
	BlockTimeout time.Duration
	Retry        RetryPolicy
}

// StreamsQueue is a Queue backed by a Redis Streams consumer group.
// Delayed retries wait in a sorted set scored by their due time in unix milliseconds.
type StreamsQueue struct {
	client       *redis.Client
	stream       string
	dlqStream    string
	delayedSet   string
	group        string
	consumer     string
	blockTimeout time.Duration
	policy       RetryPolicy
	log          *logger.Logger
	now          func() time.Time
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, log *logger.Logger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := newStreamsQueue(client, cfg, log)
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func newStreamsQueue(client *redis.Client, cfg StreamsConfig, log *logger.Logger) *StreamsQueue {
	if cfg.Stream == "" {
		cfg.Stream = "converter_jobs"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.DelayedSet == "" {
		cfg.DelayedSet = cfg.Stream + "_delayed"
	}
	if cfg.Group == "" {
		cfg.Group = "converter_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	return &StreamsQueue{
		client:       client,
		stream:       cfg.Stream,
		dlqStream:    cfg.DLQStream,
		delayedSet:   cfg.DelayedSet,
		group:        cfg.Group,
		consumer:     cfg.Consumer,
		blockTimeout: cfg.BlockTimeout,
		policy:       cfg.Retry.normalized(),
		log:          log.Named("streams_queue").With("stream", cfg.Stream, "consumer", cfg.Consumer),
		now:          time.Now,
	}
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error {
	if len(messages) == 0 {
		return nil
	}
	pipeline := q.client.Pipeline()
	for _, message := range messages {
		pipeline.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: streamValues(message)})
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue batch to stream: %w", err)
	}
	return nil
}

// EnqueueAt parks message in the delayed set until at.
func (q *StreamsQueue) EnqueueAt(ctx context.Context, message domain.QueueMessage, at time.Time) error {
	member, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode delayed message: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.delayedSet, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("schedule delayed message: %w", err)
	}
	return nil
}

// Consume first drains this consumer's own pending entries, left behind by a
// previous shutdown, then reads new entries.
func (q *StreamsQueue) Consume(ctx context.Context, handler Handler, onFailure FailureHandler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	backlog := true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := q.promoteDue(ctx); err != nil {
			q.log.Warn("promote delayed messages failed", "error", err)
		}

		start, block := ">", q.blockTimeout
		if backlog {
			start, block = "0", -1
		}
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, start},
			Count:    defaultReadCount,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				backlog = false
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		delivered := 0
		for _, stream := range streams {
			for _, item := range stream.Messages {
				delivered++
				q.handle(ctx, item, handler, onFailure)
			}
		}
		if backlog && delivered == 0 {
			backlog = false
		}
	}
}

func (q *StreamsQueue) handle(ctx context.Context, item redis.XMessage, handler Handler, onFailure FailureHandler) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.log.Error("dropping malformed stream entry", "stream_id", item.ID, "error", parseErr)
		q.sendToDLQ(ctx, domain.QueueMessage{}, item.ID, parseErr.Error())
		q.ackAndDelete(ctx, item.ID)
		return
	}

	err := handler(ctx, message)
	result := q.policy.decide(ctx, message, err)
	messagesTotal.WithLabelValues("redis", string(result)).Inc()

	switch result {
	case outcomeAcked:
		q.ackAndDelete(ctx, item.ID)
	case outcomeAbandoned:
		// Left pending; picked up from the backlog on the next start.
		q.log.Warn("message abandoned on shutdown", "job_id", message.JobID, "stream_id", item.ID)
	case outcomeRetried:
		message.Attempt++
		delay := q.policy.Backoff(message.Attempt)
		if scheduleErr := q.EnqueueAt(ctx, message, q.now().Add(delay)); scheduleErr != nil {
			q.log.Error("schedule retry failed", "job_id", message.JobID, "error", scheduleErr)
			if onFailure != nil {
				onFailure(ctx, message, err)
			}
			q.sendToDLQ(ctx, message, item.ID, fmt.Sprintf("requeue failed: %v", scheduleErr))
		} else {
			q.log.Info("retrying message",
				"job_id", message.JobID,
				"attempt", message.Attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err,
			)
		}
		q.ackAndDelete(ctx, item.ID)
	case outcomeFailed:
		if onFailure != nil {
			onFailure(ctx, message, err)
		}
		q.sendToDLQ(ctx, message, item.ID, err.Error())
		q.ackAndDelete(ctx, item.ID)
	}
}

// promoteDue moves due delayed messages onto the stream. ZREM decides which
// consumer wins a member, so each message is promoted once.
func (q *StreamsQueue) promoteDue(ctx context.Context) error {
	members, err := q.client.ZRangeByScore(ctx, q.delayedSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: promoteBatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("read delayed set: %w", err)
	}

	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedSet, member).Result()
		if err != nil {
			return fmt.Errorf("claim delayed message: %w", err)
		}
		if removed == 0 {
			continue
		}
		var message domain.QueueMessage
		if err := json.Unmarshal([]byte(member), &message); err != nil {
			q.log.Error("dropping malformed delayed message", "member", member, "error", err)
			continue
		}
		if err := q.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		q.log.Warn("xack failed", "stream_id", streamID, "error", err)
		return
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		q.log.Warn("xdel failed", "stream_id", streamID, "error", err)
	}
}

func (q *StreamsQueue) sendToDLQ(ctx context.Context, message domain.QueueMessage, streamID, errorMessage string) {
	values := streamValues(message)
	values["stream_id"] = streamID
	values["error"] = errorMessage
	values["moved_at"] = q.now().UTC().Format(time.RFC3339Nano)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Err(); err != nil {
		q.log.Error("send to dlq failed", "job_id", message.JobID, "error", err)
	}
}

func streamValues(message domain.QueueMessage) map[string]any {
	return map[string]any{
		"job_id":         message.JobID,
		"tool_type":      string(message.ToolType),
		"operation_type": string(message.Operation),
		"attempt":        message.Attempt,
		"requested_at":   message.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.QueueMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	if jobID == "" {
		return domain.QueueMessage{}, errors.New("empty job_id")
	}
	toolType, err := getString("tool_type")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	operation, err := getString("operation_type")
	if err != nil {
		return domain.QueueMessage{}, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.QueueMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.QueueMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.QueueMessage{
		JobID:       jobID,
		ToolType:    domain.ToolType(toolType),
		Operation:   domain.OperationType(operation),
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
