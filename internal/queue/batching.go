package queue

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iago/converter-saas-back/internal/domain"
	"github.com/iago/converter-saas-back/internal/logger"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: enqueue buffer is full")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

var (
	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "converter_queue_batch_size",
		Help:    "Units of work written to the backend per flush.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})
	batchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "converter_queue_batch_rejections_total",
		Help: "Submissions the batching producer refused before reaching the backend.",
	}, []string{"reason"})
)

type BatchingConfig struct {
	MaxBatchSize       int
	FlushInterval      time.Duration
	FlushTimeout       time.Duration
	QueueCapacity      int
	MaxInFlightBatches int
	Logger             *logger.Logger
}

func (c BatchingConfig) withDefaults() BatchingConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 32
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 3 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.MaxInFlightBatches <= 0 {
		c.MaxInFlightBatches = 4
	}
	if c.Logger == nil {
		c.Logger = logger.Nop()
	}
	return c
}

type batchWriter interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

type pendingEnqueue struct {
	ctx     context.Context
	message domain.QueueMessage
	result  chan error
}

func (p pendingEnqueue) resolve(err error) {
	p.result <- err
}

// BatchingProducer groups submissions that arrive close together into one backend
// write and rejects new ones with ErrQueueBackpressure once its buffer is full.
// The same job submitted twice within one flush is written once.
type BatchingProducer struct {
	base   Producer
	writer batchWriter
	cfg    BatchingConfig
	log    *logger.Logger

	in        chan pendingEnqueue
	inFlight  chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	cfg = cfg.withDefaults()
	b := &BatchingProducer{
		base:     base,
		cfg:      cfg,
		log:      cfg.Logger.Named("batching"),
		in:       make(chan pendingEnqueue, cfg.QueueCapacity),
		inFlight: make(chan struct{}, cfg.MaxInFlightBatches),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if writer, ok := base.(batchWriter); ok {
		b.writer = writer
	}
	go b.collect(parent.Done())
	return b
}

func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		batchRejections.WithLabelValues("closed").Inc()
		return ErrBatchingClosed
	default:
	}

	request := pendingEnqueue{ctx: ctx, message: message, result: make(chan error, 1)}
	select {
	case b.in <- request:
	case <-b.done:
		batchRejections.WithLabelValues("closed").Inc()
		return ErrBatchingClosed
	default:
		batchRejections.WithLabelValues("backpressure").Inc()
		return ErrQueueBackpressure
	}

	select {
	case err := <-request.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes what is already buffered and stops accepting submissions.
func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

// collect accumulates submissions until the batch is full or FlushInterval has
// passed since the first one arrived.
func (b *BatchingProducer) collect(parentDone <-chan struct{}) {
	defer close(b.done)

	var pending []pendingEnqueue
	timer := time.NewTimer(b.cfg.FlushInterval)
	timer.Stop()
	defer timer.Stop()

	flush := func(final bool) {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		b.flush(batch, final)
	}

	for {
		select {
		case <-parentDone:
			flush(true)
			return
		case <-b.stop:
			flush(true)
			return
		case <-timer.C:
			flush(false)
		case request := <-b.in:
			if err := request.ctx.Err(); err != nil {
				request.resolve(err)
				continue
			}
			pending = append(pending, request)
			switch {
			case len(pending) >= b.cfg.MaxBatchSize:
				timer.Stop()
				flush(false)
			case len(pending) == 1:
				timer.Reset(b.cfg.FlushInterval)
			}
		}
	}
}

func (b *BatchingProducer) flush(batch []pendingEnqueue, final bool) {
	live := batch[:0]
	for _, request := range batch {
		if err := request.ctx.Err(); err != nil {
			request.resolve(err)
			continue
		}
		live = append(live, request)
	}
	if len(live) == 0 {
		return
	}

	// Same tool and operation end up adjacent; within a key, request time is kept.
	slices.SortStableFunc(live, func(left, right pendingEnqueue) int {
		return cmp.Or(
			cmp.Compare(left.message.ToolType, right.message.ToolType),
			cmp.Compare(left.message.Operation, right.message.Operation),
			left.message.RequestedAt.Compare(right.message.RequestedAt),
		)
	})

	messages := make([]domain.QueueMessage, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, request := range live {
		if _, dup := seen[request.message.JobID]; dup {
			continue
		}
		seen[request.message.JobID] = struct{}{}
		messages = append(messages, request.message)
	}

	ctx := context.Background()
	if !final {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.FlushTimeout)
		defer cancel()
	}

	err := b.write(ctx, messages)
	if err != nil {
		b.log.Warn("batch flush failed", "messages", len(messages), "error", err)
	}
	for _, request := range live {
		request.resolve(err)
	}
}

func (b *BatchingProducer) write(ctx context.Context, messages []domain.QueueMessage) error {
	select {
	case b.inFlight <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.inFlight }()

	batchSize.Observe(float64(len(messages)))
	if b.writer != nil {
		return b.writer.EnqueueBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := b.base.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}
