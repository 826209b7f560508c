package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/converter-saas-back/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]domain.QueueMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalMessages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func conversionMessage(jobID string, tool domain.ToolType, op domain.OperationType, at time.Time) domain.QueueMessage {
	return domain.QueueMessage{JobID: jobID, ToolType: tool, Operation: op, RequestedAt: at}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       8,
		FlushInterval:      20 * time.Millisecond,
		FlushTimeout:       1 * time.Second,
		QueueCapacity:      64,
		MaxInFlightBatches: 2,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			message := conversionMessage(
				fmt.Sprintf("job-%d", index),
				domain.ToolAudio,
				domain.OpConvert,
				time.Now().UTC().Add(time.Duration(index)*time.Millisecond),
			)
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if base.totalMessages() != 10 {
		t.Fatalf("expected 10 enqueued messages, got %d", base.totalMessages())
	}
	if base.batchCount() >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", base.batchCount())
	}
}

func TestBatchingProducerGroupsByToolAndOperation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  4,
		FlushInterval: time.Second,
		QueueCapacity: 16,
	})
	defer batcher.Close()

	start := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	messages := []domain.QueueMessage{
		conversionMessage("v1", domain.ToolVideo, domain.OpTrim, start),
		conversionMessage("a1", domain.ToolAudio, domain.OpConvert, start.Add(time.Millisecond)),
		conversionMessage("v2", domain.ToolVideo, domain.OpTrim, start.Add(2*time.Millisecond)),
		conversionMessage("a2", domain.ToolAudio, domain.OpConvert, start.Add(3*time.Millisecond)),
	}

	var wg sync.WaitGroup
	for _, message := range messages {
		wg.Add(1)
		go func(message domain.QueueMessage) {
			defer wg.Done()
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(message)
	}
	wg.Wait()

	if base.batchCount() != 1 {
		t.Fatalf("expected a single full batch, got %d", base.batchCount())
	}
	got := base.batches[0]
	want := []string{"a1", "a2", "v1", "v2"}
	for i, id := range want {
		if got[i].JobID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].JobID)
		}
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:       1,
		FlushInterval:      200 * time.Millisecond,
		FlushTimeout:       2 * time.Second,
		QueueCapacity:      1,
		MaxInFlightBatches: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(),
			conversionMessage("job-first", domain.ToolImage, domain.OpConvert, time.Now().UTC()))
	}()

	// Allow the internal loop to start flushing and block on base producer.
	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(),
			conversionMessage("job-second", domain.ToolImage, domain.OpConvert, time.Now().UTC()))
	}()

	time.Sleep(10 * time.Millisecond)

	thirdErr := batcher.Enqueue(context.Background(),
		conversionMessage("job-third", domain.ToolImage, domain.OpConvert, time.Now().UTC()))
	if thirdErr != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", thirdErr)
	}

	close(base.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first enqueue failed unexpectedly: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second enqueue failed unexpectedly: %v", err)
	}
}

func TestBatchingProducerRejectsAfterClose(t *testing.T) {
	batcher := NewBatchingProducer(context.Background(), &recordingBatchProducer{}, BatchingConfig{})
	batcher.Close()

	err := batcher.Enqueue(context.Background(), conversionMessage("late", domain.ToolAudio, domain.OpTrim, time.Now()))
	if err != ErrBatchingClosed {
		t.Fatalf("expected ErrBatchingClosed, got %v", err)
	}
}

func TestBatchingProducerWritesDuplicateJobOnce(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
		QueueCapacity: 8,
	})
	defer batcher.Close()

	now := time.Now().UTC()
	messages := []domain.QueueMessage{
		conversionMessage("job-1", domain.ToolDocument, domain.OpMerge, now),
		conversionMessage("job-1", domain.ToolDocument, domain.OpMerge, now.Add(time.Millisecond)),
		conversionMessage("job-2", domain.ToolDocument, domain.OpMerge, now.Add(2*time.Millisecond)),
	}
	var wg sync.WaitGroup
	for _, message := range messages {
		wg.Add(1)
		go func(message domain.QueueMessage) {
			defer wg.Done()
			if err := batcher.Enqueue(context.Background(), message); err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(message)
	}
	wg.Wait()

	if base.batchCount() != 1 || base.totalMessages() != 2 {
		t.Fatalf("expected one batch with two distinct jobs, got %v", base.batches)
	}
}
