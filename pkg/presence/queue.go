package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/metrics"
	"github.com/kabili207/phone-presence-server/pkg/models"
)

// WriteKind tells the drain which table an item belongs to.
type WriteKind string

const (
	KindPresence WriteKind = "presence"
	KindMessage  WriteKind = "message"
)

// WriteItem is one pending durable write.
type WriteItem struct {
	Kind       WriteKind
	Presence   models.PresenceRecord
	Message    models.StatusMessageRecord
	EnqueuedAt time.Time
}

// Durable is the persistence backend behind the store.
type Durable interface {
	LoadAll(ctx context.Context) ([]models.PresenceRecord, []models.StatusMessageRecord, error)
	UpsertPresence(ctx context.Context, records []models.PresenceRecord) error
	UpsertStatusMessages(ctx context.Context, records []models.StatusMessageRecord) error
}

// PersistenceError wraps a failed batch write. The batch has already been
// put back at the head of the queue.
type PersistenceError struct {
	Size int
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("presence: writing batch of %d: %v", e.Size, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// WriteQueue is a multi-producer FIFO drained in bounded batches by a single
// consumer.
type WriteQueue struct {
	mu    sync.Mutex
	items []WriteItem

	// drainMu serializes batch processing so that a requeued batch is always
	// retried before anything behind it
	drainMu sync.Mutex

	wake      chan struct{}
	writer    Durable
	batchSize int
	interval  time.Duration
	log       *slog.Logger
}

func newWriteQueue(writer Durable, batchSize int, interval time.Duration, log *slog.Logger) *WriteQueue {
	return &WriteQueue{
		wake:      make(chan struct{}, 1),
		writer:    writer,
		batchSize: batchSize,
		interval:  interval,
		log:       log,
	}
}

// Enqueue appends an item and wakes the drain loop.
func (q *WriteQueue) Enqueue(item WriteItem) {
	q.mu.Lock()
	q.items = append(q.items, item)
	n := len(q.items)
	q.mu.Unlock()
	metrics.WriteQueueDepth.Set(float64(n))

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending items.
func (q *WriteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WriteQueue) take() []WriteItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(q.batchSize, len(q.items))
	batch := make([]WriteItem, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

func (q *WriteQueue) requeue(batch []WriteItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(batch, q.items...)
}

// ProcessBatch writes at most one batch. It returns the number of items
// written; on failure the batch goes back to the front of the queue.
func (q *WriteQueue) ProcessBatch(ctx context.Context) (int, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	batch := q.take()
	if len(batch) == 0 {
		return 0, nil
	}

	var presence []models.PresenceRecord
	var messages []models.StatusMessageRecord
	for _, item := range batch {
		switch item.Kind {
		case KindPresence:
			presence = append(presence, item.Presence)
		case KindMessage:
			messages = append(messages, item.Message)
		}
	}

	err := q.write(ctx, presence, messages)
	if err != nil {
		q.requeue(batch)
		metrics.WriteBatches.WithLabelValues("failed").Inc()
		metrics.WriteQueueDepth.Set(float64(q.Len()))
		return 0, &PersistenceError{Size: len(batch), Err: err}
	}

	metrics.WriteBatches.WithLabelValues("ok").Inc()
	metrics.WriteQueueDepth.Set(float64(q.Len()))
	q.log.Debug("wrote batch", "presence", len(presence), "messages", len(messages))
	return len(batch), nil
}

func (q *WriteQueue) write(ctx context.Context, presence []models.PresenceRecord, messages []models.StatusMessageRecord) error {
	if len(presence) > 0 {
		if err := q.writer.UpsertPresence(ctx, presence); err != nil {
			return err
		}
	}
	if len(messages) > 0 {
		if err := q.writer.UpsertStatusMessages(ctx, messages); err != nil {
			return err
		}
	}
	return nil
}

// Flush drains the whole queue without pausing between batches. It stops at
// the first failure, leaving the failed batch queued.
func (q *WriteQueue) Flush(ctx context.Context) (int, error) {
	total := 0
	for q.Len() > 0 {
		n, err := q.ProcessBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Run blocks until the queue is non-empty, writes one batch, waits the
// configured interval and repeats. It returns when ctx is done; remaining
// items stay queued for Flush.
func (q *WriteQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for q.Len() > 0 {
			if _, err := q.ProcessBatch(ctx); err != nil {
				q.log.Error("durable write failed, batch requeued", "error", err, "queue_length", q.Len())
			}

			t := time.NewTimer(q.interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}
