/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mail

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/carelink/schedule-notifier/pkg/metrics"
)

const maxRetryBackoff = 30 * time.Minute

// Notifier sends a single notice. *Dispatcher implements it.
type Notifier interface {
	Send(ctx context.Context, notice *ScheduleChangeNotice) (*Outcome, error)
}

// QueueConfig tunes a Queue. Zero values select defaults.
type QueueConfig struct {
	// Name labels queue metrics.
	Name           string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxQueueSize   int
	// SendRate caps sends per second towards the mail service.
	SendRate  float64
	SendBurst int
}

// QueueItem represents a single notice to be sent with retry information
type QueueItem struct {
	ID        string
	Notice    *ScheduleChangeNotice
	Attempt   int
	CreatedAt time.Time
	NextRetry time.Time
	Succeeded bool
	// Abandoned is set once the item failed with a non-retryable error.
	Abandoned bool
}

func (i *QueueItem) pending(maxRetries int) bool {
	return !i.Succeeded && !i.Abandoned && i.Attempt < maxRetries
}

// Queue sends notices asynchronously. Only retryable failures are retried.
type Queue struct {
	notifier       Notifier
	queue          chan *QueueItem
	log            *zap.SugaredLogger
	name           string
	maxRetries     int
	initialBackoff time.Duration
	maxQueueSize   int
	limiter        *rate.Limiter

	// mu orders Enqueue against Stop so nothing lands in queue after the
	// worker's final drain.
	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a new mail queue for asynchronous sending
func NewQueue(notifier Notifier, log *zap.SugaredLogger, cfg QueueConfig) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 10 * time.Second
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	limit := rate.Inf
	if cfg.SendRate > 0 {
		limit = rate.Limit(cfg.SendRate)
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}

	log = log.Named("mail-queue")
	log.Infow("Initializing mail queue",
		"maxRetries", cfg.MaxRetries,
		"initialBackoff", cfg.InitialBackoff,
		"maxQueueSize", cfg.MaxQueueSize,
		"sendRate", cfg.SendRate,
		"sendBurst", cfg.SendBurst)

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		notifier:       notifier,
		queue:          make(chan *QueueItem, cfg.MaxQueueSize),
		log:            log,
		name:           cfg.Name,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: cfg.InitialBackoff,
		maxQueueSize:   cfg.MaxQueueSize,
		limiter:        rate.NewLimiter(limit, cfg.SendBurst),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start begins the background worker for processing notices
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.worker()
	q.log.Info("Mail queue worker started")
}

// Enqueue adds a notice to the queue and returns its item ID.
func (q *Queue) Enqueue(notice *ScheduleChangeNotice) (string, error) {
	if notice == nil || strings.TrimSpace(notice.Recipient) == "" {
		metrics.MailQueueDropped.WithLabelValues(q.name).Inc()
		q.log.Errorw("Cannot enqueue notice without recipient")
		return "", validationError("recipient required")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		metrics.MailQueueDropped.WithLabelValues(q.name).Inc()
		return "", fmt.Errorf("queue is shutting down")
	}

	item := &QueueItem{
		ID:        uuid.NewString(),
		Notice:    notice,
		CreatedAt: time.Now(),
		NextRetry: time.Now(),
	}

	select {
	case q.queue <- item:
		metrics.MailQueued.WithLabelValues(q.name).Inc()
		q.log.Debugw("Notice queued for sending", "id", item.ID)
		return item.ID, nil
	default:
		metrics.MailQueueDropped.WithLabelValues(q.name).Inc()
		q.log.Errorw("Mail queue is full, dropping notice",
			"id", item.ID,
			"queueSize", q.maxQueueSize)
		return "", fmt.Errorf("mail queue is full (capacity: %d)", q.maxQueueSize)
	}
}

// worker processes items from the queue
func (q *Queue) worker() {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.log.Errorw("panic in mail queue worker recovered", "panic", r)
			metrics.MailFailed.WithLabelValues(q.name).Inc()
			// Restart the worker to maintain processing capacity
			q.wg.Add(1)
			go q.worker()
		}
	}()

	pendingItems := make([]*QueueItem, 0)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.log.Info("Mail queue worker shutting down")
			q.processPending(q.drain(pendingItems))
			return

		case item := <-q.queue:
			if item != nil {
				if !q.waitForSlot() {
					pendingItems = append(pendingItems, item)
					continue
				}
				q.processItem(item)
				if item.pending(q.maxRetries) {
					pendingItems = append(pendingItems, item)
				}
			}

		case <-ticker.C:
			now := time.Now()
			remainingPending := make([]*QueueItem, 0, len(pendingItems))
			for _, item := range pendingItems {
				if item.pending(q.maxRetries) && now.After(item.NextRetry) && q.waitForSlot() {
					q.processItem(item)
				}
				if item.pending(q.maxRetries) {
					remainingPending = append(remainingPending, item)
				}
			}
			pendingItems = remainingPending
		}
	}
}

// waitForSlot blocks on the send-rate limiter. It returns false when the
// queue is shutting down.
func (q *Queue) waitForSlot() bool {
	return q.limiter.Wait(q.ctx) == nil
}

// processItem attempts to send a notice and schedules a retry if the failure
// is retryable
func (q *Queue) processItem(item *QueueItem) {
	item.Attempt++

	q.log.Infow("Processing queued notice",
		"id", item.ID,
		"attempt", item.Attempt,
		"maxRetries", q.maxRetries)

	// The dispatcher applies its own send timeout; the queue context only
	// governs the worker lifecycle.
	outcome, err := q.notifier.Send(context.Background(), item.Notice)
	if err == nil {
		q.log.Infow("Queued notice sent successfully",
			"id", item.ID,
			"attempt", item.Attempt,
			"messageID", outcome.MessageID)
		item.Succeeded = true
		return
	}

	kind := KindOf(err)
	switch {
	case !kind.Retryable():
		item.Abandoned = true
		q.log.Errorw("Queued notice failed with non-retryable error",
			"id", item.ID,
			"attempt", item.Attempt,
			"kind", kind,
			"error", err)
		metrics.MailFailed.WithLabelValues(q.name).Inc()
	case item.Attempt < q.maxRetries:
		backoff := q.calculateBackoff(item.Attempt)
		item.NextRetry = time.Now().Add(backoff)
		q.log.Warnw("Notice send failed, scheduling retry",
			"id", item.ID,
			"attempt", item.Attempt,
			"kind", kind,
			"error", err,
			"retryIn", backoff.String(),
			"nextRetry", item.NextRetry.Format(time.RFC3339))
		metrics.MailRetryScheduled.WithLabelValues(q.name).Inc()
	default:
		q.log.Errorw("Notice send failed after all retries",
			"id", item.ID,
			"attempts", item.Attempt,
			"kind", kind,
			"error", err)
		metrics.MailFailed.WithLabelValues(q.name).Inc()
	}
}

// drain appends every item still buffered in the channel to items.
func (q *Queue) drain(items []*QueueItem) []*QueueItem {
	for {
		select {
		case item := <-q.queue:
			if item != nil {
				items = append(items, item)
			}
		default:
			return items
		}
	}
}

// processPending makes one final attempt for pending items on shutdown,
// bypassing the rate limiter. Items that still need a retry afterwards are
// counted as dropped.
func (q *Queue) processPending(items []*QueueItem) {
	q.log.Infow("Processing pending items on shutdown", "count", len(items))
	for _, item := range items {
		if !item.pending(q.maxRetries) {
			continue
		}
		q.processItem(item)
		if item.pending(q.maxRetries) {
			metrics.MailQueueDropped.WithLabelValues(q.name).Inc()
			q.log.Errorw("Dropping notice left for retry at shutdown",
				"id", item.ID,
				"attempts", item.Attempt)
		}
	}
}

// calculateBackoff doubles the initial backoff per attempt, capped at 30 minutes.
func (q *Queue) calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(q.initialBackoff) * math.Pow(2, float64(attempt-1)))
	if backoff > maxRetryBackoff || backoff <= 0 {
		backoff = maxRetryBackoff
	}
	return backoff
}

// Stop gracefully shuts down the queue and waits for the worker to finish
func (q *Queue) Stop(ctx context.Context) error {
	q.log.Info("Stopping mail queue")
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info("Mail queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.log.Warnw("Mail queue shutdown timeout, some items may not have been processed")
		return ctx.Err()
	}
}

// Length returns the current number of items waiting in the queue
func (q *Queue) Length() int {
	return len(q.queue)
}
