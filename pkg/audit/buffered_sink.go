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

package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/schedule-notifier/pkg/metrics"
)

// BufferedSinkConfig configures a BufferedSink.
type BufferedSinkConfig struct {
	// QueueSize bounds the number of events waiting for the wrapped sink.
	// Default: 1000
	QueueSize int

	// WriteTimeout bounds a single write to the wrapped sink.
	// Default: 5s
	WriteTimeout time.Duration

	// PauseAfter is the number of consecutive failures after which new
	// events are dropped for PauseFor.
	// Default: 5
	PauseAfter int

	// Default: 30s
	PauseFor time.Duration
}

// BufferedSink hands events to a slower sink from a background worker so a
// dispatch never waits on it. Events are dropped, never blocked, when the
// buffer is full or the sink is paused after repeated failures.
type BufferedSink struct {
	sink   Sink
	queue  chan *Event
	cfg    BufferedSinkConfig
	logger *zap.Logger

	written          atomic.Int64
	dropped          atomic.Int64
	consecutiveFails atomic.Int32
	pausedUntil      atomic.Int64 // unix nanos

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewBufferedSink starts a worker draining events into sink.
func NewBufferedSink(sink Sink, cfg BufferedSinkConfig, logger *zap.Logger) *BufferedSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PauseAfter <= 0 {
		cfg.PauseAfter = 5
	}
	if cfg.PauseFor <= 0 {
		cfg.PauseFor = 30 * time.Second
	}

	b := &BufferedSink{
		sink:   sink,
		queue:  make(chan *Event, cfg.QueueSize),
		cfg:    cfg,
		logger: logger.Named("buffered-sink").With(zap.String("sink", sink.Name())),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Write enqueues event without blocking.
func (b *BufferedSink) Write(_ context.Context, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("buffered sink %s is closed", b.sink.Name())
	}
	if until := b.pausedUntil.Load(); until != 0 && time.Now().UnixNano() < until {
		b.drop(event, "paused")
		return nil
	}

	select {
	case b.queue <- event:
	default:
		b.drop(event, "queue_full")
	}
	return nil
}

func (b *BufferedSink) drop(event *Event, reason string) {
	b.dropped.Add(1)
	metrics.AuditEventsDropped.WithLabelValues(b.sink.Name(), reason).Inc()
	b.logger.Debug("dropping audit event",
		zap.String("reason", reason),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)))
}

func (b *BufferedSink) run() {
	defer close(b.done)
	for event := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
		err := b.sink.Write(ctx, event)
		cancel()

		if err == nil {
			b.written.Add(1)
			b.consecutiveFails.Store(0)
			b.pausedUntil.Store(0)
			continue
		}

		fails := b.consecutiveFails.Add(1)
		b.logger.Error("failed to write audit event",
			zap.String("event_id", event.ID),
			zap.Error(err),
			zap.Int32("consecutive_fails", fails))

		if int(fails) >= b.cfg.PauseAfter {
			b.pausedUntil.Store(time.Now().Add(b.cfg.PauseFor).UnixNano())
			b.consecutiveFails.Store(0)
			b.logger.Warn("pausing audit sink after repeated failures", zap.Duration("pause", b.cfg.PauseFor))
		}
	}
}

// Pending returns the number of events waiting for the wrapped sink.
func (b *BufferedSink) Pending() int {
	return len(b.queue)
}

// Stats returns the number of events written and dropped so far.
func (b *BufferedSink) Stats() (written, dropped int64) {
	return b.written.Load(), b.dropped.Load()
}

// Close drains the buffer, then closes the wrapped sink.
func (b *BufferedSink) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	<-b.done
	return b.sink.Close()
}

// Name returns the wrapped sink's name.
func (b *BufferedSink) Name() string {
	return b.sink.Name()
}
