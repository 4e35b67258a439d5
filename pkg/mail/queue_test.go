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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/schedule-notifier/pkg/metrics"
	"github.com/carelink/schedule-notifier/pkg/system"
)

// MockNotifier fails with err until successAfter attempts have been made.
type MockNotifier struct {
	mu           sync.Mutex
	successAfter int
	err          error
	delay        time.Duration
	attempts     int
	lastNotice   *ScheduleChangeNotice
}

func (m *MockNotifier) Send(_ context.Context, notice *ScheduleChangeNotice) (*Outcome, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	m.lastNotice = notice

	if m.attempts > m.successAfter {
		return &Outcome{MessageID: fmt.Sprintf("<%d@test>", m.attempts)}, nil
	}
	if m.err != nil {
		return nil, m.err
	}
	return nil, newError(KindConnectivity, "simulated send failure", nil)
}

func (m *MockNotifier) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func testNotice() *ScheduleChangeNotice {
	return &ScheduleChangeNotice{
		Recipient:        "patient@example.com",
		PatientName:      "Jane Doe",
		DoctorName:       "Dr. Smith",
		PreviousSchedule: &Schedule{Day: "Monday", Date: "2024-06-10", Time: "09:00"},
		NewSchedule:      &Schedule{Day: "Wednesday", Date: "2024-06-12", Time: "14:30"},
	}
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	if err := q.Stop(context.Background()); err != nil {
		t.Errorf("failed to stop queue: %v", err)
	}
}

func TestQueue_Enqueue(t *testing.T) {
	notifier := &MockNotifier{}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxQueueSize: 10})
	queue.Start()
	defer stopQueue(t, queue)

	id, err := queue.Enqueue(testNotice())
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.Eventually(t, func() bool { return notifier.Attempts() == 1 }, time.Second, 10*time.Millisecond)
	notifier.mu.Lock()
	assert.Equal(t, "Jane Doe", notifier.lastNotice.PatientName)
	notifier.mu.Unlock()
}

func TestQueue_EnqueueMultiple(t *testing.T) {
	notifier := &MockNotifier{}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxQueueSize: 100})
	queue.Start()
	defer stopQueue(t, queue)

	ids := map[string]struct{}{}
	for range make([]struct{}, 5) {
		id, err := queue.Enqueue(testNotice())
		assert.NoError(t, err)
		ids[id] = struct{}{}
	}
	assert.Len(t, ids, 5, "item IDs must be unique")

	assert.Eventually(t, func() bool { return notifier.Attempts() == 5 }, time.Second, 10*time.Millisecond)
}

func TestQueue_EnqueueFull(t *testing.T) {
	notifier := &MockNotifier{successAfter: 1000}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxQueueSize: 1})
	// Worker not started, so the buffer stays full.
	defer stopQueue(t, queue)

	_, err1 := queue.Enqueue(testNotice())
	assert.NoError(t, err1, "first enqueue should succeed")

	_, err2 := queue.Enqueue(testNotice())
	require.Error(t, err2, "second enqueue should fail - queue is full")
	assert.Contains(t, err2.Error(), "queue is full")
}

func TestQueue_EnqueueWithoutRecipient(t *testing.T) {
	queue := NewQueue(&MockNotifier{}, system.NewTestLogger(), QueueConfig{MaxQueueSize: 10})
	defer stopQueue(t, queue)

	notice := testNotice()
	notice.Recipient = "   "
	_, err := queue.Enqueue(notice)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = queue.Enqueue(nil)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, queue.Length())
}

func TestQueue_RetriesConnectivityFailures(t *testing.T) {
	// Fails twice with a retryable error, succeeds on the third attempt.
	notifier := &MockNotifier{successAfter: 2}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 5, InitialBackoff: 20 * time.Millisecond, MaxQueueSize: 10})
	queue.Start()
	defer stopQueue(t, queue)

	_, err := queue.Enqueue(testNotice())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return notifier.Attempts() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 3, notifier.Attempts(), "no further attempts after success")
}

func TestQueue_DoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "authentication", err: newError(KindAuthentication, "535 rejected", nil)},
		{name: "envelope", err: newError(KindEnvelope, "550 no such user", nil)},
		{name: "validation", err: validationError("patient name required")},
		{name: "unclassified", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &MockNotifier{successAfter: 1000, err: tt.err}
			queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond, MaxQueueSize: 10})
			queue.Start()

			_, err := queue.Enqueue(testNotice())
			require.NoError(t, err)

			time.Sleep(200 * time.Millisecond)
			stopQueue(t, queue)
			assert.Equal(t, 1, notifier.Attempts())
		})
	}
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	notifier := &MockNotifier{successAfter: 1000}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, InitialBackoff: 5 * time.Millisecond, MaxQueueSize: 10})
	queue.Start()

	_, err := queue.Enqueue(testNotice())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return notifier.Attempts() == 3 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	stopQueue(t, queue)
	assert.Equal(t, 3, notifier.Attempts())
}

func TestQueue_Shutdown(t *testing.T) {
	queue := NewQueue(&MockNotifier{}, system.NewTestLogger(), QueueConfig{MaxRetries: 3, MaxQueueSize: 10})
	queue.Start()

	_, err := queue.Enqueue(testNotice())
	assert.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NoError(t, queue.Stop(ctx))
}

func TestQueue_ShutdownSendsBufferedNotices(t *testing.T) {
	notifier := &MockNotifier{delay: 100 * time.Millisecond}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, MaxQueueSize: 10})
	queue.Start()

	for range make([]struct{}, 5) {
		_, err := queue.Enqueue(testNotice())
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Stop(ctx))

	assert.Equal(t, 5, notifier.Attempts(), "every accepted notice gets a send attempt")
	assert.Zero(t, queue.Length())
}

func TestQueue_ShutdownCountsUnfinishedRetries(t *testing.T) {
	notifier := &MockNotifier{successAfter: 100}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{Name: "shutdown-retry", MaxRetries: 5, InitialBackoff: time.Hour, MaxQueueSize: 10})
	queue.Start()

	_, err := queue.Enqueue(testNotice())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return notifier.Attempts() == 1 }, time.Second, 10*time.Millisecond)

	before := testutil.ToFloat64(metrics.MailQueueDropped.WithLabelValues("shutdown-retry"))
	stopQueue(t, queue)

	assert.Equal(t, 2, notifier.Attempts(), "one final attempt at shutdown")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MailQueueDropped.WithLabelValues("shutdown-retry")))
}

func TestQueue_ShutdownTimeout(t *testing.T) {
	notifier := &MockNotifier{delay: 100 * time.Millisecond}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 10, MaxQueueSize: 100})
	queue.Start()

	for i := 0; i < 5; i++ {
		if _, err := queue.Enqueue(testNotice()); err != nil {
			t.Logf("failed to enqueue item %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Either finishes or reports the deadline.
	if err := queue.Stop(ctx); err != nil {
		assert.Equal(t, context.DeadlineExceeded, err)
	}
}

func TestQueue_CalculateBackoff(t *testing.T) {
	queue := NewQueue(&MockNotifier{}, system.NewTestLogger(), QueueConfig{MaxRetries: 5, InitialBackoff: 10 * time.Second, MaxQueueSize: 10})

	testCases := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second},
		{7, 640 * time.Second},
		{8, 1280 * time.Second},
		{9, 30 * time.Minute},
		{40, 30 * time.Minute},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("attempt-%d", tc.attempt), func(t *testing.T) {
			assert.Equal(t, tc.expected, queue.calculateBackoff(tc.attempt))
		})
	}
}

func TestQueue_Length(t *testing.T) {
	notifier := &MockNotifier{}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxRetries: 3, MaxQueueSize: 10})

	assert.Equal(t, 0, queue.Length())

	_, err := queue.Enqueue(testNotice())
	assert.NoError(t, err)
	assert.Equal(t, 1, queue.Length())

	_, err = queue.Enqueue(testNotice())
	assert.NoError(t, err)
	assert.Equal(t, 2, queue.Length())

	queue.Start()
	defer stopQueue(t, queue)

	assert.Eventually(t, func() bool { return queue.Length() == 0 && notifier.Attempts() == 2 }, time.Second, 10*time.Millisecond)
}

func TestQueue_Defaults(t *testing.T) {
	queue := NewQueue(&MockNotifier{}, system.NewTestLogger(), QueueConfig{})
	assert.Equal(t, "default", queue.name)
	assert.Equal(t, 5, queue.maxRetries)
	assert.Equal(t, 10*time.Second, queue.initialBackoff)
	assert.Equal(t, 1000, queue.maxQueueSize)
}

func TestQueue_SendRateLimit(t *testing.T) {
	notifier := &MockNotifier{}
	queue := NewQueue(notifier, system.NewTestLogger(), QueueConfig{MaxQueueSize: 10, SendRate: 10, SendBurst: 1})
	queue.Start()
	defer stopQueue(t, queue)

	start := time.Now()
	for range make([]struct{}, 3) {
		_, err := queue.Enqueue(testNotice())
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return notifier.Attempts() == 3 }, 2*time.Second, 5*time.Millisecond)
	// Burst 1 at 10/s spaces the second and third send by ~100ms each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestQueue_EnqueueAfterShutdown(t *testing.T) {
	queue := NewQueue(&MockNotifier{}, system.NewTestLogger(), QueueConfig{MaxQueueSize: 10})
	queue.Start()
	require.NoError(t, queue.Stop(context.Background()))

	_, err := queue.Enqueue(testNotice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutting down")
}
