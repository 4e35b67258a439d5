// SPDX-FileCopyrightText: 2026 CareLink
// SPDX-License-Identifier: Apache-2.0

package mail

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Service owns a dispatcher and the queue that feeds it. Synchronous sends
// bypass the queue.
type Service struct {
	dispatcher *Dispatcher
	queueCfg   QueueConfig
	logger     *zap.SugaredLogger

	mu    sync.RWMutex
	queue *Queue
}

// NewService creates a mail Service. The queue is not started until Start.
func NewService(dispatcher *Dispatcher, queueCfg QueueConfig, logger *zap.SugaredLogger) *Service {
	return &Service{
		dispatcher: dispatcher,
		queueCfg:   queueCfg,
		logger:     logger.Named("mail-service"),
	}
}

// Start verifies the transport and starts the queue. A failed verification
// is reported but does not prevent startup; the mail service may come up later.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue != nil {
		return fmt.Errorf("mail service already started")
	}

	if s.dispatcher.Verify(ctx) {
		s.logger.Info("Mail transport ready - schedule change notifications enabled")
	} else {
		s.logger.Warn("Mail transport not ready - notifications will fail until the mail service is reachable")
	}

	s.queue = NewQueue(s.dispatcher, s.logger, s.queueCfg)
	s.queue.Start()

	s.logger.Infow("Mail queue initialized and started",
		"maxRetries", s.queue.maxRetries,
		"initialBackoff", s.queue.initialBackoff,
		"queueSize", s.queue.maxQueueSize)
	return nil
}

// Send dispatches notice synchronously.
func (s *Service) Send(ctx context.Context, notice *ScheduleChangeNotice) (*Outcome, error) {
	return s.dispatcher.Send(ctx, notice)
}

// Enqueue checks the configuration and the notice in the same order as Send,
// then hands the notice to the queue and returns the queue item ID.
func (s *Service) Enqueue(notice *ScheduleChangeNotice) (string, error) {
	if err := s.dispatcher.ValidateConfiguration(); err != nil {
		return "", err
	}
	if err := notice.Validate(s.dispatcher.requireDoctorName); err != nil {
		return "", err
	}

	s.mu.RLock()
	queue := s.queue
	s.mu.RUnlock()

	if queue == nil {
		return "", fmt.Errorf("mail queue not started")
	}
	return queue.Enqueue(notice)
}

// Verify checks the transport through the dispatcher.
func (s *Service) Verify(ctx context.Context) bool {
	return s.dispatcher.Verify(ctx)
}

// IsEnabled returns whether the mail service has an active queue.
func (s *Service) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queue != nil
}

// Stop gracefully shuts down the mail queue.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue != nil {
		s.logger.Info("Stopping mail service")
		err := s.queue.Stop(ctx)
		s.queue = nil
		return err
	}
	return nil
}
