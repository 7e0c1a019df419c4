package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
)

// MessageHandler handles a specific message type.
// Returning an error leaves the message queued for redelivery after the visibility timeout.
type MessageHandler func(ctx context.Context, msg *Message) error

// WorkerPool manages a pool of workers that process queue messages
type WorkerPool struct {
	queueMgr *BadgerManager
	config   Config
	handlers map[string]MessageHandler
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queueMgr *BadgerManager, config Config, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queueMgr: queueMgr,
		config:   config,
		handlers: make(map[string]MessageHandler),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler registers a message type handler
func (wp *WorkerPool) RegisterHandler(messageType string, handler MessageHandler) {
	wp.handlers[messageType] = handler
	wp.logger.Debug().
		Str("message_type", messageType).
		Msg("Message handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	if wp.config.Concurrency <= 0 {
		return fmt.Errorf("worker pool concurrency must be positive")
	}

	wp.logger.Info().
		Int("concurrency", wp.config.Concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.config.Concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	return nil
}

// Stop cancels in-flight handlers and waits for workers to exit
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Msg("Stopping worker pool")
	wp.cancel()
	wp.wg.Wait()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	// Stagger worker starts across the poll interval
	staggerDelay := (wp.config.PollInterval / time.Duration(wp.config.Concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		select {
		case <-time.After(staggerDelay):
		case <-wp.ctx.Done():
			return
		}
	}

	wp.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger_delay", staggerDelay).
		Msg("Worker started")

	ticker := time.NewTicker(wp.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			// Drain everything that is ready before waiting for the next tick
			for wp.ctx.Err() == nil {
				err := wp.processMessage(workerID)
				if errors.Is(err, ErrNoMessage) {
					break
				}
				if err != nil {
					wp.logger.Warn().
						Err(err).
						Int("worker_id", workerID).
						Msg("Error processing message")
					break
				}
			}
		}
	}
}

// processMessage receives and processes a single message
func (wp *WorkerPool) processMessage(workerID int) (err error) {
	delivery, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		if errors.Is(err, ErrNoMessage) {
			return ErrNoMessage
		}
		return fmt.Errorf("failed to receive message: %w", err)
	}

	msg := delivery.Body

	handler, exists := wp.handlers[msg.Type]
	if !exists {
		wp.logger.Error().
			Str("type", msg.Type).
			Str("message_id", delivery.ID).
			Msg("No handler registered for message type")
		if delErr := delivery.Delete(); delErr != nil {
			wp.logger.Warn().Err(delErr).Msg("Failed to delete unknown message type")
		}
		return fmt.Errorf("no handler for message type: %s", msg.Type)
	}

	wp.logger.Debug().
		Str("message_id", delivery.ID).
		Str("type", msg.Type).
		Str("batch_id", msg.BatchID).
		Int("receive_count", delivery.ReceiveCount).
		Int("worker_id", workerID).
		Msg("Processing message")

	// Keep the message hidden while the handler is still working
	heartbeatCtx, stopHeartbeat := context.WithCancel(wp.ctx)
	defer stopHeartbeat()
	common.SafeGo(wp.logger, "queue-heartbeat", func() {
		wp.heartbeat(heartbeatCtx, delivery.ID)
	})

	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Str("message_id", delivery.ID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in message handler")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	startTime := time.Now()
	handlerErr := handler(wp.ctx, &msg)
	duration := time.Since(startTime)

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("message_id", delivery.ID).
			Str("type", msg.Type).
			Str("batch_id", msg.BatchID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Message handler failed, message left for redelivery")
		return nil
	}

	wp.logger.Info().
		Str("message_id", delivery.ID).
		Str("type", msg.Type).
		Str("batch_id", msg.BatchID).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Message processed")

	if err := delivery.Delete(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("message_id", delivery.ID).
			Msg("Failed to delete message after successful processing")
		return err
	}

	return nil
}

func (wp *WorkerPool) heartbeat(ctx context.Context, messageID string) {
	interval := wp.config.VisibilityTimeout / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wp.queueMgr.Extend(ctx, messageID, wp.config.VisibilityTimeout); err != nil {
				wp.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to extend message visibility")
			}
		}
	}
}
