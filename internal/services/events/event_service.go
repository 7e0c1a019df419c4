package events

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
)

// drainTimeout bounds how long Close waits for in-flight asynchronous handlers
const drainTimeout = 5 * time.Second

// Service is the in-process pub/sub bus connecting capture, scheduling, analysis and the UI stream.
// Publish fans out asynchronously; Close stops accepting events and drains handlers in flight.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	mu          sync.RWMutex
	inflight    sync.WaitGroup
	closed      bool
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("event service closed")
	}

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	s.logger.Trace().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")
	return nil
}

// Unsubscribe removes a handler from an event type.
// Handlers are matched by function identity.
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := reflect.ValueOf(handler).Pointer()
	handlers := s.subscribers[eventType]
	for i, h := range handlers {
		if reflect.ValueOf(h).Pointer() == target {
			s.subscribers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for event type: %s", eventType)
}

// handlersFor snapshots the subscribers and registers n in-flight deliveries, or returns
// nil once the service is closed
func (s *Service) handlersFor(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	handlers := s.subscribers[eventType]
	s.inflight.Add(len(handlers))
	return handlers
}

// Publish sends an event to all subscribers asynchronously. Events published after Close are dropped.
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	handlers := s.handlersFor(event.Type)
	for _, handler := range handlers {
		h := handler
		common.SafeGo(s.logger, "event-"+string(event.Type), func() {
			defer s.inflight.Done()
			s.deliver(ctx, h, event)
		})
	}
	return nil
}

// PublishSync sends an event to all subscribers and waits for them to return
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	handlers := s.handlersFor(event.Type)
	if len(handlers) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, handler := range handlers {
		wg.Add(1)
		go func(h interfaces.EventHandler) {
			defer wg.Done()
			defer s.inflight.Done()
			if !s.deliver(ctx, h, event) {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}(handler)
	}
	wg.Wait()

	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, h interfaces.EventHandler, event interfaces.Event) bool {
	if err := h(ctx, event); err != nil {
		s.logger.Warn().
			Err(err).
			Str("event_type", string(event.Type)).
			Msg("Event handler failed")
		return false
	}
	return true
}

// Close stops accepting events and waits briefly for in-flight handlers
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.logger.Debug().Msg("Event service closed")
	case <-time.After(drainTimeout):
		s.logger.Warn().Dur("timeout", drainTimeout).Msg("Event service closed with handlers still running")
	}
	return nil
}
