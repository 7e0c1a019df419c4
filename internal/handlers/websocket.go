package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/recap/internal/common"
	"github.com/ternarybob/recap/internal/interfaces"
	"github.com/ternarybob/recap/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Local UI only
	},
}

// WSMessage is the envelope for every message sent to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// broadcastEvents are forwarded to clients
var broadcastEvents = []interfaces.EventType{
	interfaces.EventBatchStatusChanged,
	interfaces.EventCaptureStateChanged,
	interfaces.EventCaptureError,
	interfaces.EventReprocessProgress,
	interfaces.EventTimelineUpdated,
	interfaces.EventChunkSaved,
}

// throttledEvents are high frequency events rate limited per type
var throttledEvents = []interfaces.EventType{
	interfaces.EventReprocessProgress,
	interfaces.EventChunkSaved,
}

// StatusSource provides the capture snapshot sent to newly connected clients
type StatusSource interface {
	Status() models.CaptureStatus
}

type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	statusSource     StatusSource
	throttlers       map[interfaces.EventType]*rate.Limiter // nil map = no throttling
	serverInstanceID string                                 // Clients use it to detect a server restart
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	if config != nil && config.ThrottleInterval != "" {
		if interval, err := time.ParseDuration(config.ThrottleInterval); err == nil && interval > 0 {
			h.throttlers = make(map[interfaces.EventType]*rate.Limiter, len(throttledEvents))
			for _, eventType := range throttledEvents {
				h.throttlers[eventType] = rate.NewLimiter(rate.Every(interval), 1)
			}
			logger.Debug().
				Str("interval", config.ThrottleInterval).
				Int("event_types", len(h.throttlers)).
				Msg("Event throttlers initialized")
		} else {
			logger.Warn().
				Err(err).
				Str("interval", config.ThrottleInterval).
				Msg("Invalid throttle interval - throttling disabled")
		}
	}

	if eventService != nil {
		h.SubscribeToEvents()
	}

	return h
}

// SetStatusSource sets the source of the capture snapshot sent on connect
func (h *WebSocketHandler) SetStatusSource(source StatusSource) {
	h.statusSource = source
}

// SubscribeToEvents forwards pipeline events to connected clients
func (h *WebSocketHandler) SubscribeToEvents() {
	for _, eventType := range broadcastEvents {
		eventType := eventType
		err := h.eventService.Subscribe(eventType, func(ctx context.Context, event interfaces.Event) error {
			if h.throttled(event) {
				return nil
			}
			h.Broadcast(string(event.Type), event.Payload)
			return nil
		})
		if err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
		}
	}
}

// throttled reports whether the event should be dropped. The final progress event of a
// reprocess run is always delivered.
func (h *WebSocketHandler) throttled(event interfaces.Event) bool {
	limiter, ok := h.throttlers[event.Type]
	if !ok {
		return false
	}
	if event.Type == interfaces.EventReprocessProgress {
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			done, _ := payload["done"].(int)
			total, _ := payload["total"].(int)
			if done >= total {
				return false
			}
		}
	}
	return !limiter.Allow()
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.sendTo(conn, mutex, WSMessage{
		Type:    "hello",
		Payload: map[string]string{"server_instance_id": h.serverInstanceID},
	})
	if h.statusSource != nil {
		h.sendTo(conn, mutex, WSMessage{
			Type:    string(interfaces.EventCaptureStateChanged),
			Payload: h.statusSource.Status(),
		})
	}

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHandler) Broadcast(messageType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: messageType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("type", messageType).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("type", messageType).Msg("Failed to send message to client")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, mutex := range h.clientMutex {
		mutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		mutex.Unlock()
		conn.Close()
	}
}

func (h *WebSocketHandler) sendTo(conn *websocket.Conn, mutex *sync.Mutex, msg WSMessage) {
	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}
