// Package websocket is the broker side of the push channel. Desk clients
// connect over a websocket, subscribe to topics, and receive every event the
// backend publishes to those topics.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/platform/telemetry"
)

// Event types carried in Event.Type.
const (
	EventSlotRemoved    = "slot.removed"
	EventSlotAdded      = "slot.added"
	EventStatusChanged  = "appointment.status"
	EventTreatmentNote  = "appointment.treatment-note"
	EventError          = "error"
	ActionSubscribe     = "subscribe"
	ActionUnsubscribe   = "unsubscribe"
	defaultSendCapacity = 256
)

// ErrUnknownAction is returned for client messages with an unsupported action.
var ErrUnknownAction = errors.New("unknown action")

// Event is a notification frame sent to subscribed clients.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType,omitempty"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is a control frame sent by a client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// ErrorData is the payload of an EventError frame.
type ErrorData struct {
	Message string `json:"message"`
}

// EventPublisher publishes events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Conn abstracts a websocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connected subscriber.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	conn   Conn
}

// NewClient creates a client with a buffered send queue.
func NewClient(id string, conn Conn) *Client {
	return &Client{ID: id, Send: make(chan []byte, defaultSendCapacity), conn: conn}
}

func (c *Client) hasTopic(topic string) bool {
	for _, t := range c.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger, metrics *telemetry.Metrics) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "relay.hub").Logger(),
		metrics: metrics,
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(client, topic)
	}
	h.metrics.SetRelayClients(len(h.all))
}

// Unregister removes a client from every topic and closes its send queue.
// Unregistering twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
	h.metrics.SetRelayClients(len(h.all))
}

// Subscribe adds topics to a registered client. Topics the client already
// holds are ignored.
func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if topic == "" || client.hasTopic(topic) {
			continue
		}
		h.addLocked(client, topic)
		client.Topics = append(client.Topics, topic)
	}
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	drop := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		drop[t] = struct{}{}
		h.removeLocked(client, t)
	}

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if _, ok := drop[t]; !ok {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

func (h *Hub) addLocked(client *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][client] = struct{}{}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage applies a client control frame.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) error {
	switch msg.Action {
	case ActionSubscribe:
		h.Subscribe(client, msg.Topics)
	case ActionUnsubscribe:
		h.Unsubscribe(client, msg.Topics)
	default:
		return fmt.Errorf("%w %q", ErrUnknownAction, msg.Action)
	}
	return nil
}

// Broadcast queues event for every subscriber of topic and returns how many
// clients it was queued for. Clients with a full queue are skipped.
func (h *Hub) Broadcast(topic string, event Event) int {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
			delivered++
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("send queue full, dropping event")
		}
	}
	h.metrics.RelayBroadcast(topic)
	return delivered
}

// SendError queues an error frame for a single client.
func (h *Hub) SendError(client *Client, message string) {
	data, _ := json.Marshal(ErrorData{Message: message})
	frame, err := json.Marshal(Event{Type: EventError, Timestamp: time.Now().UTC(), Data: data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- frame:
	default:
	}
}

// Publish broadcasts event on its own topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Topic == "" {
		return errors.New("event topic is required")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
