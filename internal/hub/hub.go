package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Subscription scopes a client to one queue and, optionally, one token in it.
type Subscription struct {
	QueueID string
	TokenID string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

type SubscribeMessage struct {
	Action  string `json:"action"`
	QueueID string `json:"queue_id"`
	TokenID string `json:"token_id"`
}

func New(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client and closes its Send channel once.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Broadcast sends payload to every client subscribed to queueID. Slow
// clients miss the message rather than block the sender.
func (h *Hub) Broadcast(payload []byte, queueID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, queueID) {
			continue
		}
		h.deliver(client, payload)
	}
}

// SendTo delivers payload to one client and reports whether it was queued.
func (h *Hub) SendTo(clientID string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	client, ok := h.clients[clientID]
	if !ok {
		return false
	}
	return h.deliver(client, payload)
}

func (h *Hub) deliver(client *Client, payload []byte) bool {
	select {
	case client.Send <- payload:
		return true
	default:
		h.logger.Warn().Str("client_id", client.ID).Msg("drop message for client")
		return false
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, queueID string) bool {
	return sub.QueueID != "" && sub.QueueID == queueID
}

// ParseSubscribe accepts subscribe messages that name a queue and any
// unsubscribe message.
func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "subscribe":
		if msg.QueueID == "" {
			return SubscribeMessage{}, false
		}
	case "unsubscribe":
	default:
		return SubscribeMessage{}, false
	}
	return msg, true
}
