package realtime

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge-backend/internal/platform/logger"
)

type Event string

const (
	EventRunCreated  Event = "RunCreated"
	EventRunProgress Event = "RunProgress"
	EventGatePrompt  Event = "GatePrompt"
	EventRunFailed   Event = "RunFailed"
	EventRunFinished Event = "RunFinished"
)

// Message fans out to every client subscribed to its channel. Channels are
// free-form strings; run events use the run id, gate prompts additionally use
// the correlation channel id so operator UIs can follow a whole channel.
type Message struct {
	Channel string `json:"channel"`
	Event   Event  `json:"event"`
	Data    any    `json:"data,omitempty"`
}

type Client struct {
	ID       uuid.UUID
	Channels map[string]bool
	Outbound chan Message
}

type Hub struct {
	mu            sync.RWMutex
	log           *logger.Logger
	subscriptions map[string]map[*Client]bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:           log.With("component", "RealtimeHub"),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

func (h *Hub) NewClient() *Client {
	return &Client{
		ID:       uuid.New(),
		Channels: make(map[string]bool),
		Outbound: make(chan Message, 16),
	}
}

func (h *Hub) Subscribe(client *Client, channel string) {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Channels[channel] = true
	clients, exists := h.subscriptions[channel]
	if !exists {
		clients = make(map[*Client]bool)
		h.subscriptions[channel] = clients
	}
	clients[client] = true
	h.log.Debug("Client subscribed", "client_id", client.ID, "channel", channel)
}

func (h *Hub) RemoveClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range client.Channels {
		if subMap, ok := h.subscriptions[ch]; ok {
			delete(subMap, client)
			if len(subMap) == 0 {
				delete(h.subscriptions, ch)
			}
		}
	}
	client.Channels = make(map[string]bool)
	close(client.Outbound)
}

// Broadcast drops messages for slow clients rather than blocking the caller.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.subscriptions[msg.Channel] {
		select {
		case client.Outbound <- msg:
		default:
			h.log.Warn("Dropping message for slow client", "client_id", client.ID, "channel", msg.Channel)
		}
	}
}
