// Package ws pushes events to display screens and staff consoles over
// websockets. Clients subscribe to topics ("station:lab",
// "patient:123" or "*" for everything) and the Hub fans each event out
// to the matching subscribers without ever blocking the emitter.
package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/iliyamo/clinic-flow/internal/events"
)

// AllTopics subscribes a client to every event.
const AllTopics = "*"

// StationTopic and PatientTopic name the per-entity topics.
func StationTopic(id string) string { return "station:" + id }
func PatientTopic(id string) string { return "patient:" + id }

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"` // subscribe | unsubscribe
	Topics []string `json:"topics"`
}

// Client is one websocket connection's view from the hub.
type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

// Hub tracks clients and their subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	log     zerolog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		log:     log.With().Str("component", "ws-hub").Logger(),
	}
}

// Register adds a client with its initial topics.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for _, t := range c.Topics {
		h.add(t, c)
	}
}

func (h *Hub) add(topic string, c *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
}

func (h *Hub) remove(topic string, c *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

// Unregister removes the client and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, t := range c.Topics {
		h.remove(t, c)
	}
	delete(h.all, c)
	close(c.Send)
}

// Process applies a subscription change.
func (h *Hub) Process(c *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	switch msg.Action {
	case "subscribe":
		for _, t := range msg.Topics {
			h.add(t, c)
		}
		c.Topics = append(c.Topics, msg.Topics...)
	case "unsubscribe":
		drop := make(map[string]bool, len(msg.Topics))
		for _, t := range msg.Topics {
			h.remove(t, c)
			drop[t] = true
		}
		kept := c.Topics[:0]
		for _, t := range c.Topics {
			if !drop[t] {
				kept = append(kept, t)
			}
		}
		c.Topics = kept
	}
}

// Emit implements events.Emitter. Each subscriber receives an event at
// most once even when several of its topics match.
func (h *Hub) Emit(_ context.Context, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	topics := []string{AllTopics}
	if ev.StationID != "" {
		topics = append(topics, StationTopic(ev.StationID))
	}
	if ev.PatientID != "" {
		topics = append(topics, PatientTopic(ev.PatientID))
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := make(map[*Client]bool)
	for _, t := range topics {
		for c := range h.clients[t] {
			if sent[c] {
				continue
			}
			sent[c] = true
			select {
			case c.Send <- data:
			default:
				// Slow client; drop rather than block the emitter.
				h.log.Debug().Str("client", c.ID).Str("type", string(ev.Type)).Msg("client buffer full, event dropped")
			}
		}
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of subscribers of topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}
