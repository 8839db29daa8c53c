// Package realtime pushes reconciled events to subscribers: WebSocket clients
// through the Hub, an MQTT broker and a Kafka topic.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/hybrid-tracker/internal/constants"
	"github.com/benmeehan/hybrid-tracker/internal/models"
	"github.com/benmeehan/hybrid-tracker/internal/observability"
)

var (
	ErrInvalidTopic = errors.New("invalid topic")
	ErrForbidden    = errors.New("topic not permitted")
)

// Access is what a subscriber's token allows it to read.
type Access struct {
	Subject  string
	Role     string
	Vehicles []string
}

func (a Access) CanRead(vehicleID string) bool {
	return a.Role == constants.AccountFleetAdmin || slices.Contains(a.Vehicles, vehicleID)
}

// VehicleOfTopic extracts the vehicle id from vehicle.<id>.location.
func VehicleOfTopic(topic string) (string, error) {
	id, ok := strings.CutPrefix(topic, constants.LocationTopicPrefix)
	if ok {
		id, ok = strings.CutSuffix(id, constants.LocationTopicSuffix)
	}
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return id, nil
}

// Client is one subscriber. Events it cannot keep up with are dropped.
type Client struct {
	hub    *Hub
	access Access
	send   chan []byte
	topics map[string]struct{}
}

func (c *Client) Events() <-chan []byte { return c.send }

func (c *Client) Subscribe(topic string) error {
	return c.hub.subscribe(c, topic)
}

func (c *Client) Unsubscribe(topic string) {
	c.hub.unsubscribe(c, topic)
}

// Hub fans events out to the clients subscribed to their topic. There is no
// replay: a client only sees events published while it is subscribed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	topics  map[string]map[*Client]struct{}
	buffer  int
	logger  zerolog.Logger
}

func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		topics:  make(map[string]map[*Client]struct{}),
		buffer:  buffer,
		logger:  logger,
	}
}

func (h *Hub) Register(access Access) *Client {
	c := &Client{hub: h, access: access, send: make(chan []byte, h.buffer), topics: make(map[string]struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.HubClients.Inc()
	return c
}

// Unregister removes c from every topic and closes its event channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.removeLocked(c, topic)
	}
	delete(h.clients, c)
	close(c.send)
	observability.HubClients.Dec()
}

func (h *Hub) subscribe(c *Client, topic string) error {
	vehicleID, err := VehicleOfTopic(topic)
	if err != nil {
		return err
	}
	if !c.access.CanRead(vehicleID) {
		return fmt.Errorf("%w: %s", ErrForbidden, topic)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return errors.New("client is not registered")
	}
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Client]struct{})
		h.topics[topic] = subs
	}
	subs[c] = struct{}{}
	c.topics[topic] = struct{}{}
	return nil
}

func (h *Hub) unsubscribe(c *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, topic)
}

func (h *Hub) removeLocked(c *Client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish never blocks on a subscriber.
func (h *Hub) Publish(_ context.Context, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(ev.Type)).Msg("Failed to encode event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[ev.Topic] {
		select {
		case c.send <- data:
		default:
			observability.HubDropped.Inc()
			h.logger.Debug().Str("subject", c.access.Subject).Str("topic", ev.Topic).Msg("Dropped event for slow subscriber")
		}
	}
}

// trySend queues a control frame for c without blocking.
func (h *Hub) trySend(c *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
