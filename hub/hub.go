// Package hub is the process-local pub/sub fan-out for live market and
// user updates: per-connection state, channel and per-user indices,
// backpressure via non-blocking sends, and a heartbeat that evicts
// stale connections. Grounded on api/websocket/hub.go's register/
// unregister/broadcast shape, generalized from a market-ticker-only
// channel set to the full channel space below and to per-user routing.
package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/pebblemarket/core/metrics"
)

// Conn is the minimal transport the hub needs: something it can push a
// framed message to and eventually close. The wire format (WebSocket
// framing, HTTP upgrade) lives entirely outside this package.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Message is the outbound envelope on every channel.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Event     string      `json:"event,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Error     string      `json:"error,omitempty"`
}

// Authenticated-only channels; orderbook:<marketId> and trades:<marketId>
// are open to any connection.
const (
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
	ChannelBalance   = "balance"
)

func requiresAuth(channel string) bool {
	switch channel {
	case ChannelPositions, ChannelOrders, ChannelBalance:
		return true
	default:
		return strings.HasPrefix(channel, "orderbook:") == false && strings.HasPrefix(channel, "trades:") == false
	}
}

type connection struct {
	id           string
	conn         Conn
	userID       string
	channels     map[string]bool
	lastActivity time.Time
}

// Hub holds every live connection and its channel subscriptions.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	channels map[string]map[string]bool // channel -> connection ids
	users    map[string]map[string]bool // userId -> connection ids

	shuttingDown bool

	heartbeatInterval time.Duration
	staleAfter        time.Duration

	metrics *metrics.Collector
	logger  log.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Hub. A background heartbeat is not started until Start
// is called.
func New(m *metrics.Collector, logger log.Logger) *Hub {
	return &Hub{
		conns:             make(map[string]*connection),
		channels:          make(map[string]map[string]bool),
		users:             make(map[string]map[string]bool),
		heartbeatInterval: 30 * time.Second,
		staleAfter:        60 * time.Second,
		metrics:           m,
		logger:            logger.With("module", "hub"),
		stopCh:            make(chan struct{}),
	}
}

// Start runs the heartbeat loop until Stop is called.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// Stop ends the heartbeat loop and shuts down every connection.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	h.Shutdown()
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.evictStale()
		}
	}
}

func (h *Hub) evictStale() {
	cutoff := time.Now().Add(-h.staleAfter)
	var stale []string
	h.mu.RLock()
	for id, c := range h.conns {
		if c.lastActivity.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		h.Remove(id, 1000, "stale connection")
	}
}

// Add registers a new, unauthenticated connection.
func (h *Hub) Add(connID string, c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connID] = &connection{
		id:           connID,
		conn:         c,
		channels:     make(map[string]bool),
		lastActivity: time.Now(),
	}
	if h.metrics != nil {
		h.metrics.WSConnectionsActive.Inc()
	}
}

// Remove tears down connID's state across every index and closes it.
func (h *Hub) Remove(connID string, code int, reason string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connID)
	for ch := range c.channels {
		if set, ok := h.channels[ch]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	if c.userID != "" {
		if set, ok := h.users[c.userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.users, c.userID)
			}
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSConnectionsActive.Dec()
	}
	_ = c.conn.Close(code, reason)
}

// Authenticate binds connID to userID, unlocking the authenticated-only
// channels.
func (h *Hub) Authenticate(connID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("hub: unknown connection %s", connID)
	}
	c.userID = userID
	if _, ok := h.users[userID]; !ok {
		h.users[userID] = make(map[string]bool)
	}
	h.users[userID][connID] = true
	return nil
}

// Subscribe adds connID to channel, rejecting authenticated-only
// channels for unauthenticated connections.
func (h *Hub) Subscribe(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("hub: unknown connection %s", connID)
	}
	if requiresAuth(channel) && c.userID == "" {
		return fmt.Errorf("hub: channel %s requires authentication", channel)
	}
	c.channels[channel] = true
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][connID] = true
	return nil
}

// Unsubscribe removes connID from channel.
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		delete(c.channels, channel)
	}
	if set, ok := h.channels[channel]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// Touch refreshes connID's lastActivity, called on any inbound message
// including ping.
func (h *Hub) Touch(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		c.lastActivity = time.Now()
	}
}

// Broadcast fans event out to every subscriber of channel.
func (h *Hub) Broadcast(channel, event string, data interface{}) {
	msg := Message{Type: "event", Channel: channel, Event: event, Data: data, Timestamp: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	ids := make([]string, 0, len(h.channels[channel]))
	for id := range h.channels[channel] {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	h.sendAll(ids, payload)
	if h.metrics != nil {
		h.metrics.WSMessagesTotal.WithLabelValues(channel).Inc()
	}
}

// SendToUser fans event out only to userID's connections subscribed to
// channel.
func (h *Hub) SendToUser(userID, channel, event string, data interface{}) {
	msg := Message{Type: "event", Channel: channel, Event: event, Data: data, Timestamp: time.Now()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	var ids []string
	for id := range h.users[userID] {
		if c, ok := h.conns[id]; ok && c.channels[channel] {
			ids = append(ids, id)
		}
	}
	h.mu.RUnlock()
	h.sendAll(ids, payload)
}

// sendAll is best-effort and non-blocking: a send error evicts the
// connection rather than stalling the producer.
func (h *Hub) sendAll(ids []string, payload []byte) {
	for _, id := range ids {
		h.mu.RLock()
		c, ok := h.conns[id]
		h.mu.RUnlock()
		if !ok {
			continue
		}
		if err := c.conn.Send(payload); err != nil {
			h.logger.Warn("evicting connection after send error", "connId", id, "error", err)
			h.Remove(id, 1011, "send failure")
		}
	}
}

// Shutdown marks the hub shutting down, notifies every connection, and
// clears all indices.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shuttingDown = true
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	payload, _ := json.Marshal(Message{Type: "shutdown", Timestamp: time.Now()})
	for _, id := range ids {
		h.mu.RLock()
		c, ok := h.conns[id]
		h.mu.RUnlock()
		if ok {
			_ = c.conn.Send(payload)
		}
		h.Remove(id, 1001, "server shutting down")
	}
}
