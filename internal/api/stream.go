package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradearena/internal/auth"
	"tradearena/internal/config"
	"tradearena/pkg/types"
)

// SnapshotSource supplies the candle history sent to a client when it
// subscribes to a candle topic.
type SnapshotSource interface {
	Candles(symbol string, tf types.Timeframe) []types.Candle
}

// Envelope is the frame for every server-to-client WebSocket message.
// Type is "event", "snapshot", "error", or "authenticated"; Timestamp is
// unix milliseconds at send time.
type Envelope struct {
	Topic     string `json:"topic"`
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// clientCommand is the only message shape clients may send.
type clientCommand struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Token  string `json:"token"`
}

type subscription struct {
	client *Client
	topic  string
}

type directMsg struct {
	client *Client
	data   []byte
}

type outboundMsg struct {
	topic string
	data  []byte
}

// globalTopics are subscribable by any connection without authentication.
var globalTopics = map[string]bool{
	"symbol_tick":     true,
	"market_tick":     true,
	"leaderboard":     true,
	"contest_started": true,
	"contest_paused":  true,
	"contest_resumed": true,
	"contest_ended":   true,
}

// Hub routes published events to WebSocket clients by topic. All client and
// topic bookkeeping is owned by the Run goroutine; other goroutines talk to
// it through channels only, so client send channels are closed exactly once.
type Hub struct {
	snapshots SnapshotSource
	verifier  auth.Verifier
	logger    *slog.Logger

	register    chan *Client
	unregister  chan *Client
	subscribe   chan subscription
	unsubscribe chan subscription
	direct      chan directMsg
	outbound    chan outboundMsg
	done        chan struct{}

	clientBuffer int
	connected    atomic.Int64
}

// NewHub creates a hub. snapshots may be nil (candle subscriptions then skip
// the initial snapshot); verifier may be nil (authenticate is rejected).
func NewHub(cfg config.HubConfig, snapshots SnapshotSource, verifier auth.Verifier, logger *slog.Logger) *Hub {
	return &Hub{
		snapshots:    snapshots,
		verifier:     verifier,
		logger:       logger.With("component", "ws-hub"),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		subscribe:    make(chan subscription),
		unsubscribe:  make(chan subscription),
		direct:       make(chan directMsg),
		outbound:     make(chan outboundMsg, cfg.QueueSize),
		done:         make(chan struct{}),
		clientBuffer: cfg.ClientBuffer,
	}
}

// Run owns the client registry until ctx is cancelled. Call it in a
// goroutine before accepting connections.
func (h *Hub) Run(ctx context.Context) {
	clients := make(map[*Client]bool)
	topics := make(map[string]map[*Client]bool)

	drop := func(c *Client) {
		if !clients[c] {
			return
		}
		delete(clients, c)
		for t := range c.topics {
			delete(topics[t], c)
			if len(topics[t]) == 0 {
				delete(topics, t)
			}
		}
		close(c.send)
		h.connected.Add(-1)
	}

	defer func() {
		for c := range clients {
			drop(c)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			clients[c] = true
			h.connected.Add(1)
			h.logger.Info("client connected", "count", len(clients))

		case c := <-h.unregister:
			drop(c)
			h.logger.Info("client disconnected", "count", len(clients))

		case s := <-h.subscribe:
			if !clients[s.client] {
				continue
			}
			if set := topics[s.topic]; set == nil {
				topics[s.topic] = map[*Client]bool{s.client: true}
			} else {
				set[s.client] = true
			}
			s.client.topics[s.topic] = true
			if data, ok := h.candleSnapshot(s.topic); ok {
				h.deliver(s.client, data, drop)
			}

		case s := <-h.unsubscribe:
			if !clients[s.client] {
				continue
			}
			delete(topics[s.topic], s.client)
			if len(topics[s.topic]) == 0 {
				delete(topics, s.topic)
			}
			delete(s.client.topics, s.topic)

		case m := <-h.direct:
			if clients[m.client] {
				h.deliver(m.client, m.data, drop)
			}

		case m := <-h.outbound:
			for c := range topics[m.topic] {
				h.deliver(c, m.data, drop)
			}
		}
	}
}

// deliver enqueues data for one client, dropping the client when its buffer
// is full.
func (h *Hub) deliver(c *Client, data []byte, drop func(*Client)) {
	select {
	case c.send <- data:
	default:
		h.logger.Warn("client send buffer full, dropping", "remote", c.conn.RemoteAddr().String())
		drop(c)
	}
}

// Publish marshals data into an event envelope and fans it out to the
// topic's subscribers. It never blocks the caller; when the hub queue is
// full the event is dropped.
func (h *Hub) Publish(topic string, data any) {
	raw, err := json.Marshal(Envelope{
		Topic:     topic,
		Type:      "event",
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("marshal event failed", "topic", topic, "error", err)
		return
	}
	select {
	case h.outbound <- outboundMsg{topic: topic, data: raw}:
	case <-h.done:
	default:
		h.logger.Warn("hub queue full, dropping event", "topic", topic)
	}
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int64 {
	return h.connected.Load()
}

// candleSnapshot builds the initial history frame for a candle topic.
func (h *Hub) candleSnapshot(topic string) ([]byte, bool) {
	symbol, tf, ok := parseCandleTopic(topic)
	if !ok || h.snapshots == nil {
		return nil, false
	}
	raw, err := json.Marshal(Envelope{
		Topic: topic,
		Type:  "snapshot",
		Data: CandleSnapshot{
			Symbol:    symbol,
			Timeframe: tf,
			Candles:   h.snapshots.Candles(symbol, tf),
		},
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		h.logger.Error("marshal snapshot failed", "topic", topic, "error", err)
		return nil, false
	}
	return raw, true
}

// parseCandleTopic splits "candles:SYMBOL:tf" and validates the timeframe.
func parseCandleTopic(topic string) (string, types.Timeframe, bool) {
	parts := strings.Split(topic, ":")
	if len(parts) != 3 || parts[0] != "candles" || parts[1] == "" {
		return "", "", false
	}
	tf, ok := types.ParseTimeframe(parts[2])
	if !ok {
		return "", "", false
	}
	return strings.ToUpper(parts[1]), tf, true
}

func validTopic(topic string) bool {
	if globalTopics[topic] {
		return true
	}
	_, _, ok := parseCandleTopic(topic)
	return ok
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
	authTimeout    = 10 * time.Second
)

// Client is one WebSocket connection. The topics set belongs to the hub's
// Run goroutine.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

// NewClient registers the connection and starts its pumps. It returns nil
// when the hub has shut down.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.clientBuffer),
		topics: make(map[string]bool),
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return client
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			return
		}

		var cmd clientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			c.sendError("", "malformed command")
			continue
		}
		c.handleCommand(cmd)
	}
}

// handleCommand runs in the readPump goroutine. Token verification happens
// here so provider latency never stalls the hub loop.
func (c *Client) handleCommand(cmd clientCommand) {
	switch cmd.Action {
	case "subscribe":
		if strings.HasPrefix(cmd.Topic, "user:") {
			c.sendError(cmd.Topic, "authenticate to receive user events")
			return
		}
		if !validTopic(cmd.Topic) {
			c.sendError(cmd.Topic, fmt.Sprintf("unknown topic %q", cmd.Topic))
			return
		}
		c.request(c.hub.subscribe, subscription{client: c, topic: cmd.Topic})

	case "unsubscribe":
		c.request(c.hub.unsubscribe, subscription{client: c, topic: cmd.Topic})

	case "authenticate":
		if c.hub.verifier == nil {
			c.sendError("", "authentication is not enabled")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
		ident, err := c.hub.verifier.Verify(ctx, cmd.Token)
		cancel()
		if err != nil {
			c.sendError("", "authentication failed")
			return
		}
		c.hub.logger.Info("client authenticated", "user", ident.Email)
		c.request(c.hub.subscribe, subscription{client: c, topic: "user:" + ident.Email})
		c.reply(Envelope{
			Topic:     "user:" + ident.Email,
			Type:      "authenticated",
			Data:      map[string]string{"email": ident.Email},
			Timestamp: time.Now().UnixMilli(),
		})

	default:
		c.sendError("", fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Client) request(ch chan subscription, s subscription) {
	select {
	case ch <- s:
	case <-c.hub.done:
	}
}

func (c *Client) sendError(topic, msg string) {
	c.reply(Envelope{
		Topic:     topic,
		Type:      "error",
		Data:      map[string]string{"error": msg},
		Timestamp: time.Now().UnixMilli(),
	})
}

// reply routes a message for this client through the hub goroutine, which is
// the only closer of send channels.
func (c *Client) reply(env Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.hub.direct <- directMsg{client: c, data: raw}:
	case <-c.hub.done:
	}
}
