package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-sirens/internal/auth"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sirens/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sirens/internal/scenario"
)

// Every state change is published on ChannelRuns and on the run's own
// channel, RunChannel(id).
const (
	ChannelRuns      = scenario.EventStateChanged
	runChannelPrefix = "run:"
)

// RunChannel names the channel that carries one run's state changes.
func RunChannel(id scenario.RunID) string {
	return runChannelPrefix + string(id)
}

// Frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
	FramePong        = "pong"
	FrameEvent       = "event"
	FrameAck         = "ack"
	FrameError       = "error"
)

const (
	// wsSendBufferSize is how many frames may queue for one client before
	// it is dropped as too slow.
	wsSendBufferSize = 64

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// Frame is a server-to-client WebSocket message.
type Frame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Event   string `json:"event,omitempty"`
	Time    string `json:"time"`
	Payload any    `json:"payload,omitempty"`
}

// Request is a client-to-server WebSocket message.
//
//	{"type": "subscribe", "id": "1", "channels": ["run:5f0c..."]}
type Request struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// subscribeAck answers a subscribe with the current state of every run
// channel it named, so a client following a run does not miss where it is.
type subscribeAck struct {
	Subscribed []string              `json:"subscribed"`
	Runs       []scenario.StateEvent `json:"runs,omitempty"`
}

var errUnknownChannel = errors.New("unknown channel")

// parseChannel validates a channel name and returns the run it follows,
// or "" for ChannelRuns.
func parseChannel(ch string) (scenario.RunID, error) {
	if ch == ChannelRuns {
		return "", nil
	}
	if id, ok := strings.CutPrefix(ch, runChannelPrefix); ok && id != "" {
		return scenario.RunID(id), nil
	}
	return "", fmt.Errorf("%w %q", errUnknownChannel, ch)
}

// Hub fans run state changes out to WebSocket clients by channel.
// It satisfies scenario.EventPublisher.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]map[string]struct{} // client → its channels
	byChan  map[string]map[*wsClient]struct{} // channel → subscribers
	closed  bool
}

// NewHub creates a hub. Run must be called to tie it to a lifetime.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*wsClient]map[string]struct{}),
		byChan:  make(map[string]map[*wsClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client and refuses
// new ones.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	clear(h.byChan)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// PublishState delivers ev to subscribers of ChannelRuns and of the run's
// own channel. A client on both gets it once; a client whose queue is
// full is disconnected.
func (h *Hub) PublishState(ev scenario.StateEvent) {
	data, err := json.Marshal(Frame{
		Type:    FrameEvent,
		Event:   scenario.EventStateChanged,
		Time:    ev.At.UTC().Format(time.RFC3339Nano),
		Payload: ev,
	})
	if err != nil {
		h.logger.Error("encoding run event", "run_id", ev.RunID, "error", err)
		return
	}

	h.mu.RLock()
	targets := make(map[*wsClient]struct{}, len(h.byChan[ChannelRuns]))
	for _, ch := range []string{ChannelRuns, RunChannel(ev.RunID)} {
		for c := range h.byChan[ch] {
			targets[c] = struct{}{}
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		if !c.enqueue(data) {
			h.logger.Warn("websocket client too slow, disconnecting",
				"subject", c.subject,
				"run_id", ev.RunID,
			)
			h.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// add registers c on channels. It reports false once the hub is shut down.
func (h *Hub) add(c *wsClient, channels []string) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = make(map[string]struct{}, len(channels))
	h.subscribeLocked(c, channels)
	n := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("websocket client connected",
		"subject", c.subject,
		"role", c.role,
		"channels", channels,
		"clients", n,
	)
	return true
}

// remove unregisters c and stops its writer. Repeat calls are no-ops.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	chans, ok := h.clients[c]
	for ch := range chans {
		h.unindexLocked(c, ch)
	}
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.logger.Debug("websocket client disconnected", "subject", c.subject, "clients", n)
	}
}

func (h *Hub) subscribe(c *wsClient, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribeLocked(c, channels)
}

func (h *Hub) subscribeLocked(c *wsClient, channels []string) {
	chans, ok := h.clients[c]
	if !ok {
		return
	}
	for _, ch := range channels {
		chans[ch] = struct{}{}
		set, ok := h.byChan[ch]
		if !ok {
			set = make(map[*wsClient]struct{})
			h.byChan[ch] = set
		}
		set[c] = struct{}{}
	}
}

func (h *Hub) unsubscribe(c *wsClient, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	chans, ok := h.clients[c]
	if !ok {
		return
	}
	for _, ch := range channels {
		delete(chans, ch)
		h.unindexLocked(c, ch)
	}
}

func (h *Hub) unindexLocked(c *wsClient, ch string) {
	set := h.byChan[ch]
	delete(set, c)
	if len(set) == 0 {
		delete(h.byChan, ch)
	}
}

// upgrader leaves origin checks to the CORS middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and registers a client.
// With authentication enabled a ticket from POST /auth/ws-ticket is required.
// The channels query parameter subscribes up front; naming a run that does
// not exist answers 404 before the upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	subject, role := "anonymous", auth.RoleOperator
	if s.authEnabled() {
		ticket := r.URL.Query().Get("ticket")
		if ticket == "" {
			writeUnauthorized(w, "ticket query parameter is required")
			return
		}
		entry, ok := s.tickets.consume(ticket, time.Now())
		if !ok {
			writeUnauthorized(w, "invalid or expired ticket")
			return
		}
		subject, role = entry.subject, entry.role
	}
	if !auth.HasPermission(role, auth.PermScenarioRead) {
		writeForbidden(w, "role "+string(role)+" may not watch runs")
		return
	}

	var channels []string
	for _, ch := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			channels = append(channels, ch)
		}
	}
	if _, err := s.runStates(channels); err != nil {
		if errors.Is(err, errUnknownChannel) {
			writeBadRequest(w, err.Error())
		} else {
			writeNotFound(w, err.Error())
		}
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:     s.hub,
		conn:    conn,
		send:    make(chan []byte, wsSendBufferSize),
		done:    make(chan struct{}),
		subject: subject,
		role:    role,
		states:  s.runStates,
	}
	if !s.hub.add(c, channels) {
		conn.Close()
		return
	}

	go c.writeLoop()
	go c.readLoop()
}

// runStates validates channels and returns the current state of every run
// they follow.
func (s *Server) runStates(channels []string) ([]scenario.StateEvent, error) {
	var out []scenario.StateEvent
	for _, ch := range channels {
		id, err := parseChannel(ch)
		if err != nil {
			return nil, err
		}
		if id == "" {
			continue
		}
		st, err := s.scenarios.Status(id)
		if err != nil {
			return nil, err
		}
		out = append(out, scenario.StateEvent{
			RunID:    st.RunID,
			Scenario: st.Scenario,
			State:    st.State,
			At:       time.Now().UTC(),
		})
	}
	return out, nil
}

// wsClient is one connection. readLoop owns reads, writeLoop owns writes;
// done stops the writer.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// Identity propagated from the WebSocket ticket.
	subject string
	role    auth.Role

	states func([]string) ([]scenario.StateEvent, error)
}

// enqueue hands data to the writer. It reports false when the queue is
// full; a closed client accepts and discards.
func (c *wsClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *wsClient) reply(id, typ string, payload any) {
	data, err := json.Marshal(Frame{
		Type:    typ,
		ID:      id,
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		Payload: payload,
	})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.hub.remove(c)
	}
}

func (c *wsClient) replyError(id, message string) {
	c.reply(id, FrameError, map[string]string{"message": message})
}

func keepalive(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = defaultPingInterval, defaultPongTimeout
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

func (c *wsClient) readLoop() {
	defer c.hub.remove(c)

	cfg := c.hub.cfg
	ping, pong := keepalive(cfg)
	extend := func() error {
		return c.conn.SetReadDeadline(time.Now().Add(ping + pong))
	}
	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	_ = extend()
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "subject", c.subject, "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings; any frame counts.
		_ = extend()

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.replyError("", "invalid JSON message")
			continue
		}
		c.handle(req)
	}
}

func (c *wsClient) handle(req Request) {
	switch req.Type {
	case FramePing:
		c.reply(req.ID, FramePong, nil)

	case FrameSubscribe:
		if len(req.Channels) == 0 {
			c.replyError(req.ID, "channels is required")
			return
		}
		if _, err := c.states(req.Channels); err != nil {
			c.replyError(req.ID, err.Error())
			return
		}
		// Subscribe before reading state so no transition falls between.
		c.hub.subscribe(c, req.Channels)
		runs, _ := c.states(req.Channels)
		c.reply(req.ID, FrameAck, subscribeAck{Subscribed: req.Channels, Runs: runs})

	case FrameUnsubscribe:
		c.hub.unsubscribe(c, req.Channels)
		c.reply(req.ID, FrameAck, map[string][]string{"unsubscribed": req.Channels})

	default:
		c.replyError(req.ID, "unknown message type: "+req.Type)
	}
}

func (c *wsClient) writeLoop() {
	ping, pong := keepalive(c.hub.cfg)
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(pong))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case data := <-c.send:
			if err := write(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}
