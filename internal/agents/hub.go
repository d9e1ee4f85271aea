package agents

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"appforge/internal/logging"
	"appforge/internal/metrics"
)

// Server to client message types.
const (
	MsgConnected            = "agent_connected"
	MsgState                = "agent_state"
	MsgGenerationStarted    = "generation_started"
	MsgTemplateSelected     = "template_selected"
	MsgSandboxReady         = "sandbox_ready"
	MsgBlueprintGenerated   = "blueprint_generated"
	MsgPhaseImplementing    = "phase_implementing"
	MsgPhaseImplemented     = "phase_implemented"
	MsgCodeReviewed         = "code_reviewed"
	MsgFilesRegenerated     = "files_regenerated"
	MsgDeploymentStarted    = "deployment_started"
	MsgDeploymentCompleted  = "deployment_completed"
	MsgDeploymentFailed     = "deployment_failed"
	MsgGenerationComplete   = "generation_complete"
	MsgUserSuggestionQueued = "user_suggestion_queued"
	MsgDeepDebugStarted     = "deep_debug_started"
	MsgDeepDebugCompleted   = "deep_debug_completed"
	MsgError                = "error"
)

// Client to server message types.
const (
	ClientUserSuggestion = "user_suggestion"
	ClientReportError    = "client_error"
	ClientDeploy         = "deploy"
	ClientGetState       = "get_state"
)

// Event is a message pushed to a session's clients.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewEvent stamps an event.
func NewEvent(eventType, sessionID string, data interface{}) Event {
	return Event{Type: eventType, SessionID: sessionID, Timestamp: time.Now().UTC(), Data: data}
}

// ClientMessage is a message read from a client connection.
type ClientMessage struct {
	Type    string          `json:"type"`
	Content string          `json:"content,omitempty"`
	Error   *ClientError    `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ClientMessageHandler answers client messages. Returned events go back to
// the sending connection only.
type ClientMessageHandler interface {
	HandleClientMessage(ctx context.Context, sessionID string, msg ClientMessage) []Event
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// Hub fans events out to the websocket connections of each session.
type Hub struct {
	connections map[string]map[*Connection]bool
	broadcast   chan *broadcastMessage
	register    chan *Connection
	unregister  chan *Connection
	done        chan struct{}
	closeOnce   sync.Once

	handler ClientMessageHandler
	logger  *zap.Logger

	mu    sync.RWMutex
	count map[string]int
}

// Connection is one client websocket.
type Connection struct {
	hub       *Hub
	conn      *websocket.Conn
	sessionID string
	userID    string
	send      chan []byte

	mu     sync.Mutex
	closed bool
}

type broadcastMessage struct {
	sessionID string
	message   []byte
}

// NewHub starts a hub. handler may be nil until SetHandler is called.
func NewHub(handler ClientMessageHandler) *Hub {
	h := &Hub{
		connections: make(map[string]map[*Connection]bool),
		broadcast:   make(chan *broadcastMessage, 256),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		done:        make(chan struct{}),
		handler:     handler,
		logger:      logging.Component("ws-hub"),
		count:       make(map[string]int),
	}
	go h.run()
	return h
}

// SetHandler wires the client message handler.
func (h *Hub) SetHandler(handler ClientMessageHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			if h.connections[c.sessionID] == nil {
				h.connections[c.sessionID] = make(map[*Connection]bool)
			}
			h.connections[c.sessionID][c] = true
			h.setCount(c.sessionID, len(h.connections[c.sessionID]))
			metrics.Get().WebSocketConnections.Inc()
			h.logger.Info("client connected", zap.String("session_id", c.sessionID))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for c := range h.connections[msg.sessionID] {
				if !c.offer(msg.message) {
					h.drop(c)
				}
			}

		case <-h.done:
			for _, conns := range h.connections {
				for c := range conns {
					c.closeSend()
				}
			}
			return
		}
	}
}

func (h *Hub) drop(c *Connection) {
	conns, ok := h.connections[c.sessionID]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.connections, c.sessionID)
	}
	h.setCount(c.sessionID, len(conns))
	c.closeSend()
	metrics.Get().WebSocketConnections.Dec()
	h.logger.Info("client disconnected", zap.String("session_id", c.sessionID))
}

func (h *Hub) setCount(sessionID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.count, sessionID)
		return
	}
	h.count[sessionID] = n
}

// ConnectionCount returns the number of clients attached to sessionID.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count[sessionID]
}

// Broadcast implements Broadcaster.
func (h *Hub) Broadcast(sessionID string, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{sessionID: sessionID, message: data}:
		metrics.Get().RecordWebSocketMessage(ev.Type, "out")
	case <-h.done:
	}
}

// Close disconnects every client and stops the hub.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Serve attaches an upgraded connection to sessionID and blocks until it
// closes.
func (h *Hub) Serve(conn *websocket.Conn, sessionID, userID string, greeting ...Event) {
	c := &Connection{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		userID:    userID,
		send:      make(chan []byte, sendBuffer),
	}
	for _, ev := range greeting {
		c.sendEvent(ev)
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// offer queues data unless the connection is closed. It reports false when
// the buffer is full.
func (c *Connection) offer(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) sendEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if !c.offer(data) {
		c.hub.logger.Warn("send buffer full, dropping event",
			zap.String("session_id", c.sessionID),
			zap.String("type", ev.Type))
	}
}

func (c *Connection) writePump() {
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

func (c *Connection) readPump() {
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", zap.String("session_id", c.sessionID), zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

func (c *Connection) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.sendEvent(NewEvent(MsgError, c.sessionID, map[string]string{"error": "invalid message"}))
		return
	}
	metrics.Get().RecordWebSocketMessage(msg.Type, "in")

	c.hub.mu.RLock()
	handler := c.hub.handler
	c.hub.mu.RUnlock()
	if handler == nil {
		return
	}
	for _, ev := range handler.HandleClientMessage(context.Background(), c.sessionID, msg) {
		c.sendEvent(ev)
	}
}
