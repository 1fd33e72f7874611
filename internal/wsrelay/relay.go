// Package wsrelay implements the default websocket transport for live
// script task output and plugin events, grounded on the teacher's
// Hub/Client broadcast idiom (internal/api/websocket.go), repurposed from
// camera/detection broadcast messages to task-output/plugin-event
// messages and from a single broadcast-to-all-or-camera model to a
// subscribe-by-task-id model (spec.md script-runner event transport).
package wsrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/toru-run/toru/internal/executor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MessageType identifies the shape of a relayed message.
type MessageType string

const (
	MessageTypeTaskOutput  MessageType = "task_output"
	MessageTypePluginEvent MessageType = "plugin_event"
	MessageTypePing        MessageType = "ping"
	MessageTypePong        MessageType = "pong"
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeRun         MessageType = "run"
	MessageTypeStarted     MessageType = "started"
	MessageTypeCancel      MessageType = "cancel"
	MessageTypeCancelled   MessageType = "cancelled"
)

// TaskRunner spawns and cancels script tasks. Implemented by
// internal/executor.Runner; a nil TaskRunner disables run/cancel handling
// and the hub serves only task-output/plugin-event fan-out.
type TaskRunner interface {
	Run(ctx context.Context, scriptName string, sink executor.Sink) (string, error)
	Cancel(taskID string) bool
}

// TaskPublisher fans a task output line out over a shared transport
// (internal/eventbus) instead of straight to this hub's own websocket
// clients, so other subscribers of the bus observe the same script output.
// A hub with no TaskPublisher broadcasts directly, which is what the tests
// in this package exercise.
type TaskPublisher interface {
	PublishTaskMessage(taskID, msgType, data string) error
}

// Message is the envelope sent to websocket clients.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one connected websocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu            sync.Mutex
	subscriptions map[string]bool // task ids to receive; "*" for all
}

// Hub fans out messages to connected clients, filtering task-output
// messages by each client's subscription set.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan broadcastMsg
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	runner     TaskRunner
	publisher  TaskPublisher
}

type broadcastMsg struct {
	taskID string // empty for messages that aren't task-scoped
	data   []byte
}

// NewHub creates a relay hub. Call Run in a goroutine to start it. runner
// may be nil if this host exposes no script-runner transport.
func NewHub(logger *slog.Logger, runner TaskRunner) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With("component", "wsrelay-hub"),
		runner:     runner,
	}
}

// Run starts the hub's main loop; blocks until ctx-like termination is
// never needed since the hub has no external shutdown signal beyond
// process exit, matching the teacher's Hub.Run.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "total_clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "total_clients", len(h.clients))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if msg.taskID != "" && !client.subscribed(msg.taskID) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					h.logger.Warn("client buffer full, dropping message")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastTaskOutput sends a task-output message to clients subscribed to
// taskID (or to "*").
func (h *Hub) BroadcastTaskOutput(taskID string, data interface{}) {
	h.send(taskID, Message{Type: MessageTypeTaskOutput, Timestamp: time.Now(), Data: data})
}

// BroadcastPluginEvent sends a plugin event to every connected client.
func (h *Hub) BroadcastPluginEvent(data interface{}) {
	h.send("", Message{Type: MessageTypePluginEvent, Timestamp: time.Now(), Data: data})
}

func (h *Hub) send(taskID string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}
	select {
	case h.broadcast <- broadcastMsg{taskID: taskID, data: data}:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// SetTaskPublisher routes future task-output sinks through p instead of
// broadcasting to this hub's own clients directly. Call once at startup,
// before Run; not safe to change concurrently with a running hub.
func (h *Hub) SetTaskPublisher(p TaskPublisher) {
	h.publisher = p
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades r and registers the resulting client with the
// hub, defaulting its subscription to all tasks.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	client := &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: map[string]bool{"*": true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) subscribed(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions["*"] || c.subscriptions[taskID]
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket read error", "error", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	switch msg.Type {
	case MessageTypePing:
		c.reply(Message{Type: MessageTypePong, Timestamp: time.Now()})

	case MessageTypeSubscribe:
		c.editSubscriptions(msg.Data, true)

	case MessageTypeUnsubscribe:
		c.editSubscriptions(msg.Data, false)

	case MessageTypeRun:
		c.runScript(msg.Data)

	case MessageTypeCancel:
		c.cancelScript(msg.Data)
	}
}

func (c *Client) reply(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// runScript handles a {"type":"run","data":{"script":"..."}} message
// (spec.md §9 scenario S5). It replies "started" with the fresh task id as
// soon as the process has spawned; stdout/stderr lines then arrive as
// separate task_output broadcasts subscribed by task id. No message is sent
// when the task completes; its exit code is recorded in task history only.
func (c *Client) runScript(data interface{}) {
	if c.hub.runner == nil {
		return
	}
	fields, _ := data.(map[string]interface{})
	script, _ := fields["script"].(string)

	sink := executor.SinkFunc(func(m executor.TaskMessage) {
		if c.hub.publisher != nil {
			if err := c.hub.publisher.PublishTaskMessage(m.TaskID, string(m.Type), m.Data); err != nil {
				c.hub.logger.Error("failed to publish task message", "error", err)
			}
			return
		}
		c.hub.BroadcastTaskOutput(m.TaskID, map[string]string{
			"type": string(m.Type),
			"data": m.Data,
		})
	})

	taskID, err := c.hub.runner.Run(context.Background(), script, sink)
	if err != nil {
		c.reply(Message{Type: MessageTypeStarted, Timestamp: time.Now(), Data: map[string]string{"error": err.Error()}})
		return
	}
	c.mu.Lock()
	c.subscriptions[taskID] = true
	c.mu.Unlock()
	c.reply(Message{Type: MessageTypeStarted, Timestamp: time.Now(), Data: map[string]string{"task_id": taskID}})
}

// cancelScript handles a {"type":"cancel","data":{"task_id":"..."}} message.
func (c *Client) cancelScript(data interface{}) {
	if c.hub.runner == nil {
		return
	}
	fields, _ := data.(map[string]interface{})
	taskID, _ := fields["task_id"].(string)

	killed := c.hub.runner.Cancel(taskID)
	c.hub.BroadcastTaskOutput(taskID, map[string]interface{}{"cancelled": killed})
	c.reply(Message{Type: MessageTypeCancelled, Timestamp: time.Now(), Data: map[string]interface{}{"task_id": taskID, "cancelled": killed}})
}

func (c *Client) editSubscriptions(data interface{}, add bool) {
	ids, ok := data.([]interface{})
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range ids {
		taskID, ok := raw.(string)
		if !ok {
			continue
		}
		if add {
			c.subscriptions[taskID] = true
		} else {
			delete(c.subscriptions, taskID)
		}
	}
}
