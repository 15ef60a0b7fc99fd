package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/CrowderSoup/daily-todo/tasks"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024

	// SendBuffer is the number of outgoing messages queued per client.
	SendBuffer = 16
)

// Message types exchanged over the socket.
const (
	MessageSnapshot = "snapshot"
	MessageError    = "error"
	MessagePing     = "ping"
	MessagePong     = "pong"
	MessageRefresh  = "refresh"
)

// Feed is the snapshot source the hub fans out to sockets.
type Feed interface {
	Subscribe(ctx context.Context, ownerID string) (<-chan tasks.Snapshot, error)
	Refresh(ownerID string)
}

// WebSocketMessage is the envelope of every socket message.
type WebSocketMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// SnapshotData is the payload of a snapshot message.
type SnapshotData struct {
	Tasks []tasks.Record `json:"tasks"`
}

// ErrorData is the payload of an error message.
type ErrorData struct {
	Message string `json:"message"`
}

// Client is one connected socket of a user.
type Client struct {
	Hub   *Hub
	Conn  *websocket.Conn
	Send  chan []byte
	Email string
}

// NewClient wraps an upgraded connection for email.
func NewClient(hub *Hub, conn *websocket.Conn, email string) *Client {
	return &Client{
		Hub:   hub,
		Conn:  conn,
		Send:  make(chan []byte, SendBuffer),
		Email: email,
	}
}

// ReadPump reads client messages until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Warn("WebSocket error", "email", c.Email, "error", err)
			}
			break
		}

		var wsMessage WebSocketMessage
		if err := json.Unmarshal(message, &wsMessage); err != nil {
			c.Hub.logger.Warn("Failed to unmarshal WebSocket message", "email", c.Email, "error", err)
			continue
		}

		switch wsMessage.Type {
		case MessagePing:
			c.Hub.reply(c, WebSocketMessage{
				Type: MessagePong,
				Data: map[string]string{"timestamp": time.Now().Format(time.RFC3339)},
			})
		case MessageRefresh:
			c.Hub.feed.Refresh(c.Email)
		default:
			c.Hub.logger.Debug("Ignoring WebSocket message", "email", c.Email, "type", wsMessage.Type)
		}
	}
}

// WritePump writes queued messages and keeps the connection alive.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type ownerSnapshot struct {
	owner  string
	feedID uint64
	snap   tasks.Snapshot
}

type directMessage struct {
	client  *Client
	message []byte
}

type feedHandle struct {
	id     uint64
	cancel context.CancelFunc
}

// Hub keeps the connected clients of every user and runs one store feed per
// connected user, pushing each snapshot to all of that user's sockets.
type Hub struct {
	feed   Feed
	logger *slog.Logger

	clients map[string]map[*Client]bool
	feeds   map[string]feedHandle
	last    map[string][]byte
	nextID  uint64

	register   chan *Client
	unregister chan *Client
	snapshots  chan ownerSnapshot
	direct     chan directMessage
	done       chan struct{}
}

// NewHub creates a hub over feed. Call Run to start it.
func NewHub(feed Feed, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		feed:       feed,
		logger:     logger,
		clients:    make(map[string]map[*Client]bool),
		feeds:      make(map[string]feedHandle),
		last:       make(map[string][]byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshots:  make(chan ownerSnapshot),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) reply(client *Client, msg WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", "error", err)
		return
	}
	select {
	case h.direct <- directMessage{client: client, message: data}:
	case <-h.done:
	}
}

// Run is the hub's main loop. It returns when ctx ends, closing every
// client and feed.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for owner, f := range h.feeds {
			f.cancel()
			delete(h.feeds, owner)
		}
		for owner, clients := range h.clients {
			for client := range clients {
				close(client.Send)
			}
			delete(h.clients, owner)
		}
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(ctx, client)
		case client := <-h.unregister:
			h.remove(client)
		case m := <-h.direct:
			if h.clients[m.client.Email][m.client] {
				h.send(m.client, m.message)
			}
		case in := <-h.snapshots:
			f, ok := h.feeds[in.owner]
			if !ok || f.id != in.feedID {
				continue
			}
			h.broadcast(in.owner, in.snap)
		}
	}
}

func (h *Hub) add(ctx context.Context, client *Client) {
	if h.clients[client.Email] == nil {
		h.clients[client.Email] = make(map[*Client]bool)
	}
	h.clients[client.Email][client] = true
	h.logger.Info("Client connected", "email", client.Email, "connections", len(h.clients[client.Email]))

	if _, running := h.feeds[client.Email]; running {
		if msg, ok := h.last[client.Email]; ok {
			h.send(client, msg)
		}
		return
	}
	h.startFeed(ctx, client.Email)
}

func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.Email]
	if !ok || !clients[client] {
		return
	}
	delete(clients, client)
	close(client.Send)
	h.logger.Info("Client disconnected", "email", client.Email)

	if len(clients) == 0 {
		delete(h.clients, client.Email)
		delete(h.last, client.Email)
		if f, ok := h.feeds[client.Email]; ok {
			f.cancel()
			delete(h.feeds, client.Email)
		}
	}
}

func (h *Hub) startFeed(ctx context.Context, owner string) {
	h.nextID++
	id := h.nextID
	fctx, cancel := context.WithCancel(ctx)
	h.feeds[owner] = feedHandle{id: id, cancel: cancel}

	go func() {
		deliver := func(snap tasks.Snapshot) bool {
			select {
			case h.snapshots <- ownerSnapshot{owner: owner, feedID: id, snap: snap}:
				return true
			case <-fctx.Done():
				return false
			}
		}

		ch, err := h.feed.Subscribe(fctx, owner)
		if err != nil {
			h.logger.Error("Failed to subscribe", "email", owner, "error", err)
			deliver(tasks.Snapshot{Err: err})
			return
		}
		for snap := range ch {
			if !deliver(snap) {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(owner string, snap tasks.Snapshot) {
	var msg WebSocketMessage
	if snap.Err != nil {
		msg = WebSocketMessage{Type: MessageError, Data: ErrorData{Message: snap.Err.Error()}}
	} else {
		msg = WebSocketMessage{Type: MessageSnapshot, Data: SnapshotData{Tasks: tasks.RecordsOf(snap.Tasks)}}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", "error", err)
		return
	}
	if snap.Err == nil {
		h.last[owner] = data
	}

	h.logger.Debug("Broadcasting message", "type", msg.Type, "email", owner, "clients", len(h.clients[owner]))
	for client := range h.clients[owner] {
		h.send(client, data)
	}
}

// send queues data for client, dropping the client when its buffer is full.
func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("Client send buffer full, removing client", "email", client.Email)
		h.remove(client)
	}
}
