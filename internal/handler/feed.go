package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perforay/internal/model"
	"perforay/internal/protocol"
	"perforay/internal/store"
)

var (
	// Heartbeat interval
	pingInterval = 30 * time.Second
	// Write timeout
	feedWriteTimeout = 10 * time.Second
	// A client that sends nothing, not even a pong, for this long is dropped
	pongWait = 60 * time.Second
)

const (
	feedMsgConnected = "connected"
	feedMsgResult    = "result"
	feedMsgPing      = "ping"
	feedMsgPong      = "pong"
	feedSendBuffer   = 64
)

// FeedMessage is one message on the result feed
type FeedMessage struct {
	Type     string            `json:"type"`
	ClientID string            `json:"client_id,omitempty"`
	Host     string            `json:"host,omitempty"`
	Data     *model.ScanResult `json:"data,omitempty"`
}

type feedItem struct {
	host string
	data []byte
}

// FeedClient is one websocket subscriber of the result feed
type FeedClient struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	Hub  *FeedHub
	// Host filter, empty means all hosts
	Host string
}

// FeedHub 结果推送中心: broadcasts every registered result to the feed clients
type FeedHub struct {
	clients    map[*FeedClient]bool
	broadcast  chan feedItem
	register   chan *FeedClient
	unregister chan *FeedClient
	done       chan struct{}
	logger     zerolog.Logger
	mu         sync.RWMutex
}

// NewFeedHub creates a new result feed hub
func NewFeedHub(logger zerolog.Logger) *FeedHub {
	return &FeedHub{
		clients:    make(map[*FeedClient]bool),
		broadcast:  make(chan feedItem, 256),
		register:   make(chan *FeedClient),
		unregister: make(chan *FeedClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Name makes the hub usable as a store backend
func (h *FeedHub) Name() string { return "feed" }

// Create publishes result to the feed; it never blocks on slow clients
func (h *FeedHub) Create(ctx context.Context, result *model.ScanResult) error {
	return h.Publish(result)
}

// Publish queues result for broadcast. When the queue is full the result is dropped.
func (h *FeedHub) Publish(result *model.ScanResult) error {
	host := store.HostOf(result.Target)
	data, err := protocol.Encode(FeedMessage{Type: feedMsgResult, Host: host, Data: result})
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- feedItem{host: host, data: data}:
	default:
		h.logger.Warn().Str("result_id", result.ID).Msg("feed queue full, result dropped")
	}
	return nil
}

// Run is the hub's event loop; it disconnects every client when ctx is done
func (h *FeedHub) Run(ctx context.Context) {
	h.logger.Info().Msg("Hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.Send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info().Msg("Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Str("client_id", client.ID).Int("clients", total).Msg("Client connected")

		case client := <-h.unregister:
			h.remove(client)

		case item := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*FeedClient, 0, len(h.clients))
			for client := range h.clients {
				if client.Host == "" || client.Host == item.host {
					clients = append(clients, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.Send <- item.data:
				default:
					// Client send buffer is full, close connection
					h.remove(client)
				}
			}
		}
	}
}

func (h *FeedHub) remove(client *FeedClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.Send)
	}
	total := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info().Str("client_id", client.ID).Int("clients", total).Msg("Client disconnected")
	}
}

// GetClientCount returns the number of connected clients
func (h *FeedHub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ReadPump handles incoming messages from the client
func (c *FeedClient) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(4 * 1024)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Hub.logger.Debug().Err(err).Str("client_id", c.ID).Msg("read error")
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg FeedMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		// Client ping, respond with pong
		if msg.Type == feedMsgPing {
			data, _ := protocol.Encode(FeedMessage{Type: feedMsgPong})
			c.Hub.mu.RLock()
			_, live := c.Hub.clients[c]
			if live {
				select {
				case c.Send <- data:
				default:
				}
			}
			c.Hub.mu.RUnlock()
		}
	}
}

// WritePump handles outgoing messages to the client
func (c *FeedClient) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if !ok {
				// Channel closed
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// FeedHandler handles result feed websocket connections
type FeedHandler struct {
	hub      *FeedHub
	upgrader websocket.Upgrader
}

// NewFeedHandler creates a new result feed handler
func NewFeedHandler(hub *FeedHub) *FeedHandler {
	return &FeedHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: readBufferSize,
		},
	}
}

// HandleFeed streams registered results, optionally filtered by ?host=
func (h *FeedHandler) HandleFeed(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &FeedClient{
		ID:   uuid.NewString(),
		Conn: conn,
		Send: make(chan []byte, feedSendBuffer),
		Hub:  h.hub,
		Host: strings.ToLower(strings.TrimSpace(c.Query("host"))),
	}

	// Queue the welcome message while the client is still private to this goroutine
	if data, err := protocol.Encode(FeedMessage{Type: feedMsgConnected, ClientID: client.ID, Host: client.Host}); err == nil {
		client.Send <- data
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

// GetStats returns feed statistics
func (h *FeedHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": h.hub.GetClientCount(),
	})
}
