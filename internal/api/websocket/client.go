package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection. writePump is the only
// writer on conn and closes it once send is closed.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	logger     *zap.Logger
	remoteAddr string

	authenticated bool

	mu     sync.Mutex
	closed bool
	sub    Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// enqueue reports false when the client is closed or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.enqueue(data)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(maxMessageSize)
	if c.authenticated {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
	} else {
		c.conn.SetReadDeadline(time.Now().Add(authWait))
	}
	c.conn.SetPongHandler(func(string) error {
		if c.authenticated {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		var msg inbound
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if msg.Type != "auth" || msg.Token == "" {
				c.sendAuthFailed("First message must be authentication")
				return
			}
			claims, err := c.hub.validator.ValidateAccessToken(msg.Token)
			if err != nil {
				c.logger.Warn("WebSocket authentication failed",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr))
				c.sendAuthFailed("Invalid or expired token")
				return
			}

			c.authenticated = true
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.sendMessage(NewMessage(MessageTypeAuthSuccess, map[string]string{
				"subject": claims.Subject,
				"role":    claims.Role,
			}))

			// NOW register to hub (only after auth)
			if !c.hub.add(c) {
				return
			}
			continue
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleMessage(msg)
	}
}

func (c *Client) sendAuthFailed(reason string) {
	c.sendMessage(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": reason}))
}

func (c *Client) handleMessage(msg inbound) {
	switch msg.Type {
	case "subscribe":
		sub := Subscription{Devices: msg.Devices, Tags: msg.Tags, Kinds: msg.Kinds}
		c.mu.Lock()
		c.sub = sub
		c.mu.Unlock()
		c.sendMessage(NewMessage(MessageTypeSubscribed, sub))
	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr),
			zap.String("type", msg.Type))
		c.sendMessage(NewMessage(MessageTypeError, map[string]string{"reason": "unknown message type " + msg.Type}))
	}
}

// writePump handles writing messages to the WebSocket connection
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}

			if err := w.Close(); err != nil {
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

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		logger:        hub.logger,
		remoteAddr:    conn.RemoteAddr().String(),
		authenticated: hub.validator == nil,
	}

	go client.writePump()

	if client.authenticated && !hub.add(client) {
		client.closeSend()
		return
	}
	go client.readPump()
}
