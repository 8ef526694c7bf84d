package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"depthcast/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
	sendQueueSize  = 256
)

// client is one subscriber connection. readPump owns all reads and triggers
// unregister on exit; writePump owns all writes, including pings and the
// close frame. Session fields are set once during registration, before the
// pumps start, and never change afterwards.
type client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	// msgType is websocket.TextMessage or websocket.BinaryMessage,
	// fixed by the negotiated codec.
	msgType int

	symbol     string
	streamType types.StreamType
	streamKey  string
	timeframe  string

	closeOnce sync.Once
	logger    *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, msgType int) *client {
	id := uuid.NewString()
	return &client{
		id:      id,
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		msgType: msgType,
		logger:  hub.logger.With("conn_id", id),
	}
}

// trySend queues one frame without blocking. False means the queue is full
// or the client is already closing; callers treat that as a slow consumer.
func (c *client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// close signals the writer to send a close frame and drop the connection.
// Safe to call from any goroutine, any number of times.
func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump pumps queued frames to the websocket connection and keeps the
// ping ticker running. One writer per connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.msgType, data); err != nil {
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

// readPump pumps inbound messages to the hub until the connection dies.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		c.hub.handleInbound(c, data)
	}
}
