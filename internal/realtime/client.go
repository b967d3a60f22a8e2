// ABOUTME: One WebSocket connection: bounded outbound queue, read pump and write pump
// ABOUTME: Slow consumers lose push events rather than stalling the fan-out

package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/metrics"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 * 1024
)

type client struct {
	id       string
	identity *auth.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(id string, identity *auth.Identity, conn *websocket.Conn) *client {
	return &client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
}

// push queues a frame without blocking. Returns false when the frame was
// dropped because the queue is full or the client is gone.
func (c *client) push(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		metrics.OutboundDropped.Inc()
		return false
	}
}

// reply queues an ack, waiting up to writeWait for room in the queue.
func (c *client) reply(frame []byte) bool {
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		metrics.OutboundDropped.Inc()
		return false
	}
}

// shutdown stops the write pump and closes the socket. Safe to call twice.
func (c *client) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump owns all writes to the socket.
func (c *client) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// readPump delivers frames to handle until the socket fails. Pongs extend
// the read deadline.
func (c *client) readPump(pingInterval time.Duration, handle func(frame []byte)) {
	pongWait := pingInterval * 2
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, frame, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(frame)
	}
}
