// Package websocket adapts gorilla websocket connections to domain.Transport.
package websocket

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workwithpact/cf-socket-server/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	// ErrClosed is returned by Send once the connection is closed.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the outbound buffer is full.
	ErrSlowConsumer = errors.New("send buffer full")
)

// Conn is one client websocket. Writes go through a buffered channel drained
// by a single writer goroutine; inbound frames are handed to the handler.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	handler domain.MessageHandler
	details map[string]string
}

func NewConn(id string, ws *websocket.Conn, h domain.MessageHandler, details map[string]string) *Conn {
	if details == nil {
		details = map[string]string{}
	}
	return &Conn{
		id:      id,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		handler: h,
		details: details,
	}
}

func (c *Conn) ID() string { return c.id }

// Details returns a copy of the connection metadata captured at upgrade.
func (c *Conn) Details() map[string]string {
	out := make(map[string]string, len(c.details))
	for k, v := range c.details {
		out[k] = v
	}
	return out
}

func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops the connection. Buffered frames already queued are flushed
// before the close frame is written.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Start runs the read and write pumps.
func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.handler.Unregister(c)
		c.Close()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("read error", "sessionId", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.handler.Handle(c, data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}
