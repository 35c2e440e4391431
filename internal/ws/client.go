package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"rental-chat/internal/models"
)

// Client is one websocket connection of an authenticated participant.
// The send queue is never closed; done signals shutdown to both pumps.
type Client struct {
	User models.ParticipantRef
	Info ConnInfo

	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	// joined is only touched by the read loop.
	joined bool
}

func newClient(conn *websocket.Conn, user models.ParticipantRef, info ConnInfo, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = defaultSendQueue
	}
	return &Client{
		User: user,
		Info: info,
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}
}

// enqueue queues a frame without blocking. It reports false when the frame was dropped.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) sendEvent(event string, payload any) bool {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		log.Printf("websocket encode failed event=%s: %v", event, err)
		return false
	}
	return c.enqueue(frame)
}

// Close stops the client with a normal closure.
func (c *Client) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Client) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// writePump owns every write on the connection and closes it on exit.
func (c *Client) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame, writeWait); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(writeWait)
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) flush(writeWait time.Duration) {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame, writeWait); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte, writeWait time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}
