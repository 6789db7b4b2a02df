package devserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one websocket peer. All writes go through its send queue so a
// client can sit in several rooms without concurrent writes on the socket.
// A client whose queue overflows is closed.
type Client struct {
	id           string
	conn         wsConn
	send         chan []byte
	writeTimeout time.Duration

	once sync.Once
	done chan struct{}
}

func newClient(id string, conn wsConn, sendBuffer int, writeTimeout time.Duration) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	c := &Client{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, sendBuffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) ID() string { return c.id }

func (c *Client) Done() <-chan struct{} { return c.done }

// Enqueue queues data without blocking. It reports false when the client is
// closed or was closed because its queue was full.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if c.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		}
	}
}
