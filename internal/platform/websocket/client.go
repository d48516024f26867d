package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
)

// Conn abstracts a WebSocket connection for testability.
// *gorillawebsocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// keepaliveConn is implemented by connections that support deadlines and
// pong callbacks.
type keepaliveConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const writeWait = 10 * time.Second

// Client is a single WebSocket connection. Outbound frames go through a
// bounded queue drained by one writer goroutine, so frames reach the peer in
// the order they were pushed.
type Client struct {
	id     string
	userID string
	role   string
	conn   Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func NewClient(conn Conn, userID, role string, sendBuffer int) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Client{
		id:     uuid.NewString(),
		userID: userID,
		role:   role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }
func (c *Client) Role() string   { return c.role }

// Push enqueues payload without blocking.
func (c *Client) Push(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close stops the writer, which then closes the underlying connection.
// Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done is closed once Close has been called.
func (c *Client) Done() <-chan struct{} { return c.done }

// writePump drains the send queue to the connection and pings the peer every
// pingInterval. It closes the connection when it returns.
func (c *Client) writePump(pingInterval time.Duration) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	ka, hasDeadlines := c.conn.(keepaliveConn)
	defer c.conn.Close()

	write := func(messageType int, data []byte) error {
		if hasDeadlines {
			_ = ka.SetWriteDeadline(time.Now().Add(writeWait))
		}
		return c.conn.WriteMessage(messageType, data)
	}

	for {
		select {
		case msg := <-c.send:
			if err := write(gorillawebsocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-tick:
			if err := write(gorillawebsocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush(write)
			_ = write(gorillawebsocket.CloseMessage,
				gorillawebsocket.FormatCloseMessage(gorillawebsocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still queued when the client is closed.
func (c *Client) flush(write func(int, []byte) error) {
	for {
		select {
		case msg := <-c.send:
			if err := write(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump delivers inbound frames to onMessage until the connection fails,
// ctx is cancelled or the client is closed. pongWait bounds how long the
// peer may stay silent when the connection supports deadlines.
func (c *Client) readPump(ctx context.Context, pongWait time.Duration, maxMessageSize int64, onMessage func([]byte)) {
	if ka, ok := c.conn.(keepaliveConn); ok && pongWait > 0 {
		_ = ka.SetReadDeadline(time.Now().Add(pongWait))
		ka.SetPongHandler(func(string) error {
			return ka.SetReadDeadline(time.Now().Add(pongWait))
		})
	}
	if lim, ok := c.conn.(interface{ SetReadLimit(int64) }); ok && maxMessageSize > 0 {
		lim.SetReadLimit(maxMessageSize)
	}

	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-c.done:
			return
		default:
		}
		onMessage(msg)
	}
}
