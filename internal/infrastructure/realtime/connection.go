package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second

	defaultSendBuffer = 128
)

// Close codes sent to clients. 4000-4999 is the application range.
const (
	CloseSessionReplaced = 4001
	CloseSlowConsumer    = 4008
)

var (
	ErrConnectionClosed = errors.New("realtime: connection closed")
	ErrSendBufferFull   = errors.New("realtime: connection buffer exceeded")
)

// Connection is the outbound half of one websocket client. Frames are queued
// in a bounded buffer and written by a single goroutine, which also owns the
// socket: after Close it flushes what is queued, sends the close frame and
// closes the socket, which in turn ends the caller's read loop.
type Connection struct {
	SessionID string
	UserID    string

	ws   *websocket.Conn
	send chan []byte

	once   sync.Once
	done   chan struct{}
	code   int
	reason string
}

// NewConnection wraps ws. buffer <= 0 selects the default send buffer.
func NewConnection(sessionID, userID string, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Connection{
		SessionID: sessionID,
		UserID:    userID,
		ws:        ws,
		send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues payload. A client that cannot drain its buffer is disconnected
// with CloseSlowConsumer; its session is suspended and catches up through
// backfill on reconnect.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(CloseSlowConsumer, "send buffer full")
		return ErrSendBufferFull
	}
}

// SendJSON encodes v and queues it.
func (c *Connection) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close asks the write loop to flush and close the socket with code. Only the
// first call has an effect.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		c.code, c.reason = code, reason
		close(c.done)
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() { _ = c.ws.Close() }()

	for {
		select {
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(c.code, c.reason), time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// flush writes the frames queued before Close.
func (c *Connection) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
