package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"instarelay/internal/observability/metrics"
)

// DefaultSendBuffer is the number of outbound frames a connection may queue
// before it is treated as a slow consumer.
const DefaultSendBuffer = 64

var (
	// ErrSlowConsumer is the close reason of a connection whose outbound
	// buffer overflowed.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrConnectionClosed is the close reason of a connection closed by the
	// client or the server.
	ErrConnectionClosed = errors.New("connection closed")
)

// Connection is one live duplex channel. The transport drains Outbound and
// stops when Done is closed; everything else only calls Deliver or Send,
// which never block.
type Connection struct {
	id       string
	send     chan []byte
	done     chan struct{}
	recorder *metrics.Recorder

	mu     sync.Mutex
	userID string
	reason error

	closeOnce sync.Once
	released  atomic.Bool
}

// NewConnection allocates a connection with the given outbound buffer size.
func NewConnection(buffer int) *Connection {
	return newConnection(buffer, nil)
}

func newConnection(buffer int, recorder *metrics.Recorder) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Connection{
		id:       uuid.NewString(),
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		recorder: recorder,
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the associated user, or "" before association.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Connection) setUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// Outbound yields serialized frames in delivery order. It is never closed;
// readers select on Done as well.
func (c *Connection) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Deliver queues payload. A full buffer closes the connection with
// ErrSlowConsumer and reports false.
func (c *Connection) Deliver(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		if c.closeWith(ErrSlowConsumer) {
			c.recorder.ObserveEviction()
			slog.Default().Warn("evicting slow consumer", "conn_id", c.id, "user_id", c.UserID())
		}
		return false
	}
}

// Send marshals and delivers event.
func (c *Connection) Send(event Event) bool {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Default().Error("marshal relay event", "type", event.Type, "error", err)
		return false
	}
	return c.Deliver(payload)
}

// Close closes the connection. Further calls are no-ops.
func (c *Connection) Close() {
	c.closeWith(ErrConnectionClosed)
}

func (c *Connection) closeWith(reason error) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		closed = true
	})
	return closed
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// release reports true exactly once, for the caller that tears the
// connection down.
func (c *Connection) release() bool {
	return c.released.CompareAndSwap(false, true)
}

// CloseReason reports why the connection closed, or nil while open.
func (c *Connection) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}
