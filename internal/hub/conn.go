// Defines one client WebSocket connection and its outbound queue.

package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maruel/ksid"
)

// State is the lifecycle stage of a Conn. It only moves forward.
type State int32

// Connection states.
const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one client connection owned by a Hub.
type Conn struct {
	id     ksid.ID
	ws     *websocket.Conn
	remote string

	send  chan []byte
	done  chan struct{}
	state atomic.Int32
	once  sync.Once
}

func newConn(ws *websocket.Conn, remote string, queue int) *Conn {
	return &Conn{
		id:     ksid.NewID(),
		ws:     ws,
		remote: remote,
		send:   make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

// ID returns the connection ID, unique within the process.
func (c *Conn) ID() ksid.ID {
	return c.id
}

// Remote returns the client address.
func (c *Conn) Remote() string {
	return c.remote
}

// State returns the current state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Send queues msg without blocking. When the queue is full the connection
// is closed and Send returns false.
func (c *Conn) Send(msg []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		droppedConnectionsTotal.Inc()
		c.Close()
		return false
	}
}

// Close moves the connection to StateClosed and releases the socket. It is
// safe to call from any goroutine, more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.ws.Close()
	})
}

// ping sends a ping control frame. WriteControl may run concurrently with
// writePump.
func (c *Conn) ping(timeout time.Duration) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// writePump drains the outbound queue until the connection closes.
func (c *Conn) writePump(timeout time.Duration) {
	defer c.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
