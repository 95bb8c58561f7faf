package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shelltender/shelltender/internal/config"
	"github.com/shelltender/shelltender/internal/logger"
	"github.com/shelltender/shelltender/internal/protocol"
)

// client holds one websocket connection and its subscription state. The
// reader goroutine owns inbound frames; the writer goroutine drains the
// outbound queue so a slow socket can never block the PTY readers.
type client struct {
	id   string
	conn *websocket.Conn

	send chan protocol.ServerMessage
	once sync.Once
	done chan struct{}

	overflowPolicy string

	mu          sync.Mutex
	subscribed  map[string]bool
	lastSeq     map[string]uint64
	incremental map[string]bool
	patterns    map[string]bool // pattern ids owned by this client
	eventTypes  map[string]bool
	isMonitor   bool
	adminSess   map[string]bool
	connectedAt time.Time
	dropped     uint64
}

func newClient(id string, conn *websocket.Conn, cfg *config.Config) *client {
	return &client{
		id:             id,
		conn:           conn,
		send:           make(chan protocol.ServerMessage, cfg.OutboundQueueSize),
		done:           make(chan struct{}),
		overflowPolicy: cfg.OverflowPolicy,
		subscribed:     make(map[string]bool),
		lastSeq:        make(map[string]uint64),
		incremental:    make(map[string]bool),
		patterns:       make(map[string]bool),
		eventTypes:     make(map[string]bool),
		adminSess:      make(map[string]bool),
		connectedAt:    time.Now(),
	}
}

// enqueue places a frame on the outbound queue without blocking. On a full
// queue the overflow policy decides: close the connection with 1009, or
// drop the frame and keep going.
func (c *client) enqueue(msg protocol.ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	default:
		if c.overflowPolicy == config.OverflowDrop {
			c.mu.Lock()
			c.dropped++
			n := c.dropped
			c.mu.Unlock()
			if n%100 == 1 {
				logger.Warn("slow client, dropping frames", "client", c.id, "dropped", n)
			}
			return
		}
		logger.Warn("slow client, closing", "client", c.id)
		c.closeWith(websocket.CloseMessageTooBig, "outbound queue overflow")
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (c *client) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteJSON(msg); err != nil {
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeWith signals shutdown and sends a close frame best-effort. Safe to
// call from any goroutine, any number of times.
func (c *client) closeWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.conn.Close()
	})
}

func (c *client) subscribe(sessionID string, incremental bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[sessionID] = true
	c.incremental[sessionID] = incremental
}

func (c *client) unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, sessionID)
	delete(c.lastSeq, sessionID)
	delete(c.incremental, sessionID)
}

func (c *client) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[sessionID]
}

func (c *client) setSeq(sessionID string, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeq[sessionID] = seq
}

func (c *client) ownedPatterns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.patterns))
	for id := range c.patterns {
		out = append(out, id)
	}
	return out
}

// wantsEvent reports whether the client subscribed to an event type. An
// empty allowlist means no terminal events are forwarded.
func (c *client) wantsEvent(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventTypes[eventType]
}
