package server

import (
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingEvery   = (pongWait * 9) / 10
	clientQueue = 32
)

// Requests a client may send.
const (
	RequestSnapshot  = "snapshot_request"
	RequestSubscribe = "subscribe"
)

type request struct {
	Type string   `json:"type"`
	Tags []string `json:"tags,omitempty"`
}

type subscribed struct {
	Type string   `json:"type"`
	Tags []string `json:"tags"`
}

type requestError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// client is one websocket connection. All writes go through send and are
// performed by writeLoop, so the connection has a single writer.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	tags map[string]bool
}

func newClient(conn *websocket.Conn, queue int) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, queue),
		closed: make(chan struct{}),
	}
}

// wants reports whether frame events for tag go to this client. A client
// without a subscription receives every tag.
func (c *client) wants(tag string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tags) == 0 || c.tags[tag]
}

// subscribe replaces the tag filter and returns it sorted. An empty list
// clears the filter.
func (c *client) subscribe(tags []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" || c.tags[tag] {
			continue
		}
		c.tags[tag] = true
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// enqueue never blocks. A client whose queue is full has fallen behind the
// frame rate and is disconnected.
func (c *client) enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.close()
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
