package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamhouse/questd/internal/core"
	"github.com/dreamhouse/questd/internal/logging"
)

const (
	traceWriteWait  = 10 * time.Second
	tracePongWait   = 60 * time.Second
	tracePingPeriod = 50 * time.Second
	traceBuffer     = 64
)

// TraceMessage is one frame on the trace stream
type TraceMessage struct {
	Type      string               `json:"type"`
	Data      *core.ExecutionTrace `json:"data"`
	Timestamp time.Time            `json:"timestamp"`
}

// TraceHub streams execution traces to websocket clients. Publish never
// blocks: a client whose buffer is full misses frames.
type TraceHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*traceClient]struct{}
	closed  bool
	wg      sync.WaitGroup
}

type traceClient struct {
	conn  *websocket.Conn
	send  chan []byte
	quest string // empty streams every quest
}

// NewTraceHub creates a trace hub
func NewTraceHub() *TraceHub {
	return &TraceHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*traceClient]struct{}),
	}
}

// Publish sends a trace to every subscribed client. It matches the
// runtime's OnTrace hook.
func (h *TraceHub) Publish(trace *core.ExecutionTrace) {
	if trace == nil {
		return
	}
	msgType := "execution"
	if !trace.Matched {
		msgType = "no_match"
	} else if trace.Error != "" {
		msgType = "failure"
	}
	data, err := json.Marshal(TraceMessage{Type: msgType, Data: trace, Timestamp: time.Now()})
	if err != nil {
		logging.WithField("quest", trace.Quest).Warn("failed to encode trace: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.quest != "" && c.quest != trace.Quest {
			continue
		}
		select {
		case c.send <- data:
		default:
			logging.WithField("quest", trace.Quest).Debug("trace client lagging, frame dropped")
		}
	}
}

// Clients returns the number of connected clients
func (h *TraceHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams traces until the client goes
// away. ?quest= limits the stream to one quest.
// GET /ws/traces
func (h *TraceHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		respondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		return
	}

	c := &traceClient{
		conn:  conn,
		send:  make(chan []byte, traceBuffer),
		quest: r.URL.Query().Get("quest"),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// remove unregisters c and closes its send channel once
func (h *TraceHub) remove(c *traceClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readLoop discards client frames and detects disconnects
func (h *TraceHub) readLoop(c *traceClient) {
	defer h.wg.Done()
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(tracePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(tracePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *TraceHub) writeLoop(c *traceClient) {
	defer h.wg.Done()
	ticker := time.NewTicker(tracePingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(traceWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(traceWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// Close disconnects every client and refuses new ones
func (h *TraceHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
