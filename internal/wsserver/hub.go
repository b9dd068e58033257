// Package wsserver is the WebSocket transport. It upgrades HTTP
// requests, numbers each connection, and queues lifecycle events
// (connect, frame, error, disconnect) for the control loop to drain
// with [Hub.Service]. Responses go back through [Hub.Text] by
// connection id.
//
// Socket I/O runs on per-connection goroutines; the handler callbacks
// never do. They run on whichever goroutine calls Service, so the
// gateway sees events one at a time and in arrival order.
package wsserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/sensorgate/internal/metrics"
)

var (
	// ErrUnknownClient is returned for a connection id that is not open.
	ErrUnknownClient = errors.New("unknown websocket client")
	// ErrSendQueueFull is returned when a client is not draining its
	// outbound queue.
	ErrSendQueueFull = errors.New("websocket send queue full")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	// readLimit caps a single inbound message. Anything between the
	// protocol's frame limit and this is delivered and dropped upstream.
	readLimit = 64 * 1024

	eventBuffer = 256

	// serviceBatch caps the events one Service call dispatches.
	serviceBatch = 32
)

// ClientID identifies one connection for its lifetime.
type ClientID uint32

// Frame is one inbound WebSocket message.
type Frame struct {
	Text bool
	Data []byte
}

// EventHandler receives connection lifecycle events.
type EventHandler interface {
	OnConnect(ctx context.Context, id ClientID, remote string)
	OnDisconnect(ctx context.Context, id ClientID)
	OnFrame(ctx context.Context, id ClientID, f Frame)
	OnError(ctx context.Context, id ClientID, err error)
}

type eventKind int

const (
	evConnect eventKind = iota
	evFrame
	evError
	evDisconnect
)

type event struct {
	kind   eventKind
	id     ClientID
	remote string
	frame  Frame
	err    error
}

type client struct {
	id     ClientID
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	once   sync.Once
	closed atomic.Bool
	gone   atomic.Bool // disconnect event dispatched
}

func (c *client) close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.quit)
	})
}

// Options configures a Hub.
type Options struct {
	SendQueue int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Hub accepts WebSocket connections and tracks them by id.
type Hub struct {
	upgrader  websocket.Upgrader
	sendQueue int
	metrics   *metrics.Metrics
	logger    *slog.Logger

	nextID atomic.Uint32
	events chan event
	done   chan struct{}
	stop   sync.Once

	mu      sync.Mutex
	clients map[ClientID]*client
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 16
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Peers are not authenticated; any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sendQueue: opts.SendQueue,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		events:    make(chan event, eventBuffer),
		done:      make(chan struct{}),
		clients:   make(map[ClientID]*client),
	}
}

// ServeHTTP upgrades the request and starts the connection's pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		id:   ClientID(h.nextID.Add(1)),
		conn: conn,
		send: make(chan []byte, h.sendQueue),
		quit: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.Clients(n)

	h.push(event{kind: evConnect, id: c.id, remote: r.RemoteAddr})
	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) push(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		c.close()
		h.push(event{kind: evDisconnect, id: c.id})
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.push(event{kind: evError, id: c.id, err: err})
			}
			return
		}
		h.push(event{kind: evFrame, id: c.id, frame: Frame{Text: mt == websocket.TextMessage, Data: data}})
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.quit:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// Service dispatches the events queued when it was called, at most
// serviceBatch of them, to handler in arrival order, then discards
// connections whose disconnect has been delivered. Later events wait for
// the next call, so a fast sender cannot hold the caller. It never
// blocks waiting for new events.
func (h *Hub) Service(ctx context.Context, handler EventHandler) {
	for n := min(len(h.events), serviceBatch); n > 0; n-- {
		h.dispatch(ctx, handler, <-h.events)
	}
	h.cleanup()
}

func (h *Hub) dispatch(ctx context.Context, handler EventHandler, ev event) {
	switch ev.kind {
	case evConnect:
		h.logger.Info("websocket client connected", "client_id", ev.id, "remote", ev.remote)
		handler.OnConnect(ctx, ev.id, ev.remote)
	case evFrame:
		handler.OnFrame(ctx, ev.id, ev.frame)
	case evError:
		h.logger.Warn("websocket client error", "client_id", ev.id, "error", ev.err)
		handler.OnError(ctx, ev.id, ev.err)
	case evDisconnect:
		h.logger.Info("websocket client disconnected", "client_id", ev.id)
		handler.OnDisconnect(ctx, ev.id)
		h.mu.Lock()
		c, ok := h.clients[ev.id]
		h.mu.Unlock()
		if ok {
			c.gone.Store(true)
		}
	}
}

// cleanup drops closed clients from the table.
func (h *Hub) cleanup() {
	h.mu.Lock()
	removed := false
	for id, c := range h.clients {
		if c.closed.Load() && c.gone.Load() {
			delete(h.clients, id)
			removed = true
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	if removed {
		h.metrics.Clients(n)
	}
}

func (h *Hub) lookup(id ClientID) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok || c.closed.Load() {
		return nil, false
	}
	return c, true
}

// CanSend reports whether id is open and has room in its send queue.
func (h *Hub) CanSend(id ClientID) bool {
	c, ok := h.lookup(id)
	return ok && len(c.send) < cap(c.send)
}

// Text queues payload as a text frame to id.
func (h *Hub) Text(id ClientID, payload []byte) error {
	c, ok := h.lookup(id)
	if !ok {
		return ErrUnknownClient
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close closes one connection with a normal close frame.
func (h *Hub) Close(id ClientID) {
	if c, ok := h.lookup(id); ok {
		c.close()
	}
}

// CloseAll closes every connection and stops accepting new ones.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.Unlock()
	h.stop.Do(func() { close(h.done) })
}

// Count returns the number of tracked connections, including closed
// ones not yet discarded by Service.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
