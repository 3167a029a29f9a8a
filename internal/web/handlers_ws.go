package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"deye-go-cloud/internal/poller"
)

// WSHub fans poller events out to WebSocket subscribers. Each message is
// the JSON form of a poller.Event, so a dashboard sees the same
// reading_added / reading_changed / update_failed / snapshot_updated
// stream the internal bus carries.
type WSHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}

	register   chan *wsClient
	unregister chan *wsClient
	events     chan poller.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a hub; Run must be started in its own goroutine.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:     logger.With("component", "ws"),
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     make(chan poller.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run is the hub event loop: client churn and event fan-out.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", "total", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "total", n)

		case event := <-h.events:
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("marshal event", "type", event.Type, "err", err)
				continue
			}
			h.fanOut(data)
		}
	}
}

// fanOut delivers one frame to every client, evicting any whose send
// buffer is full. A stalled reader must not hold up the poll cycle.
func (h *WSHub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
			h.logger.Warn("client evicted, send buffer full")
		}
	}
}

// Broadcast queues a poller event for fan-out. Never blocks; when the hub
// is saturated the event is dropped (clients resync on the next
// snapshot_updated anyway).
func (h *WSHub) Broadcast(event poller.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("event queue full, dropping", "type", event.Type)
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without configured origins nhooyr falls back to a same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Prime the connection with the current snapshot so the client renders
	// immediately instead of waiting out the poll interval.
	if primer, err := json.Marshal(poller.Event{
		Type: poller.EventSnapshotUpdated,
		Data: s.poller.Snapshot(),
	}); err == nil {
		client.send <- primer
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWriteLoop(client)
	s.wsReadLoop(client)
}

func (s *Server) wsWriteLoop(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Hub closed the channel.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadLoop drains the connection until the client hangs up or the hub
// stops. Incoming frames are discarded; the stream is one-way.
func (s *Server) wsReadLoop(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
