package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/record"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Send buffer size per subscriber.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev store
}

// feedClient is one websocket subscriber scoped to a collection and an
// optional equality filter.
type feedClient struct {
	feed         *Feed
	conn         *websocket.Conn
	send         chan []byte
	connID       string
	collection   string
	filterColumn string
	filterValue  string
}

// Feed fans change events out to websocket subscribers.
type Feed struct {
	logger *zap.Logger

	mu         sync.RWMutex
	clients    map[*feedClient]bool
	register   chan *feedClient
	unregister chan *feedClient
	events     chan record.ChangeEvent
	done       chan struct{}
}

// NewFeed creates a Feed.
func NewFeed(logger *zap.Logger) *Feed {
	return &Feed{
		logger:     logger,
		clients:    make(map[*feedClient]bool),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		events:     make(chan record.ChangeEvent, 256),
		done:       make(chan struct{}),
	}
}

// Run processes feed events. Call this in a goroutine; returns when the
// context is cancelled.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.logger.Info("feed shutting down")
			f.shutdown()
			// Release any pump goroutine still trying to unregister.
			close(f.done)
			return

		case client := <-f.register:
			f.mu.Lock()
			f.clients[client] = true
			f.mu.Unlock()
			f.logger.Debug("feed client registered",
				zap.String("connID", client.connID),
				zap.String("collection", client.collection),
			)

		case client := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[client]; ok {
				delete(f.clients, client)
				close(client.send)
			}
			f.mu.Unlock()

		case ev := <-f.events:
			f.deliver(ev)
		}
	}
}

// Broadcast queues a change event for delivery to matching subscribers.
func (f *Feed) Broadcast(ev record.ChangeEvent) {
	select {
	case f.events <- ev:
	default:
		f.logger.Warn("feed backlog full, dropping event",
			zap.String("collection", ev.Collection),
		)
	}
}

func (f *Feed) deliver(ev record.ChangeEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("encoding change event", zap.Error(err))
		return
	}

	f.mu.RLock()
	targets := make([]*feedClient, 0, len(f.clients))
	for client := range f.clients {
		if client.matches(ev) {
			targets = append(targets, client)
		}
	}
	f.mu.RUnlock()

	for _, client := range targets {
		select {
		case client.send <- payload:
		default:
			// Buffer full, schedule disconnect.
			go f.drop(client)
		}
	}
}

// drop unregisters a client without blocking past feed shutdown; once Run
// has returned nobody receives on unregister.
func (f *Feed) drop(c *feedClient) {
	select {
	case f.unregister <- c:
	case <-f.done:
	}
}

func (f *Feed) shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		close(client.send)
		delete(f.clients, client)
	}
}

// matches reports whether a change event belongs on this subscriber's
// stream. Deletes carry only an id, so a filtered subscriber still receives
// them; the client-side reconciler treats a delete for an unknown id as a
// no-op.
func (c *feedClient) matches(ev record.ChangeEvent) bool {
	if ev.Collection != c.collection {
		return false
	}
	if c.filterColumn == "" || ev.Type == record.EventDelete {
		return true
	}
	v, ok := ev.Record[c.filterColumn]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", v) == c.filterValue
}

// HandleRealtime upgrades the connection and streams matching change
// events until the peer goes away.
func (f *Feed) HandleRealtime(w http.ResponseWriter, r *http.Request) {
	collection := r.URL.Query().Get("collection")
	if collection == "" {
		http.Error(w, "missing required 'collection' query parameter", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &feedClient{
		feed:         f,
		conn:         conn,
		send:         make(chan []byte, sendBufferSize),
		connID:       uuid.New().String(),
		collection:   collection,
		filterColumn: r.URL.Query().Get("filter_column"),
		filterValue:  r.URL.Query().Get("filter_value"),
	}

	f.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump discards inbound frames and detects disconnects.
func (c *feedClient) readPump() {
	defer func() {
		c.feed.drop(c)
		c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.feed.logger.Debug("feed read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
	}
}

// writePump writes queued events and keepalive pings.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
