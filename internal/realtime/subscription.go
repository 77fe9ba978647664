// Package realtime consumes the store's server-pushed change-event stream
// over a websocket. The subscription is surfaced as a cancellable channel
// of events rather than a callback, so teardown cannot leak the transport.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opsdeck/livesync/internal/record"
)

const (
	// Time allowed to write a control message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum event frame size accepted from the peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Buffered events before the reader blocks the read pump.
	eventBufferSize = 64
)

// Subscription is one open change-event stream.
type Subscription struct {
	conn   *websocket.Conn
	events chan record.ChangeEvent
	done   chan struct{}
	logger *zap.Logger

	closeOnce sync.Once
}

// Dial opens a subscription at wsURL. The returned Subscription delivers
// decoded change events on Events until the stream ends or Close is called.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger) (*Subscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}

	s := &Subscription{
		conn:   conn,
		events: make(chan record.ChangeEvent, eventBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}

	go s.readPump()
	go s.pingLoop()
	return s, nil
}

// Events returns the change-event channel. It is closed when the stream
// ends, whether by Close or by a transport failure.
func (s *Subscription) Events() <-chan record.ChangeEvent {
	return s.events
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	return nil
}

// readPump reads event frames until the connection dies, then closes the
// event channel.
func (s *Subscription) readPump() {
	defer func() {
		_ = s.Close()
		close(s.events)
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("realtime read error", zap.Error(err))
			}
			return
		}

		ev, err := record.DecodeEvent(message)
		if err != nil {
			s.logger.Debug("dropping malformed change event", zap.Error(err))
			continue
		}

		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.Close()
				return
			}
		}
	}
}
