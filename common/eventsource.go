package common

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zombiego/zombie/api"
	"github.com/zombiego/zombie/log"
)

// Ensure WebSocketSource implements the api.EventSource interface.
var _ api.EventSource = &WebSocketSource{}

// WebSocketSource delivers the messages of a WebSocket connection. Text
// messages are delivered as strings, binary ones as []byte.
type WebSocketSource struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	done   chan struct{}
}

// NewWebSocketSource returns a source for url. Nothing is dialed before
// Start.
func NewWebSocketSource(ctx context.Context, url string, header http.Header, logger *log.Logger) *WebSocketSource {
	ctx, cancel := context.WithCancel(ctx)
	return &WebSocketSource{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start dials the server and delivers messages until the connection or the
// source is closed.
func (s *WebSocketSource) Start(deliver func(msg any)) {
	go func() {
		defer close(s.done)

		conn, _, err := s.dialer.DialContext(s.ctx, s.url, s.header)
		if err != nil {
			s.logger.Errorf("WebSocketSource:Start", "dialing %q: %v", s.url, err)
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.listen(conn, deliver)
	}()
}

func (s *WebSocketSource) listen(conn *websocket.Conn, deliver func(msg any)) {
	for {
		typ, message, err := conn.ReadMessage()
		if websocket.IsCloseError(err,
			websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure,
			websocket.CloseGoingAway,
		) {
			return
		}
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Errorf("WebSocketSource:listen", "reading message from %q: %v", s.url, err)
			}
			return
		}
		s.logger.Debugf("WebSocketSource:listen", "received %d bytes from %q", len(message), s.url)

		if typ == websocket.TextMessage {
			deliver(string(message))
		} else {
			deliver(message)
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *WebSocketSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancel()
	if conn == nil {
		return nil
	}
	if err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	); err != nil {
		s.logger.Debugf("WebSocketSource:Close", "sending close message: %v", err)
	}
	return conn.Close() //nolint:wrapcheck
}
