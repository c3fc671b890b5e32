package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 * 1024
	messageBuffer  = 256
)

type WSDialer struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

func NewWSDialer(handshakeTimeout time.Duration, logger *slog.Logger) *WSDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	return &WSDialer{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		logger: logger,
	}
}

func (d *WSDialer) Dial(ctx context.Context, address string, header http.Header) (multiplex.Transport, error) {
	ws, resp, err := d.dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return NewWSConn(ws, d.logger), nil
}

// WSConn adapts a websocket connection to multiplex.Transport. Inbound
// frames are read by one pump goroutine; writes are serialized by writeMu.
type WSConn struct {
	ws       *websocket.Conn
	logger   *slog.Logger
	messages chan []byte
	done     chan struct{}

	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
	err    error
}

func NewWSConn(ws *websocket.Conn, logger *slog.Logger) *WSConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &WSConn{
		ws:       ws,
		logger:   logger.With("component", "ws_transport"),
		messages: make(chan []byte, messageBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.pingLoop()
	return c
}

func (c *WSConn) Messages() <-chan []byte {
	return c.messages
}

func (c *WSConn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *WSConn) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return multiplex.ErrTransportClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		if c.isClosed() {
			return multiplex.ErrTransportClosed
		}
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}

func (c *WSConn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *WSConn) readPump() {
	defer close(c.messages)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case c.messages <- data:
		case <-c.done:
			c.finish(nil)
			return
		}
	}
}

func (c *WSConn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}

	switch {
	case err == nil, c.closed:
		c.err = multiplex.ErrTransportClosed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.err = multiplex.ErrTransportClosed
	default:
		c.logger.Error("websocket read error", "error", err)
		c.err = fmt.Errorf("websocket read: %w", err)
	}
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("ping failed", "error", err)
				}
				return
			}
		}
	}
}
