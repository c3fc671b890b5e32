package multiplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const DefaultMaxContexts = 5

type Config struct {
	BaseURL     string
	APIKey      string
	VoiceID     string
	MaxContexts int
}

type Option func(*Connection)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithOnConnected(fn func()) Option {
	return func(c *Connection) { c.onConnected = fn }
}

// WithOnDisconnected registers a hook run whenever the connection goes
// down. err is nil for Disconnect and the terminal transport error otherwise.
// The hook may run on the receive goroutine.
func WithOnDisconnected(fn func(err error)) Option {
	return func(c *Connection) { c.onDisconnected = fn }
}

// WithOnGlobalError registers a hook for failures that belong to no
// context: unroutable remote errors, transport failures and panics
// recovered from context handlers.
func WithOnGlobalError(fn func(err error)) Option {
	return func(c *Connection) { c.onGlobalError = fn }
}

// Connection multiplexes many Contexts over one Transport. A single receive
// goroutine owns the inbound side; outbound writes go through a shared
// writer.
type Connection struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	onConnected    func()
	onDisconnected func(error)
	onGlobalError  func(error)

	lifecycle sync.Mutex

	mu        sync.RWMutex
	transport Transport
	out       *writer
	connected bool
	contexts  map[string]*Context
	loop      *receiver
}

// receiver tracks one run of the receive loop. inCallback is set while the
// loop goroutine is running handlers, so a Disconnect issued from a handler
// does not wait on its own goroutine.
type receiver struct {
	cancel     context.CancelFunc
	done       chan struct{}
	inCallback atomic.Bool
}

func New(cfg Config, dialer Dialer, opts ...Option) *Connection {
	if cfg.MaxContexts <= 0 {
		cfg.MaxContexts = DefaultMaxContexts
	}

	c := &Connection{
		cfg:      cfg,
		dialer:   dialer,
		logger:   slog.Default(),
		contexts: make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "multiplex", "voice_id", cfg.VoiceID)
	return c
}

func (c *Connection) MaxContexts() int {
	return c.cfg.MaxContexts
}

// Connect dials the multi-context endpoint and starts the receive loop.
// A connection whose transport went away on its own is torn down first,
// dropping its stale contexts.
func (c *Connection) Connect(ctx context.Context, params map[string]string) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.IsConnected() {
		return ErrAlreadyConnected
	}
	_ = c.teardown()

	address := BuildAddress(c.cfg.BaseURL, c.cfg.VoiceID, params)
	header := http.Header{}
	header.Set(apiKeyHeader, c.cfg.APIKey)

	t, err := c.dialer.Dial(ctx, address, header)
	if err != nil {
		c.logger.Error("connect failed", "address", address, "error", err)
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &receiver{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.transport = t
	c.out = newWriter(t, c.logger)
	c.connected = true
	c.loop = loop
	c.mu.Unlock()

	go c.receiveLoop(loopCtx, t, loop)

	c.logger.Info("connected", "address", address)
	if c.onConnected != nil {
		c.onConnected()
	}
	return nil
}

// Disconnect stops the receive loop, closes the transport and forgets every
// context. No close notification is sent to the peer. Called from a context
// handler it returns without waiting for the loop, which exits as soon as the
// handler returns.
func (c *Connection) Disconnect() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	hasTransport := c.transport != nil
	wasConnected := c.connected
	c.mu.RUnlock()

	if !hasTransport {
		return nil
	}

	err := c.teardown()
	c.logger.Info("disconnected")

	if wasConnected && c.onDisconnected != nil {
		c.onDisconnected(nil)
	}
	return err
}

func (c *Connection) teardown() error {
	c.mu.Lock()
	t, out, loop := c.transport, c.out, c.loop
	c.transport = nil
	c.out = nil
	c.connected = false
	c.loop = nil
	c.contexts = make(map[string]*Context)
	c.mu.Unlock()

	if t == nil {
		return nil
	}

	loop.cancel()
	if !loop.inCallback.Load() {
		<-loop.done
	}

	out.close()
	if err := t.Close(); err != nil && !errors.Is(err, ErrTransportClosed) {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport != nil && c.connected
}

// CreateContext registers a new context. Checks run in a fixed order:
// capacity, connectivity, then id uniqueness.
func (c *Connection) CreateContext(id string) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.contexts) >= c.cfg.MaxContexts {
		return nil, fmt.Errorf("%w (%d)", ErrCapacityExceeded, c.cfg.MaxContexts)
	}
	if c.transport == nil || !c.connected {
		return nil, ErrNotConnected
	}
	if _, exists := c.contexts[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateContext, id)
	}

	ctx := newContext(id, c.out, c.logger)
	c.contexts[id] = ctx
	c.logger.Debug("context created", "context_id", id, "active", len(c.contexts))
	return ctx, nil
}

func (c *Connection) GetContext(id string) (*Context, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ctx, ok := c.contexts[id]
	return ctx, ok
}

func (c *Connection) RemoveContext(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.contexts[id]; ok {
		delete(c.contexts, id)
		c.logger.Debug("context removed", "context_id", id, "active", len(c.contexts))
	}
}

func (c *Connection) ActiveContextCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contexts)
}

func (c *Connection) receiveLoop(ctx context.Context, t Transport, loop *receiver) {
	defer close(loop.done)

	messages := t.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if ctx.Err() != nil {
				return
			}
			if !ok {
				err := t.Err()
				if err == nil {
					err = ErrTransportClosed
				}
				loop.inCallback.Store(true)
				c.stop(err)
				return
			}
			c.deliver(loop, msg)
		}
	}
}

// deliver dispatches one inbound message. A panicking handler costs only
// that message; the loop keeps serving the other contexts.
func (c *Connection) deliver(loop *receiver, msg []byte) {
	loop.inCallback.Store(true)
	defer loop.inCallback.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handle message: %v", r)
			c.logger.Error("message handler panicked", "error", err)
			if c.onGlobalError != nil {
				c.onGlobalError(err)
			}
		}
	}()
	c.dispatch(msg)
}

// stop marks the connection down after the receive loop ended on its own.
func (c *Connection) stop(err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if errors.Is(err, ErrTransportClosed) {
		c.logger.Info("connection closed by peer")
	} else {
		c.logger.Error("receive loop failed", "error", err)
		if c.onGlobalError != nil {
			c.onGlobalError(err)
		}
	}

	if c.onDisconnected != nil {
		c.onDisconnected(err)
	}
}

func (c *Connection) dispatch(data []byte) {
	c.logger.Debug("received message", "payload", string(data))

	msg, err := parseInbound(data)
	if err != nil {
		c.logger.Warn("failed to parse message", "error", err)
		return
	}

	switch msg.kind {
	case inboundError:
		if target := c.lookup(msg.contextID); target != nil {
			target.handleError(msg.code, msg.message)
			return
		}
		rerr := &RemoteError{Code: msg.code, Message: msg.message, ContextID: msg.contextID}
		c.logger.Error("remote error", "code", msg.code, "message", msg.message, "context_id", msg.contextID)
		if c.onGlobalError != nil {
			c.onGlobalError(rerr)
		}

	case inboundAudio:
		if target := c.lookup(msg.contextID); target != nil {
			target.handleAudio(msg.audio, msg.isFinal)
			return
		}
		c.logger.Debug("dropping audio for unknown context", "context_id", msg.contextID)
	}
}

func (c *Connection) lookup(id string) *Context {
	if id == "" {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contexts[id]
}
