package multiplex

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
)

const DecodeErrorCode = "DECODE_ERROR"

type (
	AudioHandler    func(audio []byte, isFinal bool)
	ErrorHandler    func(code, message string)
	CompleteHandler func()
)

// Context is one logical TTS stream on a shared Connection. Contexts are
// only created through Connection.CreateContext.
//
// Handlers are single slots: registering again replaces the previous
// handler, and deliveries that arrive while a slot is empty are not replayed
// later.
type Context struct {
	id     string
	out    *writer
	logger *slog.Logger

	mu         sync.Mutex
	chunks     [][]byte
	onAudio    AudioHandler
	onError    ErrorHandler
	onComplete CompleteHandler
}

func newContext(id string, out *writer, logger *slog.Logger) *Context {
	return &Context{
		id:     id,
		out:    out,
		logger: logger.With("context_id", id),
	}
}

func (c *Context) ID() string {
	return c.id
}

// SendText queues one text chunk for synthesis. flush asks the peer to
// generate audio for everything received so far.
func (c *Context) SendText(ctx context.Context, text string, flush bool) error {
	return c.out.send(ctx, textMessage(c.id, text, flush))
}

// EndInput tells the peer no more text follows. On the wire this is an
// empty text chunk.
func (c *Context) EndInput(ctx context.Context) error {
	return c.out.send(ctx, textMessage(c.id, "", false))
}

// Close asks the peer to stop generating and release the context. The
// context stays registered locally until Connection.RemoveContext.
func (c *Context) Close(ctx context.Context) error {
	return c.out.send(ctx, closeMessage(c.id))
}

func (c *Context) OnAudio(h AudioHandler) *Context {
	c.mu.Lock()
	c.onAudio = h
	c.mu.Unlock()
	return c
}

func (c *Context) OnError(h ErrorHandler) *Context {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
	return c
}

func (c *Context) OnComplete(h CompleteHandler) *Context {
	c.mu.Lock()
	c.onComplete = h
	c.mu.Unlock()
	return c
}

// Audio returns every chunk received so far, concatenated in arrival order.
func (c *Context) Audio() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, chunk := range c.chunks {
		total += len(chunk)
	}

	out := make([]byte, 0, total)
	for _, chunk := range c.chunks {
		out = append(out, chunk...)
	}
	return out
}

func (c *Context) ClearAudio() {
	c.mu.Lock()
	c.chunks = nil
	c.mu.Unlock()
}

func (c *Context) handleAudio(payload string, isFinal bool) {
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.logger.Warn("failed to decode audio", "error", err)
		c.handleError(DecodeErrorCode, "failed to decode audio: "+err.Error())
		return
	}

	c.mu.Lock()
	c.chunks = append(c.chunks, audio)
	onAudio := c.onAudio
	onComplete := c.onComplete
	c.mu.Unlock()

	if onAudio != nil {
		onAudio(audio, isFinal)
	}
	if isFinal && onComplete != nil {
		onComplete()
	}
}

func (c *Context) handleError(code, message string) {
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()

	if onError != nil {
		onError(code, message)
	}
}
