package synthesis

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/cache"
	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/google/uuid"
)

const defaultCloseTimeout = 2 * time.Second

type Option func(*Client)

func WithCache(c AudioCache) Option {
	return func(cl *Client) { cl.cache = c }
}

func WithRecorder(r Recorder) Option {
	return func(cl *Client) { cl.recorder = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// Client runs synthesis requests as contexts on one shared multiplexed
// connection.
type Client struct {
	conn     *multiplex.Connection
	cfg      Config
	cache    AudioCache
	recorder Recorder
	logger   *slog.Logger
}

func New(conn *multiplex.Connection, cfg Config, opts ...Option) *Client {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	c := &Client{
		conn:   conn,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "synthesis")
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx, c.cfg.Params)
}

func (c *Client) Close() error {
	return c.conn.Disconnect()
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func (c *Client) ActiveContexts() int {
	return c.conn.ActiveContextCount()
}

func (c *Client) MaxContexts() int {
	return c.conn.MaxContexts()
}

func (c *Client) Config() Config {
	return c.cfg
}

// Synthesize streams audio for req through cb and returns once the final
// chunk arrived, the server reported an error, or ctx ended.
func (c *Client) Synthesize(ctx context.Context, req Request, cb Callbacks) error {
	_, err := c.run(ctx, req, cb)
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}

// Collect returns the complete audio for req, serving it from the cache when
// one is configured and holds it.
func (c *Client) Collect(ctx context.Context, req Request) (*Result, error) {
	text := req.fullText()
	if text == "" {
		return nil, ErrEmptyText
	}
	if req.ContextID == "" {
		req.ContextID = newContextID()
	}

	var key string
	if c.cache != nil {
		key = cache.Key(c.cfg.VoiceID, c.cfg.Params, text)
		audio, err := c.cache.Get(ctx, key)
		switch {
		case err == nil:
			c.recordCached(ctx, req.ContextID, len(text), len(audio))
			return &Result{ContextID: req.ContextID, Audio: audio, Cached: true}, nil
		case !errors.Is(err, cache.ErrMiss):
			c.logger.Warn("audio cache lookup failed", "error", err)
		}
	}

	res, err := c.run(ctx, req, Callbacks{})
	if err != nil {
		return nil, err
	}

	if c.cache != nil && len(res.Audio) > 0 {
		if err := c.cache.Set(ctx, key, res.Audio); err != nil {
			c.logger.Warn("audio cache store failed", "error", err)
		}
	}
	return res, nil
}

func (c *Client) run(ctx context.Context, req Request, cb Callbacks) (*Result, error) {
	chunks := req.textChunks()
	if len(chunks) == 0 {
		return nil, ErrEmptyText
	}

	id := req.ContextID
	if id == "" {
		id = newContextID()
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	mctx, err := c.conn.CreateContext(id)
	if err != nil {
		return nil, err
	}
	defer c.release(mctx)

	rec := c.startRecord(ctx, id, len(req.fullText()))
	logger := c.logger.With("context_id", id)
	started := time.Now()

	var (
		received atomic.Int64
		doneOnce sync.Once
		done     = make(chan struct{})
		remote   = make(chan *RemoteError, 1)
	)

	mctx.OnAudio(func(data []byte, isFinal bool) {
		received.Add(1)
		if cb.OnAudio != nil {
			cb.OnAudio(data, isFinal)
		}
	}).OnError(func(code, message string) {
		select {
		case remote <- &RemoteError{ContextID: id, Code: code, Message: message}:
		default:
		}
	}).OnComplete(func() {
		doneOnce.Do(func() { close(done) })
	})

	if cb.OnReady != nil {
		cb.OnReady(id)
	}

	if err := sendAll(ctx, mctx, chunks, req.Flush); err != nil {
		c.finishRecord(ctx, rec, 0, 0, err)
		return nil, err
	}

	select {
	case <-done:
	case rerr := <-remote:
		logger.Warn("synthesis failed", "code", rerr.Code, "message", rerr.Message)
		c.finishRecord(ctx, rec, 0, 0, rerr)
		return nil, rerr
	case <-ctx.Done():
		c.finishRecord(ctx, rec, 0, 0, ctx.Err())
		return nil, ctx.Err()
	case <-req.Cancel:
		c.finishRecord(ctx, rec, 0, 0, ErrCancelled)
		return nil, ErrCancelled
	}

	res := &Result{
		ContextID: id,
		Audio:     mctx.Audio(),
		Chunks:    int(received.Load()),
		Duration:  time.Since(started),
	}
	c.finishRecord(ctx, rec, len(res.Audio), res.Chunks, nil)

	logger.Debug("synthesis complete", "audio_bytes", len(res.Audio), "chunks", res.Chunks, "duration", res.Duration)
	if cb.OnDone != nil {
		cb.OnDone(len(res.Audio), res.Chunks)
	}
	return res, nil
}

// sendAll streams every chunk and then ends the input. The last chunk is
// always flushed.
func sendAll(ctx context.Context, mctx *multiplex.Context, chunks []string, flush bool) error {
	for i, chunk := range chunks {
		if err := mctx.SendText(ctx, chunk, flush || i == len(chunks)-1); err != nil {
			return err
		}
	}
	return mctx.EndInput(ctx)
}

// release asks the server to drop the context and forgets it locally. It
// runs even when the caller's ctx is already done.
func (c *Client) release(mctx *multiplex.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CloseTimeout)
	defer cancel()

	if err := mctx.Close(ctx); err != nil && !errors.Is(err, multiplex.ErrNotConnected) {
		c.logger.Warn("failed to close context", "context_id", mctx.ID(), "error", err)
	}
	c.conn.RemoveContext(mctx.ID())
}

func (c *Client) startRecord(ctx context.Context, id string, textLength int) *history.Record {
	if c.recorder == nil {
		return nil
	}
	rec := &history.Record{
		ContextID:  id,
		VoiceID:    c.cfg.VoiceID,
		TextLength: textLength,
		Status:     history.StatusPending,
	}
	if err := c.recorder.Create(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("failed to record synthesis", "context_id", id, "error", err)
		return nil
	}
	return rec
}

func (c *Client) finishRecord(ctx context.Context, rec *history.Record, audioBytes, chunks int, err error) {
	if rec == nil {
		return
	}

	var rerr *RemoteError
	switch {
	case err == nil:
		rec.Status = history.StatusCompleted
		rec.AudioBytes = audioBytes
		rec.Chunks = chunks
	case errors.As(err, &rerr):
		rec.Status = history.StatusFailed
		rec.ErrorCode = rerr.Code
		rec.ErrorMessage = rerr.Message
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		rec.Status = history.StatusCancelled
	default:
		rec.Status = history.StatusFailed
		rec.ErrorMessage = err.Error()
	}

	if ferr := c.recorder.Finish(context.WithoutCancel(ctx), rec); ferr != nil {
		c.logger.Warn("failed to finish synthesis record", "context_id", rec.ContextID, "error", ferr)
	}
}

func (c *Client) recordCached(ctx context.Context, id string, textLength, audioBytes int) {
	rec := c.startRecord(ctx, id, textLength)
	if rec == nil {
		return
	}
	rec.Cached = true
	c.finishRecord(ctx, rec, audioBytes, 0, nil)
}

func newContextID() string {
	return "ctx_" + uuid.NewString()
}
