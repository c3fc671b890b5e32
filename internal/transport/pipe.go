package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/eleven-am/tts-multiplex/internal/multiplex"
)

// Pipe is an in-memory multiplex.Transport. The far end is scripted through
// Inject, End and an optional send hook.
type Pipe struct {
	messages chan []byte
	done     chan struct{}
	endOnce  sync.Once

	inflight sync.RWMutex

	mu     sync.Mutex
	sent   [][]byte
	err    error
	onSend func(msg []byte)
}

func NewPipe() *Pipe {
	return &Pipe{
		messages: make(chan []byte, messageBuffer),
		done:     make(chan struct{}),
	}
}

func (p *Pipe) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.done:
		return multiplex.ErrTransportClosed
	default:
	}

	p.mu.Lock()
	p.sent = append(p.sent, append([]byte(nil), msg...))
	onSend := p.onSend
	p.mu.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return nil
}

func (p *Pipe) Messages() <-chan []byte {
	return p.messages
}

func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pipe) Close() error {
	p.End(multiplex.ErrTransportClosed)
	return nil
}

// OnSend installs a hook that sees every outbound message after it is
// recorded.
func (p *Pipe) OnSend(fn func(msg []byte)) {
	p.mu.Lock()
	p.onSend = fn
	p.mu.Unlock()
}

// Inject delivers msg as if the peer had sent it.
func (p *Pipe) Inject(msg []byte) error {
	p.inflight.RLock()
	defer p.inflight.RUnlock()

	select {
	case <-p.done:
		return multiplex.ErrTransportClosed
	default:
	}

	select {
	case p.messages <- msg:
		return nil
	case <-p.done:
		return multiplex.ErrTransportClosed
	}
}

func (p *Pipe) InjectJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.Inject(data)
}

// End stops the inbound side with err as the terminal cause.
func (p *Pipe) End(err error) {
	p.endOnce.Do(func() {
		close(p.done)

		p.inflight.Lock()
		defer p.inflight.Unlock()

		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.messages)
	})
}

func (p *Pipe) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

type PipeDialer struct {
	// Peer, when set, is called with every new pipe before it is returned.
	Peer func(p *Pipe)
	Err  error

	mu      sync.Mutex
	pipes   []*Pipe
	address string
	header  http.Header
}

func (d *PipeDialer) Dial(_ context.Context, address string, header http.Header) (multiplex.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.address = address
	d.header = header
	if d.Err != nil {
		return nil, d.Err
	}

	p := NewPipe()
	if d.Peer != nil {
		d.Peer(p)
	}
	d.pipes = append(d.pipes, p)
	return p, nil
}

// Last returns the most recently dialed pipe.
func (d *PipeDialer) Last() *Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pipes) == 0 {
		return nil
	}
	return d.pipes[len(d.pipes)-1]
}

func (d *PipeDialer) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Loopback makes p answer like a synthesis server that speaks the raw text
// bytes: each non-empty text chunk comes back as one audio frame and the end
// of input marker produces an empty final frame.
func Loopback(p *Pipe) {
	p.OnSend(func(msg []byte) {
		var req struct {
			ContextID    string  `json:"context_id"`
			Text         *string `json:"text"`
			CloseContext bool    `json:"close_context"`
		}
		if err := json.Unmarshal(msg, &req); err != nil || req.CloseContext || req.Text == nil {
			return
		}

		_ = p.InjectJSON(map[string]any{
			"context_id": req.ContextID,
			"audio":      base64.StdEncoding.EncodeToString([]byte(*req.Text)),
			"is_final":   *req.Text == "",
		})
	})
}
