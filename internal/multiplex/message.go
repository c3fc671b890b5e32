package multiplex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type outboundMessage struct {
	ContextID    string  `json:"context_id"`
	Text         *string `json:"text,omitempty"`
	Flush        bool    `json:"flush,omitempty"`
	CloseContext bool    `json:"close_context,omitempty"`
}

func textMessage(contextID, text string, flush bool) outboundMessage {
	return outboundMessage{ContextID: contextID, Text: &text, Flush: flush}
}

func closeMessage(contextID string) outboundMessage {
	return outboundMessage{ContextID: contextID, CloseContext: true}
}

type inboundKind int

const (
	inboundIgnored inboundKind = iota
	inboundError
	inboundAudio
)

type inboundMessage struct {
	kind      inboundKind
	contextID string
	code      string
	message   string
	audio     string
	isFinal   bool
}

func parseInbound(data []byte) (inboundMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return inboundMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	msg := inboundMessage{
		contextID: stringField(fields, "context_id", "contextId"),
	}

	if code, ok := fields["error"].(string); ok {
		msg.kind = inboundError
		msg.code = code
		msg.message, _ = fields["message"].(string)
		return msg, nil
	}

	if audio, ok := fields["audio"].(string); ok && msg.contextID != "" {
		msg.kind = inboundAudio
		msg.audio = audio
		msg.isFinal = boolField(fields, "is_final", "isFinal")
	}
	return msg, nil
}

// stringField returns the first key holding a string value.
func stringField(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok {
			return v
		}
	}
	return ""
}

func boolField(fields map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := fields[k].(bool); ok {
			return v
		}
	}
	return false
}

// writer is the single outbound path of a connection. Every context of the
// connection shares it; mu keeps whole messages from interleaving.
type writer struct {
	transport Transport
	logger    *slog.Logger
	mu        sync.Mutex
	closed    atomic.Bool
}

func newWriter(t Transport, logger *slog.Logger) *writer {
	return &writer{transport: t, logger: logger}
}

func (w *writer) send(ctx context.Context, msg outboundMessage) error {
	if w.closed.Load() {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	w.logger.Debug("sending message", "context_id", msg.ContextID, "payload", string(data))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed.Load() {
		return ErrNotConnected
	}
	if err := w.transport.Send(ctx, data); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (w *writer) close() {
	w.closed.Store(true)
}
