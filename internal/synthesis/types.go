package synthesis

import (
	"errors"
	"strings"
	"time"

	"github.com/eleven-am/tts-multiplex/internal/shared"
)

var (
	ErrEmptyText = errors.New("empty text")
	ErrCancelled = errors.New("synthesis cancelled")
)

type Callbacks struct {
	OnReady func(contextID string)
	OnAudio func(data []byte, isFinal bool)
	OnDone  func(audioBytes, chunks int)
	OnError func(error)
}

type Config struct {
	VoiceID string
	// Params are the query parameters used when connecting, e.g. model_id,
	// output_format and language_code.
	Params       map[string]string
	Format       shared.AudioFormat
	Timeout      time.Duration
	CloseTimeout time.Duration
}

type Request struct {
	Text string
	// Chunks, when set, are streamed in order instead of Text.
	Chunks    []string
	ContextID string
	Flush     bool
	Cancel    <-chan struct{}
}

// textChunks drops empty pieces since an empty text record ends the input.
func (r Request) textChunks() []string {
	if len(r.Chunks) == 0 {
		if r.Text == "" {
			return nil
		}
		return []string{r.Text}
	}

	out := make([]string, 0, len(r.Chunks))
	for _, chunk := range r.Chunks {
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	return out
}

func (r Request) fullText() string {
	return strings.Join(r.textChunks(), "")
}

type Result struct {
	ContextID string
	Audio     []byte
	Chunks    int
	Cached    bool
	Duration  time.Duration
}

// RemoteError is an error record the server sent for one context.
type RemoteError struct {
	ContextID string
	Code      string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "tts error " + e.Code
	}
	return "tts error " + e.Code + ": " + e.Message
}
