package synthesis

import (
	"context"

	"github.com/eleven-am/tts-multiplex/internal/history"
)

type Synthesizer interface {
	Synthesize(ctx context.Context, req Request, cb Callbacks) error
	Collect(ctx context.Context, req Request) (*Result, error)
	IsConnected() bool
	ActiveContexts() int
	Close() error
}

type AudioCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, audio []byte) error
}

type Recorder interface {
	Create(ctx context.Context, rec *history.Record) error
	Finish(ctx context.Context, rec *history.Record) error
}
