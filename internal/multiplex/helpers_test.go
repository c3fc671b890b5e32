package multiplex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	inbound  chan []byte
	err      error
	closed   bool
	finished bool
	sendErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 64)}
}

func (f *fakeTransport) Send(_ context.Context, msg []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), msg...))
	return nil
}

func (f *fakeTransport) Messages() <-chan []byte {
	return f.inbound
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.finish(ErrTransportClosed)
	return nil
}

// finish simulates the peer going away.
func (f *fakeTransport) finish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished {
		return
	}
	f.finished = true
	f.err = err
	close(f.inbound)
}

func (f *fakeTransport) inject(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch x := v.(type) {
	case string:
		data = []byte(x)
	case []byte:
		data = x
	default:
		var err error
		data, err = json.Marshal(x)
		if err != nil {
			t.Fatalf("marshal inbound: %v", err)
		}
	}
	f.inbound <- data
}

func (f *fakeTransport) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = string(m)
	}
	return out
}

type fakeDialer struct {
	transport *fakeTransport
	err       error

	mu      sync.Mutex
	address string
	header  http.Header
	dials   int
}

func (d *fakeDialer) Dial(_ context.Context, address string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.address = address
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	return d.transport, nil
}

func newConnectedConnection(t *testing.T, opts ...Option) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	opts = append([]Option{WithLogger(newTestLogger())}, opts...)
	conn := New(Config{BaseURL: "wss://tts.example.com", APIKey: "key", VoiceID: "voice"}, &fakeDialer{transport: ft}, opts...)
	if err := conn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Disconnect() })
	return conn, ft
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	var zero T
	return zero
}

var errBoom = errors.New("boom")
