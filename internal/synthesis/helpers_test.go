package synthesis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/tts-multiplex/internal/cache"
	"github.com/eleven-am/tts-multiplex/internal/history"
	"github.com/eleven-am/tts-multiplex/internal/multiplex"
	"github.com/eleven-am/tts-multiplex/internal/shared"
	"github.com/eleven-am/tts-multiplex/internal/transport"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testParams = map[string]string{"model_id": "flash", "output_format": "pcm_16000"}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	client *Client
	dialer *transport.PipeDialer
}

func (e *testEnv) pipe() *transport.Pipe {
	return e.dialer.Last()
}

func newTestEnv(t *testing.T, peer func(*transport.Pipe), maxContexts int, opts ...Option) *testEnv {
	t.Helper()

	dialer := &transport.PipeDialer{Peer: peer}
	conn := multiplex.New(multiplex.Config{
		BaseURL:     "wss://tts.test",
		APIKey:      "key",
		VoiceID:     "voice",
		MaxContexts: maxContexts,
	}, dialer, multiplex.WithLogger(newTestLogger()))

	opts = append([]Option{WithLogger(newTestLogger())}, opts...)
	client := New(conn, Config{
		VoiceID: "voice",
		Params:  testParams,
		Format:  shared.DefaultAudioFormat,
		Timeout: 2 * time.Second,
	}, opts...)

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &testEnv{client: client, dialer: dialer}
}

func newTestCache(t *testing.T) *cache.AudioCache {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return cache.NewAudioCache(rdb, time.Hour)
}

func newTestHistory(t *testing.T) *history.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	store := history.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return store
}

type wireMessage struct {
	ContextID    string  `json:"context_id"`
	Text         *string `json:"text"`
	Flush        bool    `json:"flush"`
	CloseContext bool    `json:"close_context"`
}

func decodeSent(t *testing.T, p *transport.Pipe) []wireMessage {
	t.Helper()
	var out []wireMessage
	for _, raw := range p.Sent() {
		var m wireMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("invalid outbound message %s: %v", raw, err)
		}
		out = append(out, m)
	}
	return out
}

// silentPeer never answers.
func silentPeer(*transport.Pipe) {}

// failingPeer answers every text chunk with an error record.
func failingPeer(code, message string) func(*transport.Pipe) {
	return func(p *transport.Pipe) {
		p.OnSend(func(msg []byte) {
			var m wireMessage
			if json.Unmarshal(msg, &m) != nil || m.Text == nil {
				return
			}
			_ = p.InjectJSON(map[string]any{
				"contextId": m.ContextID,
				"error":     code,
				"message":   message,
			})
		})
	}
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
	t.Fatal("condition not met in time")
}
