package multiplex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	conn := New(Config{BaseURL: "wss://h", VoiceID: "v"}, &fakeDialer{})
	if conn.MaxContexts() != DefaultMaxContexts {
		t.Errorf("MaxContexts() = %d, want %d", conn.MaxContexts(), DefaultMaxContexts)
	}
	if conn.IsConnected() {
		t.Error("new connection should not be connected")
	}
	if conn.ActiveContextCount() != 0 {
		t.Error("new connection should have no contexts")
	}
}

func TestConnect_DialsAddressWithCredentialHeader(t *testing.T) {
	ft := newFakeTransport()
	dialer := &fakeDialer{transport: ft}
	connected := false
	conn := New(Config{BaseURL: "wss://h", APIKey: "secret", VoiceID: "v"}, dialer,
		WithLogger(newTestLogger()),
		WithOnConnected(func() { connected = true }))

	if err := conn.Connect(context.Background(), map[string]string{"model_id": "m1"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect()

	if !conn.IsConnected() {
		t.Error("expected connected")
	}
	if !connected {
		t.Error("OnConnected hook should run")
	}
	if dialer.header.Get("api-key") != "secret" {
		t.Errorf("api-key header = %q", dialer.header.Get("api-key"))
	}
	if strings.Contains(dialer.address, "secret") {
		t.Error("credential must not appear in the address")
	}
	if !strings.Contains(dialer.address, "/enterprise/v1/tts/v/websocket/multi?priority=dedicated_concurrency") {
		t.Errorf("unexpected address %q", dialer.address)
	}
	if !strings.Contains(dialer.address, "&model_id=m1") {
		t.Errorf("query parameter missing from %q", dialer.address)
	}
}

func TestConnect_Failure(t *testing.T) {
	conn := New(Config{}, &fakeDialer{err: errBoom}, WithLogger(newTestLogger()))

	err := conn.Connect(context.Background(), nil)
	if !errors.Is(err, ErrConnectFailed) {
		t.Errorf("expected ErrConnectFailed, got %v", err)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("expected cause to be wrapped, got %v", err)
	}
	if conn.IsConnected() {
		t.Error("connection should stay disconnected")
	}
	if _, err := conn.CreateContext("A"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestConnect_Twice(t *testing.T) {
	conn, _ := newConnectedConnection(t)
	if err := conn.Connect(context.Background(), nil); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestCreateContext_Capacity(t *testing.T) {
	conn, _ := newConnectedConnection(t)

	for i := 0; i < DefaultMaxContexts; i++ {
		if _, err := conn.CreateContext(fmt.Sprintf("ctx_%d", i)); err != nil {
			t.Fatalf("CreateContext(%d) error = %v", i, err)
		}
	}

	_, err := conn.CreateContext("one_too_many")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
	if conn.ActiveContextCount() != DefaultMaxContexts {
		t.Errorf("ActiveContextCount() = %d, want %d", conn.ActiveContextCount(), DefaultMaxContexts)
	}
	if _, ok := conn.GetContext("one_too_many"); ok {
		t.Error("rejected context should not be registered")
	}
}

func TestCreateContext_CustomCapacity(t *testing.T) {
	ft := newFakeTransport()
	conn := New(Config{MaxContexts: 2}, &fakeDialer{transport: ft}, WithLogger(newTestLogger()))
	if err := conn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect()

	conn.CreateContext("a")
	conn.CreateContext("b")
	if _, err := conn.CreateContext("c"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestCreateContext_Duplicate(t *testing.T) {
	conn, _ := newConnectedConnection(t)

	original, err := conn.CreateContext("A")
	if err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}

	if _, err := conn.CreateContext("A"); !errors.Is(err, ErrDuplicateContext) {
		t.Errorf("expected ErrDuplicateContext, got %v", err)
	}

	got, ok := conn.GetContext("A")
	if !ok || got != original {
		t.Error("original context should remain registered")
	}
	if conn.ActiveContextCount() != 1 {
		t.Errorf("ActiveContextCount() = %d, want 1", conn.ActiveContextCount())
	}
}

func TestCreateContext_CheckOrder(t *testing.T) {
	conn, ft := newConnectedConnection(t)

	for i := 0; i < DefaultMaxContexts; i++ {
		conn.CreateContext(fmt.Sprintf("ctx_%d", i))
	}

	ft.finish(ErrTransportClosed)
	waitFor(t, func() bool { return !conn.IsConnected() })

	if _, err := conn.CreateContext("ctx_0"); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("capacity should be checked first, got %v", err)
	}

	conn.RemoveContext("ctx_4")
	if _, err := conn.CreateContext("ctx_0"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("connectivity should be checked before duplicates, got %v", err)
	}
}

func TestRemoveContext(t *testing.T) {
	conn, ft := newConnectedConnection(t)

	if _, err := conn.CreateContext("A"); err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}

	conn.RemoveContext("A")
	conn.RemoveContext("A")
	conn.RemoveContext("missing")

	if conn.ActiveContextCount() != 0 {
		t.Errorf("ActiveContextCount() = %d, want 0", conn.ActiveContextCount())
	}
	if len(ft.sentMessages()) != 0 {
		t.Error("RemoveContext should not notify the peer")
	}

	if _, err := conn.CreateContext("A"); err != nil {
		t.Errorf("identifier should be reusable after removal, got %v", err)
	}
}

func TestCloseKeepsContextRegistered(t *testing.T) {
	conn, ft := newConnectedConnection(t)
	c, _ := conn.CreateContext("A")

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := conn.GetContext("A"); !ok {
		t.Error("Close should not remove the context locally")
	}
	if sent := ft.sentMessages(); len(sent) != 1 || sent[0] != `{"context_id":"A","close_context":true}` {
		t.Errorf("unexpected messages %v", sent)
	}
}

func TestEndToEnd(t *testing.T) {
	conn, ft := newConnectedConnection(t)

	c, err := conn.CreateContext("A")
	if err != nil {
		t.Fatalf("CreateContext() error = %v", err)
	}

	type delivery struct {
		audio   []byte
		isFinal bool
	}
	audio := make(chan delivery, 4)
	events := make(chan string, 4)
	c.OnAudio(func(a []byte, final bool) {
		audio <- delivery{a, final}
		events <- "audio"
	}).OnComplete(func() {
		events <- "complete"
	})

	if err := c.SendText(context.Background(), "hi", true); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	sent := ft.sentMessages()
	if len(sent) != 1 || sent[0] != `{"context_id":"A","text":"hi","flush":true}` {
		t.Fatalf("unexpected outbound messages %v", sent)
	}

	ft.inject(t, map[string]any{"context_id": "A", "audio": b64([]byte{1, 2, 3}), "is_final": false})
	d := receive(t, audio)
	if !bytes.Equal(d.audio, []byte{1, 2, 3}) || d.isFinal {
		t.Errorf("first delivery = %+v", d)
	}
	if receive(t, events) != "audio" {
		t.Error("expected audio event")
	}
	if !bytes.Equal(c.Audio(), []byte{1, 2, 3}) {
		t.Errorf("Audio() = %v", c.Audio())
	}

	ft.inject(t, map[string]any{"context_id": "A", "audio": b64(nil), "is_final": true})
	d = receive(t, audio)
	if len(d.audio) != 0 || !d.isFinal {
		t.Errorf("final delivery = %+v", d)
	}
	if first, second := receive(t, events), receive(t, events); first != "audio" || second != "complete" {
		t.Errorf("events = %s, %s; want audio, complete", first, second)
	}
}

func TestDualSpellingEquivalence(t *testing.T) {
	spellings := []map[string]any{
		{"context_id": "A", "audio": b64([]byte{4}), "is_final": true},
		{"contextId": "A", "audio": b64([]byte{4}), "isFinal": true},
		{"context_id": "A", "audio": b64([]byte{4}), "isFinal": true},
		{"contextId": "A", "audio": b64([]byte{4}), "is_final": true},
	}

	for i, msg := range spellings {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			conn, ft := newConnectedConnection(t)
			c, _ := conn.CreateContext("A")
			complete := make(chan struct{}, 1)
			c.OnComplete(func() { complete <- struct{}{} })

			ft.inject(t, msg)
			receive(t, complete)
			if !bytes.Equal(c.Audio(), []byte{4}) {
				t.Errorf("Audio() = %v", c.Audio())
			}
		})
	}
}

func TestErrorRouting(t *testing.T) {
	var mu sync.Mutex
	var global []error
	globalCh := make(chan struct{}, 4)

	conn, ft := newConnectedConnection(t, WithOnGlobalError(func(err error) {
		mu.Lock()
		global = append(global, err)
		mu.Unlock()
		globalCh <- struct{}{}
	}))

	a, _ := conn.CreateContext("A")
	b, _ := conn.CreateContext("B")

	type remote struct{ code, message string }
	aErrs := make(chan remote, 4)
	a.OnError(func(code, message string) { aErrs <- remote{code, message} })
	b.OnError(func(code, message string) { t.Errorf("context B received %s", code) })

	ft.inject(t, `{"error":"quota","message":"too much","context_id":"A"}`)
	ft.inject(t, `{"error":"quota","message":"again","contextId":"A"}`)
	ft.inject(t, `{"error":"unknown_ctx","context_id":"Z"}`)
	ft.inject(t, `{"error":"no_ctx","message":"global"}`)

	if got := receive(t, aErrs); got != (remote{"quota", "too much"}) {
		t.Errorf("first routed error = %+v", got)
	}
	if got := receive(t, aErrs); got != (remote{"quota", "again"}) {
		t.Errorf("second routed error = %+v", got)
	}

	receive(t, globalCh)
	receive(t, globalCh)

	mu.Lock()
	defer mu.Unlock()
	if len(global) != 2 {
		t.Fatalf("expected 2 connection level errors, got %v", global)
	}
	var rerr *RemoteError
	if !errors.As(global[0], &rerr) || rerr.Code != "unknown_ctx" || rerr.ContextID != "Z" {
		t.Errorf("first global error = %v", global[0])
	}
	if !errors.As(global[1], &rerr) || rerr.Code != "no_ctx" || rerr.Message != "global" {
		t.Errorf("second global error = %v", global[1])
	}
}

func TestReceiveLoop_SurvivesMalformedAndUnknownMessages(t *testing.T) {
	conn, ft := newConnectedConnection(t)
	c, _ := conn.CreateContext("A")
	done := make(chan struct{}, 1)
	c.OnComplete(func() { done <- struct{}{} })

	ft.inject(t, `not json`)
	ft.inject(t, `{"type":"heartbeat"}`)
	ft.inject(t, `{"context_id":"A","status":"queued"}`)
	ft.inject(t, `{"context_id":"ghost","audio":"AQ=="}`)
	ft.inject(t, `{"audio":"AQ=="}`)
	ft.inject(t, `{"context_id":"A","audio":"AQ==","is_final":true}`)

	receive(t, done)
	if !conn.IsConnected() {
		t.Error("connection should survive bad messages")
	}
	if !bytes.Equal(c.Audio(), []byte{1}) {
		t.Errorf("Audio() = %v", c.Audio())
	}
}

func TestReceiveLoop_TransportClosed(t *testing.T) {
	disconnected := make(chan error, 1)
	conn, ft := newConnectedConnection(t, WithOnDisconnected(func(err error) { disconnected <- err }))
	conn.CreateContext("A")

	ft.finish(ErrTransportClosed)

	if err := receive(t, disconnected); !errors.Is(err, ErrTransportClosed) {
		t.Errorf("disconnect cause = %v", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() should report false after the transport closed")
	}
	if _, err := conn.CreateContext("B"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReceiveLoop_TransportFailure(t *testing.T) {
	globalErrs := make(chan error, 1)
	conn, ft := newConnectedConnection(t, WithOnGlobalError(func(err error) { globalErrs <- err }))

	ft.finish(errBoom)

	if err := receive(t, globalErrs); !errors.Is(err, errBoom) {
		t.Errorf("global error = %v", err)
	}
	waitFor(t, func() bool { return !conn.IsConnected() })
}

func TestReceiveLoop_HandlerPanicKeepsServingOtherContexts(t *testing.T) {
	globalErrs := make(chan error, 1)
	conn, ft := newConnectedConnection(t, WithOnGlobalError(func(err error) { globalErrs <- err }))
	a, _ := conn.CreateContext("A")
	b, _ := conn.CreateContext("B")
	a.OnAudio(func([]byte, bool) { panic("observer failure") })
	audio := make(chan []byte, 1)
	b.OnAudio(func(data []byte, _ bool) { audio <- data })

	ft.inject(t, `{"context_id":"A","audio":"AQ=="}`)
	if err := receive(t, globalErrs); err == nil || !strings.Contains(err.Error(), "observer failure") {
		t.Errorf("global error = %v", err)
	}

	ft.inject(t, `{"context_id":"B","audio":"Ag=="}`)
	if got := receive(t, audio); !bytes.Equal(got, []byte{2}) {
		t.Errorf("B audio = %v, want [2]", got)
	}
	if !conn.IsConnected() {
		t.Error("connection should stay up after a handler panic")
	}
}

func TestDisconnect_FromCompleteHandler(t *testing.T) {
	conn, ft := newConnectedConnection(t)
	c, _ := conn.CreateContext("A")

	returned := make(chan error, 1)
	c.OnComplete(func() { returned <- conn.Disconnect() })

	ft.inject(t, map[string]any{"contextId": "A", "audio": "", "isFinal": true})
	if err := receive(t, returned); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if conn.IsConnected() {
		t.Error("IsConnected() should be false")
	}

	again := make(chan error, 1)
	go func() { again <- conn.Disconnect() }()
	if err := receive(t, again); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestDisconnect_FromDisconnectedHook(t *testing.T) {
	var conn *Connection
	returned := make(chan error, 1)
	conn, ft := newConnectedConnection(t, WithOnDisconnected(func(err error) {
		if err != nil {
			returned <- conn.Disconnect()
		}
	}))

	ft.finish(errors.New("connection reset"))
	if err := receive(t, returned); err != nil {
		t.Errorf("Disconnect() error = %v", err)
	}
	if conn.ActiveContextCount() != 0 || conn.IsConnected() {
		t.Error("connection should be fully torn down")
	}
}

func TestDisconnect(t *testing.T) {
	disconnected := make(chan error, 1)
	conn, ft := newConnectedConnection(t, WithOnDisconnected(func(err error) { disconnected <- err }))
	conn.CreateContext("A")
	conn.CreateContext("B")

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if conn.ActiveContextCount() != 0 {
		t.Errorf("ActiveContextCount() = %d, want 0", conn.ActiveContextCount())
	}
	if conn.IsConnected() {
		t.Error("IsConnected() should be false")
	}
	if err := receive(t, disconnected); err != nil {
		t.Errorf("local disconnect should report nil, got %v", err)
	}
	if len(ft.sentMessages()) != 0 {
		t.Error("Disconnect should not send close notifications")
	}
	if _, err := conn.CreateContext("A"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := conn.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestDisconnect_StaleContextCannotSend(t *testing.T) {
	conn, _ := newConnectedConnection(t)
	c, _ := conn.CreateContext("A")

	conn.Disconnect()

	if err := c.SendText(context.Background(), "late", false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	ft := newFakeTransport()
	dialer := &fakeDialer{transport: ft}
	conn := New(Config{}, dialer, WithLogger(newTestLogger()))

	if err := conn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	conn.CreateContext("A")
	conn.Disconnect()

	dialer.transport = newFakeTransport()
	if err := conn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	defer conn.Disconnect()

	if _, err := conn.CreateContext("A"); err != nil {
		t.Errorf("CreateContext() after reconnect error = %v", err)
	}
	if dialer.dials != 2 {
		t.Errorf("dials = %d, want 2", dialer.dials)
	}
}

func TestConnectAfterPeerClose(t *testing.T) {
	ft := newFakeTransport()
	dialer := &fakeDialer{transport: ft}
	conn := New(Config{}, dialer, WithLogger(newTestLogger()))
	conn.Connect(context.Background(), nil)
	conn.CreateContext("stale")

	ft.finish(ErrTransportClosed)
	waitFor(t, func() bool { return !conn.IsConnected() })

	dialer.transport = newFakeTransport()
	if err := conn.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Disconnect()

	if conn.ActiveContextCount() != 0 {
		t.Error("stale contexts should be dropped on reconnect")
	}
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	conn, ft := newConnectedConnection(t)

	var wg sync.WaitGroup
	for i := 0; i < DefaultMaxContexts; i++ {
		c, err := conn.CreateContext(fmt.Sprintf("ctx_%d", i))
		if err != nil {
			t.Fatalf("CreateContext() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := c.SendText(context.Background(), strings.Repeat("x", 64), false); err != nil {
					t.Errorf("SendText() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	sent := ft.sentMessages()
	if len(sent) != DefaultMaxContexts*50 {
		t.Fatalf("sent %d messages, want %d", len(sent), DefaultMaxContexts*50)
	}
	for _, m := range sent {
		if !strings.HasPrefix(m, `{"context_id":"ctx_`) || !strings.HasSuffix(m, `"}`) {
			t.Fatalf("corrupted message %q", m)
		}
	}
}

func TestPerContextOrdering(t *testing.T) {
	conn, ft := newConnectedConnection(t)
	a, _ := conn.CreateContext("A")
	b, _ := conn.CreateContext("B")
	done := make(chan string, 2)
	a.OnComplete(func() { done <- "A" })
	b.OnComplete(func() { done <- "B" })

	for i := byte(0); i < 10; i++ {
		ft.inject(t, map[string]any{"context_id": "A", "audio": b64([]byte{i}), "is_final": i == 9})
		ft.inject(t, map[string]any{"contextId": "B", "audio": b64([]byte{100 + i}), "isFinal": i == 9})
	}
	receive(t, done)
	receive(t, done)

	if !bytes.Equal(a.Audio(), []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("A audio = %v", a.Audio())
	}
	if !bytes.Equal(b.Audio(), []byte{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}) {
		t.Errorf("B audio = %v", b.Audio())
	}
}
