package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        []byte
}

type fakeSocket struct {
	mu       sync.Mutex
	writes   []recordedWrite
	controls []recordedWrite
	closed   int
}

func (f *fakeSocket) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeSocket) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) WriteControl(messageType int, data []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, recordedWrite{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSocket) snapshotWrites() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.writes...)
}

func (f *fakeSocket) snapshotControls() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedWrite(nil), f.controls...)
}

func (f *fakeSocket) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func startWriter(t *testing.T, ws *fakeSocket, ctx context.Context, priority, normal chan []byte, cfg Config) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		w := outboundWriter{ws: ws, ctx: ctx, cfg: cfg, priority: priority, normal: normal}
		done <- w.Run()
	}()
	return done
}

func awaitWriterExit(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit within 2s")
		return nil
	}
}

func TestOutboundWriter_WritesQueuedFrames(t *testing.T) {
	ws := &fakeSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	priority := make(chan []byte, 4)
	normal := make(chan []byte, 4)

	done := startWriter(t, ws, ctx, priority, normal, Config{PingInterval: time.Minute})

	normal <- []byte(`{"type":"text_delta","content":"hi"}`)
	waitUntil(t, func() bool { return len(ws.snapshotWrites()) == 1 })

	got := ws.snapshotWrites()[0]
	if got.messageType != websocket.TextMessage {
		t.Errorf("messageType = %d, want text", got.messageType)
	}
	if string(got.data) != `{"type":"text_delta","content":"hi"}` {
		t.Errorf("payload = %s", got.data)
	}

	cancel()
	if err := awaitWriterExit(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOutboundWriter_PriorityWrittenBeforeQueuedNormal(t *testing.T) {
	ws := &fakeSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	priority := make(chan []byte, 4)
	normal := make(chan []byte, 4)

	normal <- []byte(`{"seq":"n1"}`)
	normal <- []byte(`{"seq":"n2"}`)
	priority <- []byte(`{"seq":"p1"}`)

	done := startWriter(t, ws, ctx, priority, normal, Config{PingInterval: time.Minute})
	waitUntil(t, func() bool { return len(ws.snapshotWrites()) == 3 })

	var order []string
	for _, w := range ws.snapshotWrites() {
		order = append(order, string(w.data))
	}
	want := []string{`{"seq":"p1"}`, `{"seq":"n1"}`, `{"seq":"n2"}`}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("write order = %v, want %v", order, want)
		}
	}

	cancel()
	if err := awaitWriterExit(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOutboundWriter_PingsOnSchedule(t *testing.T) {
	ws := &fakeSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	priority := make(chan []byte, 1)
	normal := make(chan []byte, 1)

	done := startWriter(t, ws, ctx, priority, normal, Config{PingInterval: 15 * time.Millisecond})
	waitUntil(t, func() bool {
		for _, c := range ws.snapshotControls() {
			if c.messageType == websocket.PingMessage {
				return true
			}
		}
		return false
	})

	cancel()
	if err := awaitWriterExit(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOutboundWriter_ShutdownFlushesPriorityAndCloses(t *testing.T) {
	ws := &fakeSocket{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	priority := make(chan []byte, 4)
	normal := make(chan []byte, 4)

	priority <- []byte(`{"seq":"p1"}`)
	priority <- []byte(`{"seq":"p2"}`)
	normal <- []byte(`{"seq":"n1"}`)

	done := startWriter(t, ws, ctx, priority, normal, Config{PingInterval: time.Minute})
	if err := awaitWriterExit(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}

	writes := ws.snapshotWrites()
	if len(writes) != 2 || string(writes[0].data) != `{"seq":"p1"}` || string(writes[1].data) != `{"seq":"p2"}` {
		t.Errorf("flushed writes = %v", writes)
	}

	var sawClose bool
	for _, c := range ws.snapshotControls() {
		if c.messageType == websocket.CloseMessage {
			sawClose = true
		}
	}
	if !sawClose {
		t.Error("no close frame sent at shutdown")
	}
	if got := ws.closeCount(); got != 1 {
		t.Errorf("Close calls = %d, want 1", got)
	}
}
