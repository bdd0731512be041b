package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hervehildenbrand/threatmap/pkg/models"
)

// fakeConn delivers frames pushed by the test and counts closes.
type fakeConn struct {
	frames chan []byte
	errs   chan error
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.closed) })
	return nil
}

func dialFake(conn *fakeConn) Dialer {
	return func(context.Context, string) (FrameConn, error) {
		return conn, nil
	}
}

type batchRecorder struct {
	batches chan []models.Attack
	errs    chan error
}

func newRecorder() *batchRecorder {
	return &batchRecorder{
		batches: make(chan []models.Attack, 16),
		errs:    make(chan error, 4),
	}
}

func (r *batchRecorder) onBatch(batch []models.Attack) { r.batches <- batch }
func (r *batchRecorder) onError(err error)             { r.errs <- err }

func (r *batchRecorder) nextBatch(t *testing.T) []models.Attack {
	t.Helper()
	select {
	case b := <-r.batches:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for batch")
		return nil
	}
}

func waitState(t *testing.T, h *Handle, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s, got %s", want, h.State())
}

func TestHandle_InitialStates(t *testing.T) {
	if StateDisconnected.Terminal() || StateOpen.Terminal() {
		t.Error("Expected non-terminal states")
	}
	if !StateClosed.Terminal() || !StateErrored.Terminal() {
		t.Error("Expected terminal states")
	}
}

func TestHandle_BatchesAndHeartbeat(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()

	h := Start(Config{URL: "test://", Dial: dialFake(conn)}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	defer h.Stop()

	conn.frames <- []byte(`[` + usToCN + `,` + frToDE + `]`)
	batch := rec.nextBatch(t)
	if len(batch) != 2 {
		t.Fatalf("Expected 2 attacks, got %d", len(batch))
	}
	waitState(t, h, StateOpen)

	conn.frames <- []byte(`[]`)
	if batch := rec.nextBatch(t); len(batch) != 0 {
		t.Errorf("Expected empty batch for heartbeat, got %d", len(batch))
	}

	stats := h.Stats()
	if stats["heartbeats"].(uint64) != 1 {
		t.Errorf("Expected 1 heartbeat, got %v", stats["heartbeats"])
	}
	if stats["attacks_emitted"].(uint64) != 2 {
		t.Errorf("Expected 2 attacks emitted, got %v", stats["attacks_emitted"])
	}
}

func TestHandle_MalformedFrameKeepsConnection(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()

	h := Start(Config{URL: "test://", Dial: dialFake(conn)}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	defer h.Stop()

	conn.frames <- []byte(`{garbage`)
	conn.frames <- []byte(`[` + frToDE + `]`)

	batch := rec.nextBatch(t)
	if len(batch) != 1 {
		t.Fatalf("Expected 1 attack after malformed frame, got %d", len(batch))
	}
	if h.State() != StateOpen {
		t.Errorf("Expected state open, got %s", h.State())
	}
	if got := h.Stats()["frame_errors"].(uint64); got != 1 {
		t.Errorf("Expected 1 frame error, got %d", got)
	}
	select {
	case err := <-rec.errs:
		t.Errorf("Unexpected error: %v", err)
	default:
	}
}

func TestHandle_TransportErrorNoReconnect(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()
	var dials atomic.Int32

	dial := func(context.Context, string) (FrameConn, error) {
		dials.Add(1)
		return conn, nil
	}
	h := Start(Config{URL: "test://", Dial: dial}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)

	conn.errs <- errors.New("connection reset")

	select {
	case err := <-rec.errs:
		if !errors.Is(err, models.ErrTransport) {
			t.Errorf("Expected transport error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for error")
	}
	h.Wait()

	if h.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", h.State())
	}
	if conn.closes.Load() != 1 {
		t.Errorf("Expected 1 close, got %d", conn.closes.Load())
	}

	h.Stop()
	h.Stop()
	if conn.closes.Load() != 1 {
		t.Errorf("Expected Stop after error not to close again, got %d closes", conn.closes.Load())
	}
	if h.State() != StateErrored {
		t.Errorf("Expected state to stay errored, got %s", h.State())
	}
	if dials.Load() != 1 {
		t.Errorf("Expected 1 dial, got %d", dials.Load())
	}
}

func TestHandle_DialError(t *testing.T) {
	rec := newRecorder()
	dial := func(context.Context, string) (FrameConn, error) {
		return nil, errors.New("refused")
	}

	h := Start(Config{URL: "test://", Dial: dial}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	h.Wait()

	if h.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", h.State())
	}
	select {
	case err := <-rec.errs:
		if !errors.Is(err, models.ErrTransport) {
			t.Errorf("Expected transport error, got %v", err)
		}
	default:
		t.Error("Expected onError to be called")
	}
	h.Stop()
}

func TestHandle_StopIdempotent(t *testing.T) {
	conn := newFakeConn()
	rec := newRecorder()

	h := Start(Config{URL: "test://", Dial: dialFake(conn)}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	conn.frames <- []byte(`[]`)
	rec.nextBatch(t)

	h.Stop()
	h.Stop()
	h.Wait()

	if h.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", h.State())
	}
	if conn.closes.Load() != 1 {
		t.Errorf("Expected exactly 1 close, got %d", conn.closes.Load())
	}
	select {
	case err := <-rec.errs:
		t.Errorf("Expected no error after Stop, got %v", err)
	default:
	}
}

func TestHandle_StopBeforeConnect(t *testing.T) {
	rec := newRecorder()
	release := make(chan struct{})
	conn := newFakeConn()

	dial := func(ctx context.Context, _ string) (FrameConn, error) {
		<-release
		return conn, nil
	}
	h := Start(Config{URL: "test://", Dial: dial}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	if h.State() != StateConnecting {
		t.Errorf("Expected state connecting, got %s", h.State())
	}

	h.Stop()
	close(release)
	h.Wait()

	if h.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", h.State())
	}
	if conn.closes.Load() != 1 {
		t.Errorf("Expected late connection to be closed once, got %d", conn.closes.Load())
	}
}

func TestHandle_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`[]`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01})
		conn.WriteMessage(websocket.TextMessage, []byte(`[`+usToCN+`]`))
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	rec := newRecorder()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	h := Start(Config{URL: url}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)

	if batch := rec.nextBatch(t); len(batch) != 0 {
		t.Errorf("Expected heartbeat first, got %d attacks", len(batch))
	}
	batch := rec.nextBatch(t)
	if len(batch) != 1 || batch[0].Target.Code != "CN" {
		t.Errorf("Expected US->CN attack, got %+v", batch)
	}

	h.Stop()
	h.Wait()
	if h.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", h.State())
	}
}

func TestHandle_WebSocketServerCloseIsError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	rec := newRecorder()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	h := Start(Config{URL: url}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	defer h.Stop()

	select {
	case <-rec.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for error")
	}
	h.Wait()
	if h.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", h.State())
	}
}

func TestHandle_SSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("Expected event-stream accept header, got %q", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: []\n\n")
		fmt.Fprintf(w, "event: threats\nid: 7\ndata: [%s,\ndata: %s]\n\n",
			strings.ReplaceAll(usToCN, "\n", ""), strings.ReplaceAll(frToDE, "\n", ""))
		flusher.Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	rec := newRecorder()
	h := Start(Config{URL: server.URL + "/threats"}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)

	if batch := rec.nextBatch(t); len(batch) != 0 {
		t.Errorf("Expected heartbeat first, got %d attacks", len(batch))
	}
	batch := rec.nextBatch(t)
	if len(batch) != 2 {
		t.Fatalf("Expected 2 attacks from multi-line event, got %d", len(batch))
	}

	h.Stop()
	h.Wait()
	if h.State() != StateClosed {
		t.Errorf("Expected state closed, got %s", h.State())
	}
}

func TestHandle_SSEBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	rec := newRecorder()
	h := Start(Config{URL: server.URL}, models.DefaultSeveritySet(), rec.onBatch, rec.onError)
	h.Wait()

	if h.State() != StateErrored {
		t.Errorf("Expected state errored, got %s", h.State())
	}
	if len(rec.errs) != 1 {
		t.Errorf("Expected 1 error, got %d", len(rec.errs))
	}
}

func TestDial_UnsupportedScheme(t *testing.T) {
	if _, err := Dial(context.Background(), "ftp://example.com"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}
