package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perforay/internal/model"
	"perforay/internal/protocol"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    []protocol.Frame
	writes    []string
	failWrite bool
	gate      chan struct{}
	closed    bool
	closeCode int
}

func textFrames(parts ...string) []protocol.Frame {
	frames := make([]protocol.Frame, len(parts))
	for i, p := range parts {
		frames[i] = protocol.Frame{Kind: protocol.FrameText, Payload: []byte(p), Final: i == len(parts)-1}
	}
	return frames
}

func (c *fakeConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		fr := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return fr, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return protocol.Frame{}, ctx.Err()
}

func (c *fakeConn) WriteText(data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite {
		return errors.New("broken pipe")
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	return nil
}

func (c *fakeConn) messages(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, len(c.writes))
	for i, w := range c.writes {
		if err := json.Unmarshal([]byte(w), &out[i]); err != nil {
			t.Fatalf("write %d is not json: %v", i, err)
		}
	}
	return out
}

type engineFunc func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error)

func (f engineFunc) Scan(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
	return f(ctx, target, events)
}

func emit(ctx context.Context, events chan<- model.ScanEvent, ev model.ScanEvent) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pagesEngine measures the given pages under the target host
func pagesEngine(times ...int64) engineFunc {
	return func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		res := &model.ScanResult{StartedAt: time.Now()}
		for i, ms := range times {
			page := target.JoinPath(string(rune('a' + i)))
			if err := emit(ctx, events, model.MeasurementStarted{Target: page}); err != nil {
				return nil, err
			}
			doc := model.DocumentResult{URI: page.String(), StatusCode: 200, DownloadTime: ms}
			if err := emit(ctx, events, model.MeasurementEnded{Document: doc}); err != nil {
				return nil, err
			}
			res.Pages = append(res.Pages, doc)
		}
		res.FinishedAt = time.Now()
		return res, nil
	}
}

type fakeStore struct {
	mu      sync.Mutex
	results []*model.ScanResult
	err     error
	ctxErr  error
}

func (s *fakeStore) Create(ctx context.Context, r *model.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	s.results = append(s.results, r)
	return s.err
}

func newTestController(conn *fakeConn, engine Engine, store ResultStore, opts Options) *Controller {
	if opts.Limits.MaxMessageBytes == 0 {
		opts.Limits = protocol.DefaultLimits()
	}
	return NewController(conn, engine, store, opts, zerolog.Nop())
}

func TestControllerStreamsEventsThenResult(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{frames: textFrames(`{"uri":`, `"http://example.com/"}`)}
	store := &fakeStore{}
	c := newTestController(conn, pagesEngine(300, 100, 200), store, Options{})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if c.State() != StateCompleted {
		t.Fatalf("state = %s", c.State())
	}
	if !conn.closed || conn.closeCode != websocket.CloseNormalClosure {
		t.Fatalf("close = %v/%d", conn.closed, conn.closeCode)
	}

	msgs := conn.messages(t)
	if len(msgs) != 7 {
		t.Fatalf("messages = %d, want 7", len(msgs))
	}
	for i := 0; i < 6; i += 2 {
		if msgs[i]["type"] != protocol.MsgTypeMeasureStarted {
			t.Fatalf("message %d type = %v", i, msgs[i]["type"])
		}
		if msgs[i+1]["type"] != protocol.MsgTypeMeasureEnded {
			t.Fatalf("message %d type = %v", i+1, msgs[i+1]["type"])
		}
	}

	final := msgs[6]
	if _, tagged := final["type"]; tagged {
		t.Fatal("terminal result must not carry a type tag")
	}
	if final["id"] != c.ID() {
		t.Fatalf("result id = %v, want session id %s", final["id"], c.ID())
	}
	if final["target"] != "http://example.com/" {
		t.Fatalf("result target = %v", final["target"])
	}
	pages := final["pages"].([]any)
	var order []float64
	for _, p := range pages {
		order = append(order, p.(map[string]any)["downloadTime"].(float64))
	}
	if len(order) != 3 || order[0] != 300 || order[1] != 100 || order[2] != 200 {
		t.Fatalf("page order = %v, want engine order", order)
	}

	if len(store.results) != 1 || store.results[0].ID != c.ID() {
		t.Fatalf("store got %+v", store.results)
	}
}

func TestControllerSortPages(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	c := newTestController(conn, pagesEngine(100, 300, 100, 200), nil, Options{SortPages: true})
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs := conn.messages(t)
	pages := msgs[len(msgs)-1]["pages"].([]any)
	var got []string
	for _, p := range pages {
		got = append(got, p.(map[string]any)["uri"].(string))
	}
	want := []string{"http://example.com/b", "http://example.com/d", "http://example.com/a", "http://example.com/c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sorted pages = %v, want %v", got, want)
		}
	}
}

func TestControllerRejectsBadRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		frames   []protocol.Frame
		wantErr  error
		wantCode int
	}{
		{
			name:     "invalid json",
			frames:   textFrames(`{"uri":`),
			wantErr:  protocol.ErrMalformedMessage,
			wantCode: websocket.CloseInvalidFramePayloadData,
		},
		{
			name:     "wrong key case",
			frames:   textFrames(`{"Uri":"http://example.com/"}`),
			wantErr:  protocol.ErrMalformedMessage,
			wantCode: websocket.CloseInvalidFramePayloadData,
		},
		{
			name:     "relative uri",
			frames:   textFrames(`{"uri":"/index.html"}`),
			wantErr:  protocol.ErrMalformedMessage,
			wantCode: websocket.CloseInvalidFramePayloadData,
		},
		{
			name:     "binary message",
			frames:   []protocol.Frame{{Kind: protocol.FrameBinary, Payload: []byte(`{"uri":"http://example.com/"}`), Final: true}},
			wantErr:  protocol.ErrProtocolViolation,
			wantCode: websocket.CloseProtocolError,
		},
		{
			name:     "close before request",
			frames:   []protocol.Frame{{Kind: protocol.FrameClose, Final: true}},
			wantErr:  protocol.ErrProtocolViolation,
			wantCode: websocket.CloseProtocolError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var scanned bool
			engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
				scanned = true
				return &model.ScanResult{}, nil
			})
			conn := &fakeConn{frames: tt.frames}
			c := newTestController(conn, engine, nil, Options{})

			err := c.Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if scanned {
				t.Fatal("engine ran for a rejected request")
			}
			if len(conn.writes) != 0 {
				t.Fatalf("unexpected writes %v", conn.writes)
			}
			if conn.closeCode != tt.wantCode {
				t.Fatalf("close code = %d, want %d", conn.closeCode, tt.wantCode)
			}
			if c.State() != StateAborted {
				t.Fatalf("state = %s", c.State())
			}
		})
	}
}

func TestControllerEngineFailureSendsNoResult(t *testing.T) {
	t.Parallel()

	engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		if err := emit(ctx, events, model.MeasurementStarted{Target: target}); err != nil {
			return nil, err
		}
		return nil, errors.New("dns lookup failed")
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	store := &fakeStore{}
	c := newTestController(conn, engine, store, Options{})

	err := c.Run(context.Background())
	if !errors.Is(err, ErrScanFailed) {
		t.Fatalf("got %v, want ErrScanFailed", err)
	}
	msgs := conn.messages(t)
	if len(msgs) != 1 || msgs[0]["type"] != protocol.MsgTypeMeasureStarted {
		t.Fatalf("messages = %v", msgs)
	}
	if len(store.results) != 0 {
		t.Fatal("failed scan was registered")
	}
	if conn.closeCode != websocket.CloseInternalServerErr {
		t.Fatalf("close code = %d", conn.closeCode)
	}
}

func TestControllerEnginePanicAbortsSession(t *testing.T) {
	t.Parallel()

	engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		if err := emit(ctx, events, model.MeasurementStarted{Target: target}); err != nil {
			return nil, err
		}
		var byHost map[string]int
		byHost[target.Host]++
		return nil, nil
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	store := &fakeStore{}
	c := newTestController(conn, engine, store, Options{})

	err := c.Run(context.Background())
	if !errors.Is(err, ErrScanFailed) || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("got %v, want ErrScanFailed from panic", err)
	}
	if c.State() != StateAborted {
		t.Fatalf("state = %s", c.State())
	}
	if msgs := conn.messages(t); len(msgs) > 1 {
		t.Fatalf("messages = %v, want at most measure_started", msgs)
	}
	if len(store.results) != 0 {
		t.Fatal("panicked scan was registered")
	}
}

func TestControllerNilEventAbortsSession(t *testing.T) {
	t.Parallel()

	engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		var started *model.MeasurementStarted
		if err := emit(ctx, events, started); err != nil {
			return nil, err
		}
		return &model.ScanResult{}, nil
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	store := &fakeStore{}
	c := newTestController(conn, engine, store, Options{})

	if err := c.Run(context.Background()); !errors.Is(err, protocol.ErrCodec) {
		t.Fatalf("got %v, want ErrCodec", err)
	}
	if len(conn.messages(t)) != 0 || len(store.results) != 0 {
		t.Fatal("nil event produced output")
	}
}

func TestControllerStoreFailure(t *testing.T) {
	t.Parallel()

	t.Run("lenient", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
		store := &fakeStore{err: errors.New("db down")}
		c := newTestController(conn, pagesEngine(10), store, Options{})

		if err := c.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		msgs := conn.messages(t)
		if _, ok := msgs[len(msgs)-1]["pages"]; !ok {
			t.Fatal("result not sent after store failure")
		}
	})

	t.Run("strict", func(t *testing.T) {
		t.Parallel()
		conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
		store := &fakeStore{err: errors.New("db down")}
		c := newTestController(conn, pagesEngine(10), store, Options{StrictStore: true})

		err := c.Run(context.Background())
		if !errors.Is(err, ErrStoreFailed) {
			t.Fatalf("got %v, want ErrStoreFailed", err)
		}
		for _, m := range conn.messages(t) {
			if _, ok := m["pages"]; ok {
				t.Fatal("result sent despite strict store failure")
			}
		}
		if conn.closeCode != websocket.CloseInternalServerErr {
			t.Fatalf("close code = %d", conn.closeCode)
		}
	})
}

func TestControllerStoreOutlivesCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	store := &fakeStore{}
	engine := engineFunc(func(_ context.Context, target *url.URL, _ chan<- model.ScanEvent) (*model.ScanResult, error) {
		return &model.ScanResult{}, nil
	})
	wrapped := storeFunc(func(sctx context.Context, r *model.ScanResult) error {
		cancel()
		return store.Create(sctx, r)
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	c := NewController(conn, engine, wrapped, Options{Limits: protocol.DefaultLimits()}, zerolog.Nop())

	_ = c.Run(ctx)
	if len(store.results) != 1 {
		t.Fatalf("store calls = %d, want 1", len(store.results))
	}
	if store.ctxErr != nil {
		t.Fatalf("store context was cancelled: %v", store.ctxErr)
	}
}

type storeFunc func(ctx context.Context, r *model.ScanResult) error

func (f storeFunc) Create(ctx context.Context, r *model.ScanResult) error { return f(ctx, r) }

func TestControllerCancelledWhileAwaitingRequest(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	conn := &fakeConn{}
	c := newTestController(conn, pagesEngine(), nil, Options{})

	err := c.Run(ctx)
	if !errors.Is(err, protocol.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	if conn.closeCode != websocket.CloseGoingAway {
		t.Fatalf("close code = %d", conn.closeCode)
	}
}

func TestControllerCancelledDuringScan(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	engine := engineFunc(func(ectx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		if err := emit(ectx, events, model.MeasurementStarted{Target: target}); err != nil {
			return nil, err
		}
		cancel()
		<-ectx.Done()
		return nil, ectx.Err()
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`)}
	c := newTestController(conn, engine, nil, Options{})

	err := c.Run(ctx)
	if !errors.Is(err, protocol.ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	for _, m := range conn.messages(t) {
		if _, ok := m["pages"]; ok {
			t.Fatal("result sent for a cancelled scan")
		}
	}
}

func TestControllerTransportFailureAbortsScan(t *testing.T) {
	t.Parallel()

	var stopped bool
	engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		for i := 0; i < 100; i++ {
			if err := emit(ctx, events, model.MeasurementStarted{Target: target}); err != nil {
				stopped = true
				return nil, err
			}
		}
		return &model.ScanResult{}, nil
	})
	conn := &fakeConn{frames: textFrames(`{"uri":"http://example.com/"}`), failWrite: true}
	c := newTestController(conn, engine, nil, Options{})

	err := c.Run(context.Background())
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("got %v, want ErrTransport", err)
	}
	if !stopped {
		t.Fatal("engine kept running after the transport failed")
	}
}

func TestRunScanBackpressure(t *testing.T) {
	t.Parallel()

	var produced sync.WaitGroup
	progress := make(chan int, 10)
	engine := engineFunc(func(ctx context.Context, target *url.URL, events chan<- model.ScanEvent) (*model.ScanResult, error) {
		for i := 1; i <= 3; i++ {
			if err := emit(ctx, events, model.MeasurementStarted{Target: target}); err != nil {
				return nil, err
			}
			progress <- i
		}
		return &model.ScanResult{}, nil
	})

	conn := &fakeConn{gate: make(chan struct{})}
	sender := NewSender(conn, 0, zerolog.Nop())
	defer sender.Close()

	target, _ := url.Parse("http://example.com/")
	produced.Add(1)
	var runErr error
	go func() {
		defer produced.Done()
		_, runErr = RunScan(context.Background(), engine, sender, target)
	}()

	// first event handed to the relay, second blocked behind the pending write
	if got := <-progress; got != 1 {
		t.Fatalf("progress = %d", got)
	}
	select {
	case got := <-progress:
		if got > 2 {
			t.Fatalf("engine ran %d events ahead of a blocked writer", got)
		}
	case <-time.After(50 * time.Millisecond):
	}

	close(conn.gate)
	produced.Wait()
	if runErr != nil {
		t.Fatalf("RunScan: %v", runErr)
	}
	if got := len(conn.writes); got != 3 {
		t.Fatalf("writes = %d, want 3", got)
	}
}

func TestSortPagesIsStable(t *testing.T) {
	t.Parallel()

	pages := []model.DocumentResult{
		{URI: "a", DownloadTime: 5},
		{URI: "b", DownloadTime: 9},
		{URI: "c", DownloadTime: 5},
		{URI: "d", DownloadTime: 1},
	}
	SortPages(pages)
	want := "bacd"
	for i, p := range pages {
		if p.URI != string(want[i]) {
			t.Fatalf("order = %v", pages)
		}
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateAwaitingRequest: "awaiting_request",
		StateScanning:        "scanning",
		StateCompleted:       "completed",
		StateAborted:         "aborted",
		State(42):            "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", int(s), got, want)
		}
	}
}
