package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perforay/internal/protocol"
)

func TestStreamConnSession(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	conn := NewStreamConn(strings.NewReader(`{"uri":"https://example.com/"}`+"\r\n"), &out)
	ctrl := NewController(conn, pagesEngine(20, 10), nil, Options{Limits: protocol.DefaultLimits()}, zerolog.Nop())

	if err := ctrl.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if conn.CloseCode() != websocket.CloseNormalClosure {
		t.Fatalf("close code = %d", conn.CloseCode())
	}

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), out.String())
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(lines[4]), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["id"] != ctrl.ID() || result["target"] != "https://example.com/" {
		t.Fatalf("result = %v", result)
	}
}

func TestStreamConnEndOfInput(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	conn := NewStreamConn(strings.NewReader(""), &out)
	ctrl := NewController(conn, pagesEngine(), nil, Options{Limits: protocol.DefaultLimits()}, zerolog.Nop())

	err := ctrl.Run(context.Background())
	if !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("Run = %v, want protocol violation", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected output %q", out.String())
	}
	if conn.CloseCode() != websocket.CloseProtocolError {
		t.Fatalf("close code = %d", conn.CloseCode())
	}
}

func TestStreamConnReadCancelled(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()
	conn := NewStreamConn(pr, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := conn.ReadFrame(ctx); !errors.Is(err, protocol.ErrCancelled) {
		t.Fatalf("ReadFrame = %v, want cancelled", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestLineWriterWrapsTransportErrors(t *testing.T) {
	t.Parallel()

	err := LineWriter{W: failingWriter{}}.WriteText([]byte(`{}`))
	if !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("WriteText = %v, want transport error", err)
	}
}
