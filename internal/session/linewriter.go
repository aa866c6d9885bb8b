package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"perforay/internal/protocol"
)

// LineWriter writes each message as one line, for streaming sessions to a
// terminal or a pipe instead of a websocket.
type LineWriter struct {
	W io.Writer
}

func (l LineWriter) WriteText(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := l.W.Write(buf); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return nil
}

// StreamConn is a Conn over a pair of byte streams. Every input line is one
// text message and end of input behaves like a close frame.
type StreamConn struct {
	LineWriter
	r *bufio.Reader

	mu        sync.Mutex
	closeCode int
	closed    bool
}

func NewStreamConn(r io.Reader, w io.Writer) *StreamConn {
	return &StreamConn{
		LineWriter: LineWriter{W: w},
		r:          bufio.NewReader(r),
	}
}

type lineRead struct {
	line []byte
	err  error
}

// ReadFrame returns the next line. A read still pending when ctx is done is
// abandoned; its line is lost.
func (c *StreamConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", protocol.ErrCancelled, err)
	}

	done := make(chan lineRead, 1)
	go func() {
		line, err := c.r.ReadBytes('\n')
		done <- lineRead{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return protocol.Frame{}, fmt.Errorf("%w: %v", protocol.ErrCancelled, ctx.Err())
	case res := <-done:
		if res.err != nil && !errors.Is(res.err, io.EOF) {
			return protocol.Frame{}, fmt.Errorf("%w: %w", protocol.ErrTransport, res.err)
		}
		if len(res.line) == 0 {
			return protocol.Frame{Kind: protocol.FrameClose, Final: true}, nil
		}
		payload := bytes.TrimRight(res.line, "\r\n")
		return protocol.Frame{Kind: protocol.FrameText, Payload: payload, Final: true}, nil
	}
}

// Close records the close code; the streams belong to the caller
func (c *StreamConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.closed = true
	return nil
}

// CloseCode reports the code passed to Close, or 0 while the session is open
func (c *StreamConn) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		return 0
	}
	return c.closeCode
}
