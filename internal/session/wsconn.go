package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"perforay/internal/protocol"
)

const (
	// chunk size of one frame handed to the reassembler
	readChunkSize = 8192
	// time allowed to write the close control message
	closeGracePeriod = time.Second
)

// Conn is the transport owned by one session
type Conn interface {
	protocol.FrameReader
	MessageWriter
	Close(code int, reason string) error
}

// WSConn adapts a gorilla websocket connection to Conn.
// gorilla joins continuation frames itself, so the current message reader is
// exposed as a run of fixed-size chunks; the last chunk is Final.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	cur     io.Reader
	curKind protocol.FrameKind
	buf     []byte
}

func NewWSConn(conn *websocket.Conn, maxMessageBytes int, writeTimeout time.Duration) *WSConn {
	if maxMessageBytes > 0 {
		conn.SetReadLimit(int64(maxMessageBytes))
	}
	return &WSConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		buf:          make([]byte, readChunkSize),
	}
}

// ReadFrame reads the next chunk. Cancelling ctx unblocks a pending read by
// expiring the read deadline.
func (c *WSConn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", protocol.ErrCancelled, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	fr, err := c.readFrame()
	if err != nil && ctx.Err() != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", protocol.ErrCancelled, ctx.Err())
	}
	return fr, err
}

func (c *WSConn) readFrame() (protocol.Frame, error) {
	if c.cur == nil {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return protocol.Frame{Kind: protocol.FrameClose, Final: true}, nil
			}
			return protocol.Frame{}, readError(err)
		}
		c.cur = r
		c.curKind = frameKind(mt)
	}

	for {
		n, err := c.cur.Read(c.buf)
		if err == io.EOF {
			c.cur = nil
			return protocol.Frame{Kind: c.curKind, Payload: clone(c.buf[:n]), Final: true}, nil
		}
		if err != nil {
			c.cur = nil
			return protocol.Frame{}, readError(err)
		}
		if n > 0 {
			return protocol.Frame{Kind: c.curKind, Payload: clone(c.buf[:n])}, nil
		}
	}
}

func (c *WSConn) WriteText(data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
	}
	return nil
}

// Close sends a close control message and releases the connection
func (c *WSConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

func frameKind(mt int) protocol.FrameKind {
	switch mt {
	case websocket.TextMessage:
		return protocol.FrameText
	case websocket.BinaryMessage:
		return protocol.FrameBinary
	default:
		return protocol.FrameClose
	}
}

func readError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %v", protocol.ErrProtocolViolation, err)
	}
	return fmt.Errorf("%w: %w", protocol.ErrTransport, err)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// CloseCode maps a session error onto a websocket close status
func CloseCode(err error) int {
	switch {
	case err == nil:
		return websocket.CloseNormalClosure
	case errors.Is(err, protocol.ErrProtocolViolation):
		return websocket.CloseProtocolError
	case errors.Is(err, protocol.ErrMalformedMessage):
		return websocket.CloseInvalidFramePayloadData
	case errors.Is(err, protocol.ErrCancelled):
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}
