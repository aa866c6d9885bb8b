package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// FrameKind is the transport-level kind of a frame
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FrameClose:
		return "close"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Frame is one transport chunk of a logical message
type Frame struct {
	Kind    FrameKind
	Payload []byte
	// Final marks the last fragment of a logical message
	Final bool
}

// FrameReader yields the raw frames of one connection
type FrameReader interface {
	// ReadFrame blocks until the next frame arrives or ctx is done
	ReadFrame(ctx context.Context) (Frame, error)
}

// Limits constrains reassembly memory use.
type Limits struct {
	MaxMessageBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 64 * 1024,
	}
}

// ReadMessage reassembles frames until one reports Final and returns the
// message as text. Only text messages are valid.
func ReadMessage(ctx context.Context, r FrameReader, limits Limits) (string, error) {
	var buf bytes.Buffer
	var fr Frame
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		var err error
		fr, err = r.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %v", ErrCancelled, err)
			}
			if IsProtocolError(err) {
				return "", err
			}
			return "", fmt.Errorf("%w: %v", ErrTransport, err)
		}

		if limits.MaxMessageBytes > 0 && buf.Len()+len(fr.Payload) > limits.MaxMessageBytes {
			return "", fmt.Errorf("%w: message exceeds %d bytes", ErrProtocolViolation, limits.MaxMessageBytes)
		}
		buf.Write(fr.Payload)

		if fr.Final {
			break
		}
	}

	if fr.Kind != FrameText {
		return "", fmt.Errorf("%w: unexpected message kind %s", ErrProtocolViolation, fr.Kind)
	}
	if !utf8.Valid(buf.Bytes()) {
		return "", fmt.Errorf("%w: message is not valid utf-8", ErrMalformedMessage)
	}
	return buf.String(), nil
}
