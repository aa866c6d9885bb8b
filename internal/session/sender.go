package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"perforay/internal/observability"
	"perforay/internal/protocol"
)

var ErrSenderClosed = errors.New("session: sender closed")

// MessageWriter transmits one complete text message. Implementations need not
// be safe for concurrent use; Sender guarantees a single writer.
type MessageWriter interface {
	WriteText(data []byte) error
}

type sendRequest struct {
	msg    any
	result chan error
}

// Sender serializes outbound messages of one connection. A single pump
// goroutine encodes and writes queued messages in FIFO order, so at most one
// write is in flight and messages never interleave.
type Sender struct {
	w      MessageWriter
	queue  chan sendRequest
	quit   chan struct{}
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once

	mu  sync.Mutex
	err error // first transport failure, latched
}

// NewSender starts the pump. depth bounds how many sends may wait in the queue
// before callers block on enqueue.
func NewSender(w MessageWriter, depth int, logger zerolog.Logger) *Sender {
	if depth < 0 {
		depth = 0
	}
	s := &Sender{
		w:      w,
		queue:  make(chan sendRequest, depth),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.pump()
	return s
}

// Send queues msg and blocks until it has been written or has failed.
// ctx only bounds the wait for a queue slot; once queued the message is
// written unless the sender closes first.
func (s *Sender) Send(ctx context.Context, msg any) error {
	if err := s.failure(); err != nil {
		return err
	}

	req := sendRequest{msg: msg, result: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-s.done:
		return s.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", protocol.ErrCancelled, ctx.Err())
	}

	select {
	case err := <-req.result:
		return err
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return s.closedErr()
		}
	}
}

// Close stops the pump after the in-flight write, if any, finishes.
// Queued sends that were not started fail with ErrSenderClosed.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	<-s.done
}

// Err returns the latched transport failure
func (s *Sender) Err() error {
	return s.failure()
}

func (s *Sender) pump() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		select {
		case <-s.quit:
			return
		case req := <-s.queue:
			req.result <- s.transmit(req.msg)
		}
	}
}

func (s *Sender) transmit(msg any) error {
	if err := s.failure(); err != nil {
		return err
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	msgType := protocol.MessageType(msg)
	if err := s.w.WriteText(data); err != nil {
		if !errors.Is(err, protocol.ErrTransport) {
			err = fmt.Errorf("%w: %w", protocol.ErrTransport, err)
		}
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("type", msgType).Msg("send failed")
		return err
	}

	observability.RecordMessageSent(msgType)
	s.logger.Debug().Str("type", msgType).Int("bytes", len(data)).Msg("message sent")
	return nil
}

func (s *Sender) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Sender) closedErr() error {
	if err := s.failure(); err != nil {
		return err
	}
	return ErrSenderClosed
}
