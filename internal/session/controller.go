package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perforay/internal/config"
	"perforay/internal/model"
	"perforay/internal/observability"
	"perforay/internal/protocol"
)

var ErrStoreFailed = errors.New("session: result registration failed")

// storeTimeout bounds result registration, which outlives client disconnects
const storeTimeout = 10 * time.Second

// ResultStore registers completed scan results
type ResultStore interface {
	Create(ctx context.Context, result *model.ScanResult) error
}

// State of a session
type State int

const (
	StateAwaitingRequest State = iota
	StateScanning
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequest:
		return "awaiting_request"
	case StateScanning:
		return "scanning"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Options tune one session
type Options struct {
	Limits         protocol.Limits
	SendQueueDepth int
	SortPages      bool
	StrictStore    bool
}

func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		Limits:         protocol.Limits{MaxMessageBytes: cfg.MaxMessageBytes},
		SendQueueDepth: cfg.SendQueueDepth,
		SortPages:      cfg.SortPages,
		StrictStore:    cfg.StrictStore,
	}
}

// Controller drives one connection through
// awaiting_request -> scanning -> completed, or aborted on any error.
type Controller struct {
	id     string
	conn   Conn
	engine Engine
	store  ResultStore
	opts   Options
	logger zerolog.Logger

	mu    sync.Mutex
	state State
}

// NewController takes ownership of conn. store may be nil.
func NewController(conn Conn, engine Engine, store ResultStore, opts Options, logger zerolog.Logger) *Controller {
	id := uuid.NewString()
	return &Controller{
		id:     id,
		conn:   conn,
		engine: engine,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("session_id", id).Logger(),
		state:  StateAwaitingRequest,
	}
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run serves the whole session and closes the connection before returning.
// The returned error is the one that aborted the session.
func (c *Controller) Run(ctx context.Context) (err error) {
	start := time.Now()
	sender := NewSender(c.conn, c.opts.SendQueueDepth, c.logger)

	defer func() {
		sender.Close()
		if err != nil {
			c.setState(StateAborted)
			c.logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("session aborted")
		} else {
			c.setState(StateCompleted)
			c.logger.Info().Dur("duration", time.Since(start)).Msg("session completed")
		}
		if cerr := c.conn.Close(CloseCode(err), ""); cerr != nil {
			c.logger.Debug().Err(cerr).Msg("close connection")
		}
		observability.RecordSession(c.State().String(), time.Since(start))
	}()

	text, err := protocol.ReadMessage(ctx, c.conn, c.opts.Limits)
	if err != nil {
		return err
	}
	req, err := protocol.DecodeScanRequest(text)
	if err != nil {
		return err
	}

	c.setState(StateScanning)
	c.logger.Info().Str("target", req.URI.String()).Msg("scan started")

	result, err := RunScan(ctx, c.engine, sender, req.URI)
	if err != nil {
		return err
	}
	return c.complete(ctx, sender, req, result)
}

func (c *Controller) complete(ctx context.Context, sender *Sender, req protocol.ScanRequest, result *model.ScanResult) error {
	if result.ID == "" {
		result.ID = c.id
	}
	if result.Target == "" {
		result.Target = req.URI.String()
	}

	// Without sort_pages the pages keep the order the engine produced them in.
	if c.opts.SortPages {
		SortPages(result.Pages)
	}

	if c.store != nil {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		err := c.store.Create(storeCtx, result)
		cancel()
		if err != nil {
			if c.opts.StrictStore {
				return fmt.Errorf("%w: %w", ErrStoreFailed, err)
			}
			c.logger.Warn().Err(err).Str("result_id", result.ID).Msg("result registration failed")
		}
	}

	c.logger.Info().Int("pages", len(result.Pages)).Str("result_id", result.ID).Msg("sending result")
	return sender.Send(ctx, result)
}
