package handler

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"perforay/internal/observability"
	"perforay/internal/session"
)

const readBufferSize = 8192

// ScanHandler upgrades /ws/scan requests and runs one session per connection
type ScanHandler struct {
	engine       session.Engine
	store        session.ResultStore
	opts         session.Options
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	logger       zerolog.Logger

	// cancelled on Shutdown; every session context derives from it
	root   context.Context
	cancel context.CancelFunc
	// mu orders wg.Add against Shutdown
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	active    atomic.Int64
	completed atomic.Int64
	aborted   atomic.Int64
}

// NewScanHandler 创建扫描会话处理器. store may be nil.
func NewScanHandler(engine session.Engine, store session.ResultStore, opts session.Options, writeTimeout time.Duration, logger zerolog.Logger) *ScanHandler {
	root, cancel := context.WithCancel(context.Background())
	return &ScanHandler{
		engine:       engine,
		store:        store,
		opts:         opts,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow all origins in development, configure for production
				return true
			},
			ReadBufferSize:  readBufferSize,
			WriteBufferSize: readBufferSize,
		},
		logger: logger,
		root:   root,
		cancel: cancel,
	}
}

// HandleScan serves one scan session for the lifetime of the connection
func (h *ScanHandler) HandleScan(c *gin.Context) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", c.ClientIP()).Msg("upgrade failed")
		return
	}
	h.active.Add(1)
	defer h.active.Add(-1)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(h.root, cancel)
	defer stop()

	logger := h.logger.With().Str("remote", c.ClientIP()).Logger()
	wsConn := session.NewWSConn(conn, h.opts.Limits.MaxMessageBytes, h.writeTimeout)
	ctrl := session.NewController(wsConn, h.engine, h.store, h.opts, logger)

	c.Set(observability.SessionIDKey, ctrl.ID())
	logger.Info().Str("session_id", ctrl.ID()).Msg("client connected")
	if err := ctrl.Run(ctx); err != nil {
		h.aborted.Add(1)
		return
	}
	h.completed.Add(1)
}

// GetStats 会话统计
func (h *ScanHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active":    h.active.Load(),
		"completed": h.completed.Load(),
		"aborted":   h.aborted.Load(),
	})
}

// Shutdown cancels running sessions and waits for them to close, or for ctx
func (h *ScanHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.cancel()
	h.mu.Unlock()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
