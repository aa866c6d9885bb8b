package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perforay/internal/config"
	"perforay/internal/handler"
	"perforay/internal/logging"
	"perforay/internal/middleware"
	"perforay/internal/model"
	"perforay/internal/observability"
	"perforay/internal/session"
	"perforay/internal/store"
)

const healthTimeout = 2 * time.Second

// Backends holds the optional collaborators; nil fields are disabled
type Backends struct {
	Postgres  *store.Postgres
	Cache     *store.Cache
	Publisher *store.Publisher
	Redis     *redis.Client
}

// Fanout registers results with every enabled backend, then with extra
func (b Backends) Fanout(logger zerolog.Logger, extra ...store.Backend) *store.Fanout {
	var list []store.Backend
	if b.Postgres != nil {
		list = append(list, b.Postgres)
	}
	if b.Cache != nil {
		list = append(list, b.Cache)
	}
	if b.Publisher != nil {
		list = append(list, b.Publisher)
	}
	return store.NewFanout(logger, append(list, extra...)...)
}

// ResultStore returns f, or nil when f has no backends so sessions skip registration
func ResultStore(f *store.Fanout) session.ResultStore {
	if len(f.Backends()) == 0 {
		return nil
	}
	return f
}

// Server represents the HTTP server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	config     *config.Config
	engine     session.Engine
	backends   Backends
	fanout     *store.Fanout
	base       zerolog.Logger
	logger     zerolog.Logger
	started    time.Time

	scanHandler   *handler.ScanHandler
	resultHandler *handler.ResultHandler
	feedHandler   *handler.FeedHandler
	feed          *handler.FeedHub
	feedSub       *nats.Subscription
	stopFeed      context.CancelFunc
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, engine session.Engine, backends Backends, logger zerolog.Logger) *Server {
	return &Server{
		config:   cfg,
		engine:   engine,
		backends: backends,
		base:     logger,
		logger:   logging.Component(logger, "server"),
		started:  time.Now(),
	}
}

// Setup initializes routes and handlers
func (s *Server) Setup() {
	observability.RegisterMetrics()

	var results handler.ResultReader
	var latest handler.LatestReader
	if s.backends.Postgres != nil {
		results = s.backends.Postgres
	}
	if s.backends.Cache != nil {
		latest = s.backends.Cache
	}
	s.feed = handler.NewFeedHub(logging.Component(s.base, "feed"))
	feedCtx, stopFeed := context.WithCancel(context.Background())
	s.stopFeed = stopFeed
	go s.feed.Run(feedCtx)

	// With JetStream the feed follows the results subject, so it also sees
	// results registered by other instances. Otherwise it is fed directly.
	var extra []store.Backend
	if s.backends.Publisher != nil {
		sub, err := s.backends.Publisher.Watch(func(r *model.ScanResult) {
			_ = s.feed.Publish(r)
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to subscribe feed to NATS, feeding directly")
			extra = append(extra, s.feed)
		} else {
			s.feedSub = sub
		}
	} else {
		extra = append(extra, s.feed)
	}
	s.fanout = s.backends.Fanout(logging.Component(s.base, "store"), extra...)
	resultStore := ResultStore(s.fanout)
	s.scanHandler = handler.NewScanHandler(
		s.engine,
		resultStore,
		session.OptionsFromConfig(s.config.Session),
		s.config.Session.WriteTimeout,
		logging.Component(s.base, "ws"),
	)
	s.resultHandler = handler.NewResultHandler(results, latest)
	s.feedHandler = handler.NewFeedHandler(s.feed)

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(observability.RequestLogger(logging.Component(s.base, "http")))
	s.router.Use(observability.RequestMetricsMiddleware())
	s.router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))

	// Public routes
	s.router.GET("/health", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket routes
	ws := s.router.Group("/ws")
	if limiter := s.rateLimiter(); limiter != nil {
		ws.Use(middleware.RateLimit(limiter, middleware.RateLimitConfigFrom(s.config.RateLimit, "ws"), s.logger))
	}
	ws.GET("/scan", s.scanHandler.HandleScan)
	s.router.GET("/ws/stats", s.scanHandler.GetStats)
	s.router.GET("/ws/results", s.feedHandler.HandleFeed)
	s.router.GET("/ws/results/stats", s.feedHandler.GetStats)

	api := s.router.Group("/api/v1")
	s.resultHandler.RegisterRoutes(api)
}

func (s *Server) rateLimiter() middleware.RateLimiter {
	if !s.config.RateLimit.Enabled {
		return nil
	}
	if s.backends.Redis != nil {
		return middleware.NewRedisRateLimiter(s.backends.Redis)
	}
	return middleware.NewLocalRateLimiter()
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	health := gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	}
	backends := gin.H{}
	for name, err := range s.fanout.Ping(ctx) {
		if err != nil {
			backends[name] = err.Error()
			health["status"] = "degraded"
			continue
		}
		backends[name] = "ok"
	}
	health["backends"] = backends

	if s.backends.Publisher != nil {
		if info, err := s.backends.Publisher.StreamInfo(); err == nil {
			health["jetstream_results"] = gin.H{
				"messages": info.State.Msgs,
				"bytes":    info.State.Bytes,
			}
		}
	}

	c.JSON(http.StatusOK, health)
}

// Run starts the HTTP server and blocks until it stops
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("addr", s.config.Addr()).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// GetRouter returns the gin router for testing
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// Shutdown stops accepting requests, then cancels running scan sessions
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.scanHandler != nil {
		if err := s.scanHandler.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		} else {
			s.logger.Info().Msg("scan sessions stopped")
		}
	}
	if s.feedSub != nil {
		if err := s.feedSub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.stopFeed != nil {
		s.stopFeed()
	}
	return errors.Join(errs...)
}
