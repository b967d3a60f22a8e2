// ABOUTME: Gateway orchestrator that wires the store, bus, services and HTTP server
// ABOUTME: Owns startup, background workers and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/bus"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/conversation"
	"github.com/2389/parley-gateway/internal/dedupe"
	"github.com/2389/parley-gateway/internal/ingress"
	"github.com/2389/parley-gateway/internal/queue"
	"github.com/2389/parley-gateway/internal/realtime"
	"github.com/2389/parley-gateway/internal/store"
	"github.com/2389/parley-gateway/internal/transcript"
)

// dedupeMaxEntries bounds the clientMessageId cache.
const dedupeMaxEntries = 100_000

// Gateway orchestrates the parley-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	localBus *bus.LocalBus
	bus      bus.Bus
	bridge   *bus.RedisBridge
	redis    *redis.Client

	verifier      *auth.JWTVerifier
	audit         *queue.StoreAuditSink
	queue         *queue.Manager
	ingress       *ingress.Service
	conversation  *conversation.Service
	transcripts   *transcript.Builder
	transcriptJob *transcript.Job
	realtime      *realtime.Gateway
	dedupe        *dedupe.Cache

	handler    http.Handler
	httpServer *http.Server

	workers      sync.WaitGroup
	stopWorkers  context.CancelFunc
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite database named by the config.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New opens the store and, when enabled, the Redis connection, then wires
// every component. Call Run to serve.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = bus.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return NewWithStore(cfg, s, rdb, logger), nil
}

// NewWithStore wires the gateway around an existing store. rdb may be nil,
// in which case events stay within this process. The gateway takes
// ownership of both.
func NewWithStore(cfg *config.Config, s store.Store, rdb *redis.Client, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		logger:   logger.With("component", "gateway"),
		localBus: bus.NewLocalBus(logger),
		redis:    rdb,
	}
	gw.bus = gw.localBus
	var queueLocks, conversationLocks queue.Locker
	if rdb != nil {
		gw.bridge = bus.NewRedisBridge(gw.localBus, rdb, cfg.Redis.ChannelPrefix, logger)
		gw.bus = gw.bridge
		queueLocks = queue.NewRedisLocker(rdb, cfg.Redis.ChannelPrefix+"queue:", logger)
		conversationLocks = queue.NewRedisLocker(rdb, cfg.Redis.ChannelPrefix+"conversation:", logger)
	}

	gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	gw.audit = queue.NewStoreAuditSink(s, logger)
	gw.queue = queue.NewManager(s, queue.Options{
		MinutesPerPosition: cfg.Queue.MinutesPerPosition,
		Bus:                gw.bus,
		Audit:              gw.audit,
		Locker:             queueLocks,
		Logger:             logger,
	})
	gw.ingress = ingress.New(s, gw.queue, gw.bus, gw.audit, logger)
	if conversationLocks != nil {
		gw.ingress.SetLocker(conversationLocks)
	}
	gw.conversation = conversation.New(s, gw.queue, gw.ingress, logger)
	gw.transcripts = transcript.NewBuilder(s)
	gw.transcriptJob = transcript.NewJob(gw.transcripts, gw.bus, logger)
	gw.dedupe = dedupe.New(cfg.Realtime.DedupeTTL, dedupeMaxEntries)

	gw.realtime = realtime.New(realtime.Options{
		Store:          s,
		Messages:       gw.ingress,
		Queue:          gw.queue,
		Bus:            gw.bus,
		Verifier:       gw.verifier,
		Dedupe:         gw.dedupe,
		Logger:         logger,
		OpTimeout:      cfg.Realtime.OpTimeout,
		HistoryLimit:   cfg.Realtime.HistoryLimit,
		SendRate:       cfg.Realtime.SendRate,
		SendBurst:      cfg.Realtime.SendBurst,
		PingInterval:   cfg.Realtime.PingInterval,
		AllowedOrigins: cfg.Realtime.AllowedOrigins,
	})

	gw.handler = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw
}

// Handler returns the HTTP handler serving the API, /ws and health routes.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Verifier exposes the token verifier, which also issues tokens.
func (g *Gateway) Verifier() *auth.JWTVerifier {
	return g.verifier
}

// Start launches the background workers: realtime fan-out, the transcript
// job and, when configured, the Redis bridge. It returns once every bus
// subscription is in place.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.stopWorkers = context.WithCancel(ctx)

	g.workers.Add(2)
	go func() {
		defer g.workers.Done()
		g.realtime.Run(ctx)
	}()
	jobReady := make(chan struct{})
	go func() {
		defer g.workers.Done()
		g.transcriptJob.Run(ctx, jobReady)
	}()
	<-jobReady

	if g.bridge != nil {
		g.workers.Add(1)
		go func() {
			defer g.workers.Done()
			if err := g.bridge.Run(ctx, nil); err != nil {
				g.logger.Error("redis bridge stopped", "error", err)
			}
		}()
	}
}

// startServer serves HTTP on ln in a goroutine, returning its error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// Run starts the gateway and blocks until ctx is canceled or the server
// fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"redis", g.bridge != nil,
		"metrics", g.config.Metrics.Enabled)

	g.Start(ctx)
	errCh := g.startServer(ln)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects every realtime client, stops
// the background workers and releases the bus, cache, Redis and store.
// Safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

		g.realtime.Close()
		if g.stopWorkers != nil {
			g.stopWorkers()
		}
		g.workers.Wait()
		g.audit.Wait()

		g.localBus.Close()
		g.dedupe.Close()
		if g.redis != nil {
			errs = appendCloseError(errs, "redis close", g.redis.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}
