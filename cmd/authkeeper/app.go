package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/authkeeper/internal/audit"
	"github.com/nkiryanov/authkeeper/internal/db"
	"github.com/nkiryanov/authkeeper/internal/handlers"
	"github.com/nkiryanov/authkeeper/internal/handlers/middleware"
	"github.com/nkiryanov/authkeeper/internal/logger"
	"github.com/nkiryanov/authkeeper/internal/repository/postgres"
	"github.com/nkiryanov/authkeeper/internal/service/auth"
	"github.com/nkiryanov/authkeeper/internal/service/janitor"
	"github.com/nkiryanov/authkeeper/internal/service/lockout"
	"github.com/nkiryanov/authkeeper/internal/service/password"
	"github.com/nkiryanov/authkeeper/internal/service/session"
	"github.com/nkiryanov/authkeeper/internal/service/tokens"
)

const (
	shutdownTimeout    = 5 * time.Second
	auditBufferSize    = 1024
	sentryFlushTimeout = 2 * time.Second

	// Throttle state of clients silent this long is dropped
	throttleIdle = 10 * time.Minute
)

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler

	logger  logger.Logger
	janitor *janitor.Janitor

	// Released in reverse order on Close
	closers []func()
}

func NewServerApp(ctx context.Context, c *Config) (_ *ServerApp, err error) {
	// Initialize logger
	log, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	app := &ServerApp{ListenAddr: c.ListenAddr, logger: log}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}
	app.closers = append(app.closers, pool.Close)

	storage := postgres.NewStorage(pool)

	// Lockout counters: shared in redis or local to this process
	var (
		store    lockout.Store
		tasks    []janitor.Task
		memStore *lockout.MemoryStore
	)
	if c.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: c.RedisAddr})
		app.closers = append(app.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error while connecting to redis. Err: %w", err)
		}
		store = lockout.NewRedisStore(client, c.RedisPrefix)
	} else {
		log.Warn("Redis is not configured, lockout counters are local to this instance")
		memStore = lockout.NewMemoryStore()
		store = memStore
		tasks = append(tasks, janitor.Task{Name: "lockout counters", Run: func(context.Context) (int, error) {
			return memStore.Sweep(time.Now()), nil
		}})
	}

	guard, err := lockout.NewGuard(store, c.LockoutPolicy())
	if err != nil {
		return nil, fmt.Errorf("error while creating lockout guard. Err: %w", err)
	}

	hasher, err := password.New(c.PasswordParams())
	if err != nil {
		return nil, fmt.Errorf("error while creating password engine. Err: %w", err)
	}

	keyring, err := c.Keyring()
	if err != nil {
		return nil, fmt.Errorf("error while loading signing keys. Err: %w", err)
	}
	tokenManager, err := tokens.New(tokens.Config{
		Keyring:    keyring,
		Issuer:     c.Issuer,
		AccessTTL:  c.AccessTTL,
		RefreshTTL: c.RefreshTTL,
		Skew:       c.ClockSkew,
	})
	if err != nil {
		return nil, fmt.Errorf("error while creating token manager. Err: %w", err)
	}

	sessions := session.New(storage, tokenManager, c.SessionMaxLifetime, session.WithIdleTimeout(c.SessionIdleTimeout))
	tasks = append(tasks,
		janitor.Task{Name: "sessions", Run: sessions.DeleteExpired},
		janitor.Task{Name: "idle sessions", Run: sessions.RevokeIdle},
	)

	sink, err := app.auditSink(c, log)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewAuthService(
		auth.Config{StoreRetries: c.StoreRetries},
		auth.Deps{
			Storage:  storage,
			Hasher:   hasher,
			Guard:    guard,
			Sessions: sessions,
			Tokens:   tokenManager,
			Audit:    sink,
			Logger:   log,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error while creating auth service. Err: %w", err)
	}

	var throttler *middleware.Throttler
	if c.ThrottleRPS > 0 {
		throttler = middleware.NewThrottler(c.ThrottleRPS, c.ThrottleBurst)
		tasks = append(tasks, janitor.Task{Name: "throttle clients", Run: func(context.Context) (int, error) {
			return throttler.Sweep(throttleIdle), nil
		}})
	}

	app.Handler = handlers.NewRouter(authService, handlers.RouterConfig{
		AllowRegistration: c.AllowRegistration,
		TrustProxy:        c.TrustProxy,
		Throttler:         throttler,
	}, log)
	app.janitor = janitor.New(c.JanitorInterval, log, tasks...)

	return app, nil
}

// auditSink writes security events to the log and, when configured, raises alerts in sentry
// Delivery is asynchronous, the dispatcher is drained on Close
func (s *ServerApp) auditSink(c *Config, log logger.Logger) (audit.Sink, error) {
	sinks := audit.MultiSink{audit.NewLoggerSink(log)}

	if c.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         c.SentryDSN,
			Environment: c.Environment,
		})
		if err != nil {
			return nil, fmt.Errorf("error while initializing sentry. Err: %w", err)
		}
		sentrySink := audit.NewSentrySink(nil)
		sinks = append(sinks, sentrySink)
		s.closers = append(s.closers, func() { sentrySink.Flush(sentryFlushTimeout) })
	}

	dispatcher := audit.NewDispatcher(sinks, auditBufferSize)
	s.closers = append(s.closers, func() {
		dispatcher.Close()
		if n := dispatcher.Dropped(); n > 0 {
			log.Warn("Audit events dropped", "count", n)
		}
	})

	return dispatcher, nil
}

// Run starts http server and janitor, stops both gracefully on context cancellation
func (s *ServerApp) Run(ctx context.Context) error {
	defer s.Close()

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting server", "address", s.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		return nil
	})

	g.Go(func() error {
		<-s.janitor.Run(gctx)
		return nil
	})

	return g.Wait()
}

// Close releases resources in reverse order of acquisition
func (s *ServerApp) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
