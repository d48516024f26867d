package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/config"
	"github.com/medvault/medvault/internal/domain/docaccess"
	"github.com/medvault/medvault/internal/domain/notification"
	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/db"
	"github.com/medvault/medvault/internal/platform/events"
	"github.com/medvault/medvault/internal/platform/middleware"
	"github.com/medvault/medvault/internal/platform/telemetry"
	"github.com/medvault/medvault/internal/platform/websocket"
)

const (
	version         = "0.1.0"
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// stores holds the repositories for the configured driver.
type stores struct {
	sessions      docaccess.SessionRepository
	accessLogs    docaccess.AccessLogRepository
	notifications notification.Repository
	health        db.HealthSource
	pool          *pgxpool.Pool
	close         func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	if cfg.StoreDriver == config.StoreDriverSQLite {
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.MigrateSQLite(conn); err != nil {
			conn.Close()
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &stores{
			sessions:      docaccess.NewSessionRepoSQLite(conn),
			accessLogs:    docaccess.NewAccessLogRepoSQLite(conn),
			notifications: notification.NewRepoSQLite(conn),
			health:        db.SQLiteHealth(conn),
			close:         func() { conn.Close() },
		}, nil
	}

	pool, err := db.NewPool(ctx, db.PoolOptions{
		DatabaseURL:     cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: cfg.OTelServiceName,
	})
	if err != nil {
		return nil, err
	}
	if err := db.CreateTenantSchema(ctx, pool, cfg.DatabaseURL, cfg.DefaultTenant); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare default tenant: %w", err)
	}
	logger.Info().Str("tenant", cfg.DefaultTenant).Msg("connected to database")
	return &stores{
		sessions:      docaccess.NewSessionRepoPG(pool),
		accessLogs:    docaccess.NewAccessLogRepoPG(pool),
		notifications: notification.NewRepoPG(pool),
		health:        db.PoolHealth(pool),
		pool:          pool,
		close:         pool.Close,
	}, nil
}

// tenantScope scopes background work the way TenantMiddleware scopes requests.
func (s *stores) tenantScope() events.TenantScope {
	if s.pool == nil {
		return events.Unscoped
	}
	pool := s.pool
	return func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
		return db.RunInTenant(ctx, pool, tenantID, fn)
	}
}

// authMiddleware verifies bearer tokens. Development mode also accepts
// unauthenticated requests as the X-Dev-User principal, and only verifies
// tokens when a verification source is configured.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	configured := cfg.AuthSigningKey != "" || cfg.AuthJWKSURL != "" || cfg.AuthIssuer != ""
	if cfg.IsDev() && !configured {
		return auth.DevAuthMiddleware(nil)
	}

	verify := auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
	})
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(verify)
	}
	return verify
}

type server struct {
	echo      *echo.Echo
	registry  *websocket.Registry
	consumer  *events.Consumer
	telemetry *telemetry.Provider
	stores    *stores
	logger    zerolog.Logger

	cancel       context.CancelFunc
	consumerDone chan struct{}
}

// newServer wires the stores, domain services and HTTP surface. Cancelling
// ctx closes every WebSocket connection the server accepted.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}
	tp.SetGlobal()
	metrics := tp.Metrics()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		tp.Shutdown(context.Background())
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &server{
		telemetry: tp,
		stores:    st,
		logger:    logger,
		cancel:    cancel,
	}

	// Domain services
	s.registry = websocket.NewRegistry(logger, metrics)
	dispatcher := notification.NewDispatcher(st.notifications, s.registry, logger,
		notification.WithRecorder(metrics))
	accessSvc := docaccess.NewService(st.sessions, st.accessLogs, logger,
		docaccess.WithTTL(cfg.AccessSessionTTL),
		docaccess.WithAuditWindow(time.Duration(cfg.AuditWindowDays)*24*time.Hour),
		docaccess.WithRecorder(metrics))

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.echo = e

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tp.TracingMiddleware())
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(st.health))
	e.GET("/metrics", tp.PrometheusHandler())

	// API groups. The WebSocket endpoint is authenticated but holds no
	// tenant connection for the lifetime of the socket.
	apiV1 := e.Group("/api/v1", authMiddleware(cfg))

	wsHandler := websocket.NewHandler(ctx, s.registry, dispatcher, websocket.HandlerConfig{
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.WSPingInterval,
		AllowedOrigins: cfg.WSAllowedOrigins,
		MessageRate:    cfg.WSMessageRate,
		MessageBurst:   cfg.WSMessageBurst,
	}, logger)
	wsHandler.RegisterRoutes(apiV1)

	scoped := apiV1.Group("",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.RequestTimeout(requestTimeout),
	)
	if st.pool != nil {
		scoped.Use(db.TenantMiddleware(st.pool, cfg.DefaultTenant))
	}

	docaccess.NewHandler(accessSvc, docaccess.AllowAll).RegisterRoutes(scoped)
	notification.NewHandler(notification.NewService(st.notifications), dispatcher).RegisterRoutes(scoped)

	// External event producers
	if cfg.KafkaEnabled() {
		reader := events.NewKafkaReader(events.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaEventsTopic,
			GroupID: cfg.KafkaGroupID,
		})
		s.consumer = events.NewConsumer(reader, dispatcher, logger,
			events.WithTenantScope(st.tenantScope(), cfg.DefaultTenant),
			events.WithRecorder(metrics))
		s.consumerDone = make(chan struct{})
		go func() {
			defer close(s.consumerDone)
			if err := s.consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("event consumer failed")
			}
		}()
		logger.Info().Str("topic", cfg.KafkaEventsTopic).Msg("event consumer started")
	}

	return s, nil
}

// shutdown stops accepting requests, closes every live connection, stops
// the event consumer and flushes telemetry.
func (s *server) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.echo.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	closed := s.registry.CloseAll()
	s.cancel()
	s.logger.Info().Int("connections", closed).Msg("closed live connections")

	if s.consumer != nil {
		<-s.consumerDone
		if err := s.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event consumer: %w", err))
		}
	}

	s.stores.close()

	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	return errors.Join(errs...)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Logger
	logger := newLogger(cfg, os.Stdout)
	zerolog.DefaultContextLogger = &logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
