package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/triage-ai/reviewbot/internal/auth"
	"github.com/triage-ai/reviewbot/internal/config"
	"github.com/triage-ai/reviewbot/internal/dispatch"
	"github.com/triage-ai/reviewbot/internal/engine"
	"github.com/triage-ai/reviewbot/internal/ingest"
	"github.com/triage-ai/reviewbot/internal/registry"
	"github.com/triage-ai/reviewbot/internal/server"
	"github.com/triage-ai/reviewbot/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

type sessions interface {
	auth.CredentialIssuer
	auth.Authenticator
}

func main() {
	cfg := config.LoadFromEnv()

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting review bot server",
		zap.String("port", cfg.Port),
		zap.String("acting_user", cfg.ActingUser),
		zap.String("site_url", cfg.Site.String()),
		zap.Int("max_comments", cfg.MaxComments),
	)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event log: ClickHouse or LogWriter fallback
	var events storage.EventWriter
	if cfg.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer", zap.Error(err))
			events = storage.NewLogWriter(logger)
		} else {
			events = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		events = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer events.Close()

	// Registry, executions and sessions: Postgres if DSN provided, otherwise in memory
	var (
		reg     registry.Store
		execs   storage.ExecutionStore
		sess    sessions
		seedReg *registry.MemoryRegistry
	)
	if cfg.PostgresDSN != "" {
		db := mustOpenPostgres(ctx, cfg.PostgresDSN, logger)
		defer func() { _ = db.Close() }()
		if cfg.AutoMigrate {
			if err := storage.Migrate(ctx, db); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
			logger.Info("schema migrated")
		}
		reg = registry.NewPostgresRegistry(registry.PostgresRegistryConfig{
			DB:       db,
			CacheTTL: cfg.ConfigCacheTTL,
			Logger:   logger,
			Defaults: cfg.Defaults,
		})
		execs = storage.NewPostgresExecutionStore(db)
		sess = auth.NewPostgresSessions(auth.PostgresSessionsConfig{
			DB:         db,
			CacheTTL:   cfg.SessionCacheTTL,
			SessionTTL: cfg.SessionTTL,
			Logger:     logger,
		})
		logger.Info("postgres registry, execution store and sessions connected")
	} else {
		if cfg.SeedFile != "" {
			loaded, err := registry.LoadSeedFile(cfg.SeedFile, cfg.Defaults)
			if err != nil {
				logger.Fatal("failed to load seed file", zap.String("path", cfg.SeedFile), zap.Error(err))
			}
			seedReg = loaded
			logger.Info("in-memory registry seeded", zap.String("path", cfg.SeedFile))
		} else {
			seedReg = registry.NewMemoryRegistry(cfg.Defaults)
			logger.Info("no POSTGRES_DSN or REVIEW_BOT_SEED_FILE set, starting with an empty registry")
		}
		reg = seedReg
		execs = storage.NewMemoryExecutionStore()
		var users []string
		if cfg.ActingUser != "" {
			users = append(users, cfg.ActingUser)
		}
		sess = auth.NewStaticSessions(users...)
		logger.Info("using in-memory execution store and static sessions (no POSTGRES_DSN)")
	}

	// Broker
	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Broker: dispatch.BrokerConfig{URL: cfg.BrokerURL},
		Store:  execs,
		Events: events,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("failed to build broker", zap.Error(err))
	}
	defer func() { _ = dispatcher.Close() }()

	// Review posting: HTTP if endpoint provided, otherwise logged
	var poster ingest.ReviewPoster
	if cfg.ReviewAPIURL != "" {
		poster = ingest.NewHTTPReviewPoster(cfg.ReviewAPIURL, cfg.PostTimeout)
	} else {
		poster = ingest.NewLogPoster(logger)
		logger.Info("no REVIEW_BOT_REVIEW_API_URL set, reviews will be logged")
	}

	eng := engine.NewReviewBotEngine(engine.Config{
		Registry:    reg,
		Dispatcher:  dispatcher,
		Issuer:      sess,
		Events:      events,
		ActingUser:  cfg.ActingUser,
		MaxComments: cfg.MaxComments,
		Site:        cfg.Site,
		Logger:      logger,
	})
	ingestor := ingest.NewResultIngestor(execs, reg, poster, events, logger)

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	server.RegisterReviewBotServiceServer(grpcServer, server.NewReviewBotServer(eng, ingestor, reg, sess, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	// Signals: SIGHUP reloads the broker, SIGINT/SIGTERM shut down gracefully
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-gctx.Done():
				healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
				grpcServer.GracefulStop()
				return nil
			case sig := <-sigCh:
				if sig == syscall.SIGHUP {
					brokerURL := os.Getenv("REVIEW_BOT_BROKER_URL")
					if err := dispatcher.Reconfigure(dispatch.BrokerConfig{URL: brokerURL}); err != nil {
						logger.Error("broker reload failed, keeping current broker", zap.Error(err))
					}
					continue
				}
				logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
				cancel()
			}
		}
	})

	if seedReg != nil && cfg.SeedFile != "" {
		g.Go(func() error {
			return registry.WatchSeedFile(gctx, cfg.SeedFile, seedReg, logger)
		})
	}

	g.Go(func() error {
		logger.Info("review bot server listening", zap.String("addr", lis.Addr().String()))
		err := grpcServer.Serve(lis)
		cancel()
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("review bot server stopped with error", zap.Error(err))
		return
	}
	logger.Info("review bot server stopped")
}

func mustOpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	return db
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
