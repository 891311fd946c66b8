package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridspot/gridspot-backend/internal/config"
	consul_client "github.com/gridspot/gridspot-backend/internal/consul"
	"github.com/gridspot/gridspot-backend/internal/events"
	"github.com/gridspot/gridspot-backend/internal/handlers"
	"github.com/gridspot/gridspot-backend/internal/lifecycle"
	"github.com/gridspot/gridspot-backend/internal/metering"
	"github.com/gridspot/gridspot-backend/internal/registry"
	"github.com/gridspot/gridspot-backend/internal/scheduler"
	"github.com/gridspot/gridspot-backend/internal/server"
	"github.com/gridspot/gridspot-backend/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/orchestrator.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() // Flush logs before exiting

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store ---
	st, cleanup, err := setupStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize task store", zap.Error(err))
	}
	defer cleanup()

	// --- Event Publisher (optional) ---
	publisher, err := events.NewPublisher(cfg.NatsURL, cfg.EventSubjectPrefix, logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", zap.String("url", cfg.NatsURL), zap.Error(err))
	}
	if publisher != nil {
		defer publisher.Close()
	}

	// --- Core Services ---
	hourlyRate, err := decimal.NewFromString(cfg.HourlyRate)
	if err != nil {
		logger.Fatal("Invalid hourly rate in configuration", zap.String("hourly_rate", cfg.HourlyRate), zap.Error(err))
	}
	meter := metering.NewMeter(hourlyRate, logger)
	reg := registry.NewService(st, logger)
	lifecycleMgr := lifecycle.NewManager(st, reg, meter, publisher, logger)
	matcher := scheduler.NewMatcher(st, reg, publisher, logger)

	// --- Sweeper ---
	sweeper := scheduler.NewSweeper(st, lifecycleMgr, cfg.SweepInterval, cfg.TaskStaleAfter, cfg.ProviderSilentAfter, logger)
	go sweeper.Run(ctx)

	// --- Consul Service Registration (optional) ---
	if cfg.ConsulAddress != "" {
		consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
		}

		serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
		logger.Info("Generated unique service ID for Consul", zap.String("service_id", serviceID))

		deregister, err := consul_client.RegisterService(consulClient, serviceID, cfg.ServiceName, cfg.Port,
			cfg.ServiceTags, cfg.HealthCheckPath, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, logger)
		if err != nil {
			logger.Fatal("Failed to register service with Consul", zap.Error(err))
		}
		defer deregister()
	} else {
		logger.Info("Consul address not configured, skipping service registration")
	}

	// --- Setup Router and Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health check endpoint (probed by Consul when registration is enabled).
	r.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Orchestrator is healthy")
		logger.Debug("Health check endpoint hit")
	})

	// --- Mount API Handlers ---
	providerHandler := handlers.NewProviderHandler(reg, matcher, logger)
	r.Mount("/providers", providerHandler.Routes())
	logger.Info("Provider API routes mounted under /providers")

	taskHandler := handlers.NewTaskHandler(st, lifecycleMgr, logger)
	r.Mount("/tasks", taskHandler.Routes())
	logger.Info("Task API routes mounted under /tasks")

	srv := server.NewServer(cfg.Port, r, logger)

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Starting orchestrator service", zap.String("port", cfg.Port), zap.String("store", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen on port", zap.String("port", cfg.Port), zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit // Block until a signal is received
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	cancel() // stop the sweeper

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown uncleanly", zap.Error(err))
	}

	logger.Info("Server gracefully stopped")
}

// setupStore builds the configured store backend and runs schema setup.
// The returned cleanup func closes the underlying connections.
func setupStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid database URL: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		ps := store.NewPostgresStore(pool, logger)
		if err := ps.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to initialize database schema: %w", err)
		}
		logger.Info("PostgreSQL store initialized")
		return ps, pool.Close, nil
	case "memory", "":
		logger.Info("In-memory store initialized")
		ms := store.NewMemoryStore()
		return ms, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// NewStructuredLogger returns a middleware that logs request details using Zap.
func NewStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				duration := time.Since(start)
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", duration),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
