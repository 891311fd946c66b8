package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gridspot/gridspot-backend/internal/agent/client"
	"github.com/gridspot/gridspot-backend/internal/agent/config"
	"github.com/gridspot/gridspot-backend/internal/agent/gpu"
	"github.com/gridspot/gridspot-backend/internal/agent/pipeline"
	"github.com/gridspot/gridspot-backend/internal/agent/runner"
	"github.com/gridspot/gridspot-backend/internal/agent/telemetry"
	"github.com/gridspot/gridspot-backend/internal/models"
	"github.com/gridspot/gridspot-backend/internal/storage"
)

var configPath = flag.String("config", filepath.Join("configs", "agent.yaml"), "Path to the configuration file")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Compute Unit Detection ---
	detector := gpu.NewDetector(cfg.GPUDetectorConfig.NvidiaSmiPath, logger)
	units := detector.Detect(ctx)

	// --- Blob Store ---
	blob, err := storage.NewMinioClient(cfg.StorageConfig, logger)
	if err != nil {
		logger.Fatal("Failed to initialize blob store", zap.Error(err))
	}
	if err := blob.EnsureBucket(ctx); err != nil {
		logger.Fatal("Failed to ensure storage bucket", zap.Error(err))
	}

	// --- Container Runner ---
	dockerRunner, err := runner.NewDockerRunner(cfg.RunnerConfig.DockerEndpoint, cfg.RunnerConfig.PullTimeout, cfg.RunnerConfig.RunTimeout, logger)
	if err != nil {
		logger.Fatal("Failed to initialize docker runner", zap.Error(err))
	}

	// --- Orchestrator Client & Pipeline ---
	apiClient := client.New(cfg.OrchestratorURL, cfg.RequestTimeout, logger)
	pipe := pipeline.New(cfg.WorkspaceDir, cfg.ResultURLExpiry, blob, dockerRunner, apiClient, logger)

	// --- Registration ---
	if err := apiClient.Register(ctx, &models.RegisterRequest{
		ProviderID: cfg.ProviderID,
		GPUs:       units,
	}); err != nil {
		logger.Fatal("Failed to register with orchestrator", zap.Error(err))
	}
	logger.Info("Agent registered",
		zap.String("provider_id", cfg.ProviderID),
		zap.Int("compute_units", len(units)),
		zap.String("orchestrator", cfg.OrchestratorURL),
	)

	// --- Poll Loop ---
	// Bounded concurrency: one pipeline per slot, and polling pauses while
	// all slots are busy so the agent never over-commits its GPUs.
	slots := make(chan struct{}, cfg.MaxConcurrentJobs)
	var wg sync.WaitGroup

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Jitter the first poll so a fleet restarted together doesn't stampede.
	var initialDelay time.Duration
	if cfg.PollInterval > 0 {
		initialDelay = time.Duration(rand.Int63n(int64(cfg.PollInterval)))
	}
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	logger.Info("Starting poll loop", zap.Duration("interval", cfg.PollInterval))
loop:
	for {
		select {
		case <-quit:
			logger.Info("Shutdown signal received, waiting for running tasks...")
			break loop
		case <-timer.C:
			poll(ctx, cfg, apiClient, pipe, slots, &wg, logger)
			timer.Reset(cfg.PollInterval)
		}
	}

	cancel()
	wg.Wait()
	logger.Info("Agent stopped")
}

// poll sends one heartbeat-and-poll and launches a pipeline when work was
// assigned. While all slots are busy it sends a plain heartbeat instead, so
// the orchestrator never assigns a task this agent cannot start.
func poll(ctx context.Context, cfg *config.Config, apiClient *client.Client, pipe *pipeline.Pipeline, slots chan struct{}, wg *sync.WaitGroup, logger *zap.Logger) {
	req := &models.PollRequest{
		ProviderID: cfg.ProviderID,
		Telemetry:  telemetry.Snapshot(logger),
	}

	// Reserve the slot before asking for work. An assigned task with no slot
	// to run it would sit dead until the stale sweep fails it.
	select {
	case slots <- struct{}{}:
	default:
		if err := apiClient.Heartbeat(ctx, req); err != nil {
			logger.Warn("Heartbeat failed", zap.Error(err))
		}
		return
	}

	task, err := apiClient.Poll(ctx, req)
	if err != nil {
		<-slots
		logger.Warn("Poll failed", zap.Error(err))
		return
	}
	if task == nil {
		<-slots
		logger.Debug("No work available")
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { <-slots }()
		if err := pipe.Execute(ctx, task); err != nil {
			logger.Error("Task pipeline failed", zap.String("task_id", task.TaskID.String()), zap.Error(err))
		}
	}()
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
