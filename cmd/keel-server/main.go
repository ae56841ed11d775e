package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keelframe/keel/internal/backend"
	"github.com/keelframe/keel/internal/compute"
	"github.com/keelframe/keel/internal/metrics"
	"github.com/keelframe/keel/internal/model"
	"github.com/keelframe/keel/internal/server"
)

var version = "dev"

type options struct {
	addr            string
	modelConfigPath string
	modelDir        string
	engineName      string
	bridgeCommand   string
	artifactPath    string
	logFormat       string
	logLevel        string
	namespace       string
}

func main() {
	opts := options{
		addr:            ":8000",
		engineName:      "reference",
		logFormat:       envOr("KEEL_LOG_FORMAT", "json"),
		logLevel:        envOr("KEEL_LOG_LEVEL", "info"),
		namespace:       "keel",
		bridgeCommand:   envOr("KEEL_BRIDGE_CMD", ""),
		artifactPath:    envOr("KEEL_ARTIFACT_PATH", ""),
		modelConfigPath: envOr("KEEL_MODEL_CONFIG", ""),
	}

	root := &cobra.Command{
		Use:           "keel-server",
		Short:         "Model-serving runtime with a priority-batching scheduler",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	flags := root.Flags()
	flags.StringVar(&opts.addr, "addr", opts.addr, "HTTP listen address")
	flags.StringVar(&opts.modelConfigPath, "model-config", opts.modelConfigPath, "model config YAML path")
	flags.StringVar(&opts.modelDir, "model-dir", opts.modelDir, "model repository directory")
	flags.StringVar(&opts.engineName, "engine", opts.engineName, "compute engine: reference|bridge")
	flags.StringVar(&opts.bridgeCommand, "bridge-cmd", opts.bridgeCommand, "bridge runtime command (bridge engine)")
	flags.StringVar(&opts.artifactPath, "artifact-path", opts.artifactPath, "model artifact path (bridge engine)")
	flags.StringVar(&opts.logFormat, "log-format", opts.logFormat, "log format: json|console")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level: debug|info|warn|error")
	flags.StringVar(&opts.namespace, "metrics-namespace", opts.namespace, "Prometheus metric namespace")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	logger, err := buildLogger(opts.logFormat, opts.logLevel)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if opts.modelConfigPath == "" {
		return fmt.Errorf("--model-config is required")
	}
	cfg, err := model.LoadConfig(opts.modelConfigPath)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	reporter := metrics.NewReporter(opts.namespace, cfg.Name, registry)

	b := backend.New(reporter, logger)
	if err := b.Init(opts.modelDir, cfg, cfg.Platform); err != nil {
		return fmt.Errorf("backend init failed: %w", err)
	}

	engine, err := buildEngine(opts, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer func() {
		if closeErr := engine.Close(); closeErr != nil {
			logger.Warn("engine_close_error", zap.Error(closeErr))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := b.BindEngine(ctx, engine); err != nil {
		cancel()
		return fmt.Errorf("failed to bind engine: %w", err)
	}
	cancel()
	defer func() {
		if sched := b.Scheduler(); sched != nil {
			sched.Stop()
		}
	}()

	httpServer := &http.Server{
		Addr: opts.addr,
		Handler: server.New(b, registry, server.Config{
			ServerName:    "keel",
			ServerVersion: version,
			Logger:        logger,
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(
			"server_start",
			zap.String("addr", opts.addr),
			zap.String("model", cfg.Name),
			zap.String("engine", engine.Name()),
			zap.Int("instance_count", cfg.InstanceCount),
			zap.Int("max_batch_size", cfg.MaxBatchSize),
			zap.Duration("max_queue_delay", cfg.MaxQueueDelay.Std()),
		)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
			return
		}
		errCh <- nil
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-signals:
		logger.Info("shutdown_signal", zap.String("signal", sig.String()))
	case serveErr := <-errCh:
		if serveErr != nil {
			return fmt.Errorf("http serve failed: %w", serveErr)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http_shutdown_error", zap.Error(shutdownErr))
	}
	return nil
}

func buildEngine(opts options, cfg *model.Config, logger *zap.Logger) (compute.Engine, error) {
	switch opts.engineName {
	case "reference":
		return compute.NewReferenceEngine(cfg, logger), nil
	case "bridge":
		return compute.NewBridgeEngine(cfg, opts.bridgeCommand, opts.artifactPath, logger)
	default:
		return nil, fmt.Errorf("unsupported engine %q", opts.engineName)
	}
}

func buildLogger(format string, level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn", "warning":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unsupported log level %q", level)
	}

	var zapCfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json", "":
		zapCfg = zap.NewProductionConfig()
	case "console", "text":
		zapCfg = zap.NewDevelopmentConfig()
	case "discard":
		return zap.NewNop(), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return zapCfg.Build()
}

func envOr(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
