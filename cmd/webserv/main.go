package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"webserv/internal/interface/handler"
	"webserv/internal/interface/repository/cgi"
	"webserv/internal/interface/repository/config"
	"webserv/internal/interface/repository/logger"
	"webserv/internal/interface/repository/metrics"
	"webserv/internal/interface/repository/static"
	"webserv/internal/interface/repository/upload"
	"webserv/internal/interface/server"
	"webserv/internal/usecase"
)

const defaultConfigPath = "./configs/webserv.yaml"

type flags struct {
	configPath string
	logDir     string
	logLevel   string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "webserv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	f := parseFlags()

	// 設定の読み込み
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if f.logDir != "" {
		cfg.Log.Dir = f.logDir
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// テレメトリの初期化
	tel, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "webserv: telemetry shutdown: %v\n", err)
		}
	}()

	// ロガーの初期化
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	loggerRepo, err := logger.New(cfg.Log.Dir, cfg.Log.File, logger.DefaultRotationConfig(), logger.Options{
		Level:  level,
		Stderr: cfg.Log.Stderr,
		Sink:   tel.logSink,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer loggerRepo.Close()

	// メトリクスの初期化
	metricsCollector, err := metrics.New(cfg.Metrics.File, tel.meter)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	metricsUseCase := usecase.NewMetricsUseCase(metricsCollector, loggerRepo, usecase.MetricsConfig{
		SaveInterval: cfg.Metrics.SaveInterval,
	})

	// リポジトリとユースケースの作成
	uploads := upload.New(loggerRepo)
	serveUseCase := usecase.NewServeUseCase(
		static.New(uploads, loggerRepo),
		cgi.New(uploads, metricsCollector, loggerRepo, cgi.Config{Timeout: cfg.Limits.CGITimeout}),
		loggerRepo,
	)
	requestHandler := handler.NewRequestHandler(
		usecase.NewRouter(cfg.Servers),
		serveUseCase,
		metricsCollector,
		loggerRepo,
		cfg.Limits.MaxRequestsPerConnection,
	)

	srv, err := server.New(cfg, requestHandler, loggerRepo, metricsCollector)
	if err != nil {
		loggerRepo.Error("Failed to start server", err, nil)
		return err
	}

	if err := metricsUseCase.Start(); err != nil {
		return err
	}
	defer metricsUseCase.Stop()

	// メトリクスサーバーの設定
	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		metricsHandler := handler.NewMetricsHandler(metricsUseCase, loggerRepo)
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           otelhttp.NewHandler(metricsHandler.Routes(), "metrics"),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			loggerRepo.Info("Starting metrics server", map[string]interface{}{"addr": cfg.Metrics.Addr})
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				loggerRepo.Error("Metrics server error", err, nil)
			}
		}()
	}

	loggerRepo.Info("Starting web server", map[string]interface{}{
		"servers":     len(cfg.Servers),
		"max_clients": cfg.Limits.MaxClients,
	})
	runErr := srv.Run(ctx)
	if runErr != nil {
		loggerRepo.Error("Event loop failed", runErr, nil)
	} else {
		loggerRepo.Info("Shutdown signal received", nil)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			loggerRepo.Error("Error shutting down metrics server", err, nil)
		}
	}

	loggerRepo.Info("Shutdown complete", nil)
	return runErr
}

func parseFlags() *flags {
	f := &flags{}

	flag.StringVar(&f.configPath, "config", defaultConfigPath, "Path to the YAML configuration file")
	flag.StringVar(&f.logDir, "log-dir", "", "Override the log directory")
	flag.StringVar(&f.logLevel, "log-level", "", "Override the minimum log level (DEBUG, INFO, WARN, ERROR)")

	flag.Parse()

	return f
}
