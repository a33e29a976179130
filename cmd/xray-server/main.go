package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hp-8/xray-sdk/internal/api"
	"github.com/hp-8/xray-sdk/internal/chread"
	"github.com/hp-8/xray-sdk/internal/ingest"
	"github.com/hp-8/xray-sdk/internal/metrics"
	"github.com/hp-8/xray-sdk/internal/sampling"
	"github.com/hp-8/xray-sdk/internal/storage"
	"github.com/hp-8/xray-sdk/internal/store"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Logger
	logger := mustBuildLogger(envOrDefault("XRAY_LOG_LEVEL", "info"))
	defer logger.Sync() //nolint:errcheck // best-effort flush

	// Config from env
	httpPort := envOrDefault("XRAY_HTTP_PORT", "8080")
	sampleCfg := sampling.Config{
		Threshold: envOrDefaultInt("XRAY_SAMPLE_THRESHOLD", 500),
		PerReason: envOrDefaultInt("XRAY_SAMPLE_PER_REASON", 50),
		HardCap:   envOrDefaultInt("XRAY_SAMPLE_HARD_CAP", 2000),
	}
	limits := ingest.Limits{
		MaxDecisionsPerStep: envOrDefaultInt("XRAY_MAX_DECISIONS_PER_STEP", 100_000),
		MaxEvidencePerStep:  envOrDefaultInt("XRAY_MAX_EVIDENCE_PER_STEP", 1000),
		MaxEvidenceSize:     envOrDefaultInt("XRAY_MAX_EVIDENCE_SIZE", 10*1024*1024),
		TruncateEvidence:    envOrDefault("XRAY_TRUNCATE_EVIDENCE", "false") == "true",
	}
	clickhouseDSN := os.Getenv("CLICKHOUSE_DSN")
	postgresDSN := os.Getenv("POSTGRES_DSN")
	cacheTTL := envOrDefaultInt("XRAY_AUTH_CACHE_TTL_S", 30)

	logger.Info("starting xray server",
		zap.String("http_port", httpPort),
		zap.Int("sample_threshold", sampleCfg.Threshold),
		zap.Int("sample_per_reason", sampleCfg.PerReason),
		zap.Int("sample_hard_cap", sampleCfg.HardCap),
	)

	// Decision mirror — ClickHouse or LogWriter fallback
	var mirror storage.DecisionWriter
	if clickhouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			mirror = storage.NewLogWriter(logger)
		} else {
			mirror = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		mirror = storage.NewLogWriter(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log writer")
	}
	defer mirror.Close()

	// Postgres pool (required)
	if postgresDSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}
	db, err := sql.Open("pgx", postgresDSN)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(context.Background()); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	pgStore := store.NewStore(db)
	logger.Info("postgres connected")

	// ClickHouse reader (for analytics HTTP endpoints)
	var chReader *chread.Reader
	if clickhouseDSN != "" {
		chReader, err = chread.NewReader(clickhouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse reader connection failed", zap.Error(err))
			chReader = nil
		} else {
			defer func() { _ = chReader.Close() }()
			logger.Info("clickhouse reader connected")
		}
	}

	m := metrics.New()
	coordinator := ingest.NewCoordinator(
		sampling.NewSampler(sampleCfg),
		limits,
		pgStore,
		mirror,
		m,
		logger,
	)

	deps := &api.Dependencies{
		Store:       pgStore,
		Coordinator: coordinator,
		Reader:      chReader,
		Metrics:     m,
		Logger:      logger,
		CacheTTL:    time.Duration(cacheTTL) * time.Second,
	}
	httpServer := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("xray server stopped")
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

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
