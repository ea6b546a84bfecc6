// Command pulsed runs the signal-driven automation core as a daemon:
// it loads configuration and rule bundles, wires the pipeline, runs the
// approval expiration sweep, and serves the HTTP boundary.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/attunehq/pulse/pkg/approval"
	"github.com/attunehq/pulse/pkg/audit"
	"github.com/attunehq/pulse/pkg/breaker"
	"github.com/attunehq/pulse/pkg/config"
	"github.com/attunehq/pulse/pkg/contracts"
	"github.com/attunehq/pulse/pkg/detector"
	"github.com/attunehq/pulse/pkg/dispatch"
	"github.com/attunehq/pulse/pkg/health"
	"github.com/attunehq/pulse/pkg/observability"
	"github.com/attunehq/pulse/pkg/pipeline"
	"github.com/attunehq/pulse/pkg/ratelimit"
	"github.com/attunehq/pulse/pkg/rules"
	"github.com/attunehq/pulse/pkg/signalstore"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config profile")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("pulsed exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	slog.SetLogLoggerLevel(parseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := observability.New(ctx, &observability.Config{
		ServiceName:    "pulse-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.MetricsEnabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() { _ = metrics.Shutdown(context.Background()) }()

	auditLog := audit.NewLog()
	auditLog.AddSink(audit.NewWriterSink(os.Stdout, os.Stderr))

	// Stores: SQLite when a database path is configured, memory otherwise.
	var (
		signals   signalstore.Store     = signalstore.NewMemoryStore()
		fires     rules.FireRecordStore = rules.NewMemoryFireRecordStore()
		snapshots health.SnapshotStore  = health.NewMemorySnapshotStore()
		requests  approval.RequestStore = approval.NewMemoryRequestStore()
	)
	if cfg.DatabasePath != "" {
		db, err := sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer func() { _ = db.Close() }()

		if signals, err = signalstore.NewSQLiteStore(db); err != nil {
			return fmt.Errorf("signal store: %w", err)
		}
		if fires, err = rules.NewSQLiteFireRecordStore(db); err != nil {
			return fmt.Errorf("fire record store: %w", err)
		}
		if snapshots, err = health.NewSQLiteSnapshotStore(db); err != nil {
			return fmt.Errorf("snapshot store: %w", err)
		}
		if requests, err = approval.NewSQLiteRequestStore(db); err != nil {
			return fmt.Errorf("request store: %w", err)
		}
		auditSink, err := audit.NewSQLiteSink(db)
		if err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
		auditLog.AddSink(auditSink)
	}

	var limiter ratelimit.LimiterStore = ratelimit.NewMemoryLimiterStore()
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}

	evaluator, err := rules.NewConditionEvaluator()
	if err != nil {
		return err
	}
	loader := rules.NewLoader(cfg.RuleBundleDir, evaluator)
	if err := loader.LoadAll(); err != nil {
		return err
	}

	calculator, err := health.NewCalculator(cfg.Weights, defaultScorers(), snapshots, cfg.MinWindowSignals)
	if err != nil {
		return err
	}

	breakers := breaker.NewRegistry(cfg.Breaker).
		OnTransition(func(providerID string, _, to contracts.BreakerState) {
			metrics.BreakerTransition(ctx, providerID, string(to))
		})
	registry := dispatch.NewRegistry()
	registerExecutors(registry)

	dispatcher := dispatch.New(registry, breakers, limiter, requests, auditLog).
		WithCallTimeout(cfg.CallTimeout).
		WithMetrics(metrics)
	for provider, policy := range cfg.ProviderLimits {
		dispatcher.SetProviderLimit(provider, policy)
	}

	gate := approval.NewGate(requests, dispatcher, auditLog).WithPendingTTL(cfg.PendingTTL)
	engine := rules.NewEngine(loader, evaluator, fires)

	core, err := pipeline.New(pipeline.Options{
		Signals:    signals,
		Detector:   detector.New(detector.DefaultRules()),
		Calculator: calculator,
		Snapshots:  snapshots,
		Engine:     engine,
		Gate:       gate,
		Breakers:   breakers,
		AuditLog:   auditLog,
		Metrics:    metrics,
		Lookback:   cfg.Lookback(),
	})
	if err != nil {
		return err
	}

	go core.RunExpirationSweep(ctx, cfg.SweepEvery)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newHandler(core, loader),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("pulsed listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// defaultScorers derives component scores from common payload fields.
// Production deployments substitute collaborator-supplied scorers.
func defaultScorers() health.Scorers {
	return health.Scorers{
		Usage:      health.AverageFieldScorer("usage_score", 50),
		Engagement: health.AverageFieldScorer("engagement_score", 50),
		Sentiment:  health.AverageFieldScorer("sentiment_score", 50),
	}
}

// registerExecutors binds the built-in generic webhook executor. Provider
// specific executors (email, chat, CRM) are registered by collaborating
// services.
func registerExecutors(registry *dispatch.Registry) {
	registry.Register("webhook", dispatch.NewWebhookExecutor(nil))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
