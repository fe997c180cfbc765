package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/admission"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/audit"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/auth"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/config"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/engine/checks"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/metrics"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/redact"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/sandbox"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/server"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/storage"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validate"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/workspace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	// Must run before anything else: a re-executed launcher never returns.
	sandbox.MaybeReexec()

	configPath := flag.String("config", os.Getenv("TOOL_SANDBOX_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool sandbox server",
		zap.String("port", cfg.Port),
		zap.String("sandbox_mode", cfg.Sandbox.Mode),
		zap.Int("max_concurrent", cfg.Admission.MaxConcurrent),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.RegisterMetrics()

	// Redaction rules
	rules := redact.DefaultRules()
	if cfg.Redaction.RulesFile != "" {
		rules, err = redact.LoadRulesFile(cfg.Redaction.RulesFile)
		if err != nil {
			logger.Fatal("failed to load redaction rules", zap.Error(err))
		}
	}
	redactor := redact.New(rules, redact.Options{
		Style:       redact.Style(cfg.Redaction.Style),
		Placeholder: cfg.Redaction.Placeholder,
	})

	// Audit sinks: the NDJSON file is the record, the rest are mirrors.
	fileWriter, err := storage.NewFileWriter(storage.FileWriterConfig{
		Path:       cfg.Audit.File,
		MaxBytes:   cfg.Audit.MaxBytes,
		MaxAge:     cfg.AuditMaxAge(),
		Retention:  cfg.AuditRetention(),
		MaxBackups: cfg.Audit.MaxBackups,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("failed to open audit file", zap.String("path", cfg.Audit.File), zap.Error(err))
	}
	var mirror storage.EventWriter
	if cfg.Audit.ClickHouseDSN != "" {
		chWriter, err := storage.NewClickHouseWriter(cfg.Audit.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, audit mirror disabled", zap.Error(err))
		} else {
			mirror = chWriter
			logger.Info("clickhouse audit mirror connected")
		}
	}
	var logSink storage.EventWriter
	if cfg.Audit.Log {
		logSink = storage.NewLogWriter(logger)
	}
	auditLog := audit.New(storage.NewMultiWriter(fileWriter, mirror, logSink), redactor.RulesVersion(), logger)
	defer func() {
		if err := auditLog.Close(); err != nil {
			logger.Error("audit close failed", zap.Error(err))
		}
	}()

	// Tool registry: Postgres when configured, otherwise the watched TOML file.
	reg := registry.New(logger)
	var db *sql.DB
	if cfg.Registry.PostgresDSN != "" || cfg.Auth.PostgresDSN != "" {
		dsn := cfg.Registry.PostgresDSN
		if dsn == "" {
			dsn = cfg.Auth.PostgresDSN
		}
		db = mustOpenPostgres(ctx, dsn, logger)
		defer func() { _ = db.Close() }()
	}

	var reloader func(context.Context) error
	if cfg.Registry.PostgresDSN != "" {
		src := registry.NewPostgresSource(registry.PostgresSourceConfig{DB: db, Logger: logger})
		if err := reg.Reload(ctx, src); err != nil {
			logger.Fatal("initial tool registry load failed", zap.Error(err))
		}
		reloader = func(ctx context.Context) error {
			reg.Poll(ctx, src, cfg.PollInterval())
			return nil
		}
		logger.Info("postgres tool registry connected")
	} else {
		src := registry.NewFileSource(cfg.Registry.File, logger)
		if err := reg.Reload(ctx, src); err != nil {
			logger.Fatal("initial tool registry load failed", zap.String("file", cfg.Registry.File), zap.Error(err))
		}
		reloader = registry.NewWatcher(reg, src, cfg.WatchDebounce(), logger).Run
		logger.Info("file tool registry loaded", zap.String("file", cfg.Registry.File))
	}

	// Auth: Postgres when configured, otherwise the static key table.
	var authenticator auth.Authenticator
	if cfg.Auth.PostgresDSN != "" {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL(),
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		keys := make(map[string]*auth.Principal, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			keys[k.Key] = &auth.Principal{ID: k.Principal, AllowedTools: k.AllowedTools}
		}
		authenticator = auth.NewStaticAuthenticator(keys)
		if len(keys) == 0 {
			logger.Warn("no auth keys configured, accepting any tsb_ key")
		}
	}

	// Pipeline
	if err := os.MkdirAll(cfg.Sandbox.ScratchRoot, 0o700); err != nil {
		logger.Fatal("failed to create scratch root", zap.String("path", cfg.Sandbox.ScratchRoot), zap.Error(err))
	}
	box, err := sandbox.NewSandbox(cfg.Sandbox.Mode, logger)
	if err != nil {
		logger.Fatal("failed to create process sandbox", zap.Error(err))
	}
	executor := sandbox.NewExecutor(sandbox.Config{
		Sandbox:        box,
		OutputLimit:    cfg.Sandbox.OutputLimitBytes,
		DefaultTimeout: cfg.DefaultTimeout(),
		KillGrace:      cfg.KillGrace(),
		ScratchRoot:    cfg.Sandbox.ScratchRoot,
		Logger:         logger,
	})
	validator, err := validate.New(cfg.Registry.FormatCacheSize)
	if err != nil {
		logger.Fatal("failed to create validator", zap.Error(err))
	}
	paths := workspace.New(logger)
	orch := engine.New(engine.Config{
		Registry:     reg,
		Checks:       checks.Default(validator, paths),
		CheckTimeout: cfg.CheckTimeout(),
		Admission: admission.New(admission.Config{
			MaxConcurrent: cfg.Admission.MaxConcurrent,
			AcquireWait:   cfg.AcquireWait(),
			ClassLimits:   cfg.Admission.ClassLimits,
		}),
		Paths:    paths,
		Runner:   executor,
		Redactor: redactor,
		Audit:    auditLog,
		Logger:   logger,
	})

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
	server.RegisterToolSandboxServiceServer(grpcServer, server.NewToolSandboxServer(orch, authenticator, server.ThrottleConfig{
		RequestsPerSecond: cfg.Throttle.RequestsPerSecond,
		Burst:             cfg.Throttle.Burst,
	}, logger))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Enable reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
	}

	// HTTP: liveness and Prometheus
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok running=%d tools=%d\n", orch.Running(), reg.Snapshot().Len())
	})
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("tool sandbox server listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return reloader(gctx) })
	g.Go(func() error {
		cleanupLoop(gctx, cfg, fileWriter, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("server exited with error", zap.Error(err))
	}
}

// cleanupLoop prunes stale scratch dirs and expired audit segments.
func cleanupLoop(ctx context.Context, cfg config.Config, auditFile *storage.FileWriter, logger *zap.Logger) {
	if cfg.CleanupInterval() <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			auditFile.Prune()
			n, err := sandbox.CleanupScratch(cfg.Sandbox.ScratchRoot, cfg.ScratchRetention(), now)
			if err != nil {
				logger.Warn("scratch cleanup incomplete", zap.Int("removed", n), zap.Error(err))
			} else if n > 0 {
				logger.Info("scratch cleanup", zap.Int("removed", n))
			}
		}
	}
}

func mustOpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) *sql.DB {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Fatal("failed to open postgres", zap.Error(err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
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
