// Command execution-service runs the action execution pipeline: the C9
// orchestrator driven by HTTP-triggered Start calls, and the §6.2 status
// query API, wired over a shared durable store.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/actionexec/core/pkg/auth"
	"github.com/actionexec/core/pkg/config"
	"github.com/actionexec/core/pkg/eventlog"
	"github.com/actionexec/core/pkg/executionlock"
	"github.com/actionexec/core/pkg/identity"
	"github.com/actionexec/core/pkg/killswitch"
	"github.com/actionexec/core/pkg/kvstore"
	"github.com/actionexec/core/pkg/observability"
	"github.com/actionexec/core/pkg/orchestrator"
	"github.com/actionexec/core/pkg/outcome"
	"github.com/actionexec/core/pkg/registry"
	"github.com/actionexec/core/pkg/resilience"
	"github.com/actionexec/core/pkg/statusapi"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint: it never calls os.Exit itself, returning
// a process exit code instead.
func Run(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()

	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open durable store", "error", err)
		return 1
	}
	defer closeStore()

	srv, err := buildServer(ctx, cfg, store, logger)
	if err != nil {
		logger.Error("failed to build server", "error", err)
		return 1
	}
	defer srv.obsProvider.Shutdown(context.Background())

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("execution-service listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", "error", err)
			return 1
		}
		return 0
	}
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openStore opens the durable kvstore.Store backing C1/C2/C3/C6/C7.
// DATABASE_URL starting with "sqlite:" uses the pure-Go modernc.org/sqlite
// driver (local/dev, no external Postgres needed); anything else is
// treated as a Postgres DSN via lib/pq.
func openStore(cfg *config.Config) (*kvstore.PostgresStore, func(), error) {
	driver := "postgres"
	dsn := cfg.DatabaseURL
	if strings.HasPrefix(dsn, "sqlite:") {
		driver = "sqlite"
		dsn = strings.TrimPrefix(dsn, "sqlite:")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	store := kvstore.NewPostgresStore(db, "execution_items")
	if _, err := db.Exec(store.CreateTableSQL()); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("create table: %w", err)
	}
	return store, func() { db.Close() }, nil
}

type server struct {
	handler      http.Handler
	obsProvider  *observability.Provider
	orchestrator *orchestrator.Orchestrator
}

func buildServer(ctx context.Context, cfg *config.Config, store kvstore.Store, logger *slog.Logger) (*server, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.SampleRate = cfg.SLOSampleRate
	obsProvider, err := observability.New(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}

	reg := registry.NewPostgresRegistry(store)
	if cfg.RegistrySeedPath != "" {
		seed, err := config.LoadRegistrySeed(cfg.RegistrySeedPath)
		if err != nil {
			return nil, fmt.Errorf("load registry seed: %w", err)
		}
		for _, entry := range seed {
			if _, err := reg.Register(entry); err != nil {
				logger.Warn("registry seed entry not registered", "action_type", entry.ActionType, "error", err)
			}
		}
	}

	elog := eventlog.New(store, logger)
	lock := executionlock.New(store)
	outcomes := outcome.New(store)

	ks := killswitch.New(store)
	ks.SetEmergencyStop(cfg.EmergencyStop)

	breakerCfg := resilience.DefaultBreakerConfig()
	breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
	breakerCfg.Cooldown = cfg.BreakerOpenDuration
	breaker := resilience.NewBreaker(store, breakerCfg)
	limiter := buildLimiter(cfg)
	metrics, err := resilience.NewMetrics(obsProvider.Meter(), cfg.SLOSampleRate, logger)
	if err != nil {
		return nil, fmt.Errorf("resilience metrics: %w", err)
	}
	wrapper := resilience.NewWrapper(breaker, limiter, metrics)

	gateway := orchestrator.NewHTTPGateway(30 * time.Second)

	intents := orchestrator.NewMemoryIntentReader() // production: upstream proposal/approval store (§1, out of scope)

	orch := orchestrator.New(intents, reg, elog, lock, outcomes, ks, wrapper, gateway, cfg.OrchestrationTimeout, logger)
	timeline, slo := buildSecondaryObservability()
	orch.WithObservability(timeline, slo)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		return nil, fmt.Errorf("identity keyset: %w", err)
	}
	validator := auth.NewJWTValidator(keySet)
	authMiddleware := auth.NewMiddleware(validator)
	limiterStore := auth.NewInMemoryLimiterStore()
	rateLimit := auth.RateLimitMiddleware(limiterStore, auth.BackpressurePolicy{RPM: 600, Burst: 60})

	statusHandler := statusapi.New(outcomes, lock, intents, logger).WithObservability(timeline, slo)
	executionsHandler := newExecutionsHandler(orch, cfg.ToolGatewayURL, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readiness", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/startup", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/executions", executionsHandler)
	statusHandler.Routes(mux)

	cors := auth.CORSMiddleware(nil) // CORS_ORIGINS env var; empty allows all (dev mode)
	handler := auth.RequestIDMiddleware(cors(authMiddleware(rateLimit(mux))))

	return &server{handler: handler, obsProvider: obsProvider, orchestrator: orch}, nil
}

func buildLimiter(cfg *config.Config) resilience.ConcurrencyLimiter {
	if cfg.RedisURL == "" {
		return resilience.NewLocalConcurrencyLimiter(cfg.ConnectorConcurrency)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Warn("invalid REDIS_URL, falling back to in-process concurrency limiter", "error", err)
		return resilience.NewLocalConcurrencyLimiter(cfg.ConnectorConcurrency)
	}
	client := redis.NewClient(opts)
	return resilience.NewRedisConcurrencyLimiter(client, cfg.ConnectorConcurrency, float64(cfg.ConnectorConcurrency)/10.0)
}

// buildSecondaryObservability wires up the audit timeline and per-operation
// SLO tracker that ride alongside pkg/resilience/metrics.go's OTel RED
// metrics: the timeline gives an operator a queryable per-trace history,
// and the tracker turns the five C9 step names into burn-rate targets. An
// SLIRegistry backs the definitions so both are declared in one place.
func buildSecondaryObservability() (*observability.AuditTimeline, *observability.SLOTracker) {
	slis := observability.NewSLIRegistry()
	slo := observability.NewSLOTracker()

	targets := []struct {
		op          string
		latencyP99  time.Duration
		successRate float64
	}{
		{orchestrator.OpStart, 200 * time.Millisecond, 0.999},
		{orchestrator.OpValidatePreflight, 100 * time.Millisecond, 0.999},
		{orchestrator.OpMapActionToTool, 150 * time.Millisecond, 0.999},
		{orchestrator.OpInvokeTool, 5 * time.Second, 0.98},
		{orchestrator.OpRecordOutcome, 100 * time.Millisecond, 0.999},
	}
	for _, target := range targets {
		sloID := "slo." + target.op
		slo.SetTarget(&observability.SLOTarget{
			SLOID:       sloID,
			Name:        target.op + " SLO",
			Operation:   target.op,
			LatencyP99:  target.latencyP99,
			SuccessRate: target.successRate,
			WindowHours: 1,
		})
		_ = slis.Register(&observability.SLI{
			SLIID:             "sli." + target.op + ".latency",
			Name:              target.op + " latency",
			Operation:         target.op,
			EssentialVariable: target.op + ".latency",
			Source:            observability.SLISourceMetric,
			Unit:              "ms",
			LinkedSLOID:       sloID,
		})
	}

	return observability.NewAuditTimeline(), slo
}
