package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"rgaa-audit-workers/internal/common/aws"
	"rgaa-audit-workers/internal/common/camunda"
	"rgaa-audit-workers/internal/common/config"
	"rgaa-audit-workers/internal/common/database"
	"rgaa-audit-workers/internal/common/lock"
	"rgaa-audit-workers/internal/common/logger"
	"rgaa-audit-workers/internal/common/observability"
	"rgaa-audit-workers/internal/store/eventsink"
	"rgaa-audit-workers/internal/store/postgres"
	"rgaa-audit-workers/internal/usage"

	cae "rgaa-audit-workers/internal/workers/usage/check-audit-entitlement"
	rau "rgaa-audit-workers/internal/workers/usage/record-audit-usage"
)

type registrable interface {
	Register() error
	Close()
	GetTaskType() string
}

func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log logger.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		if err = operation(); err == nil {
			return nil
		}
		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName), map[string]interface{}{
				"error":       err.Error(),
				"attempt":     i + 1,
				"maxRetries":  maxRetries,
				"nextRetryIn": delay.String(),
			})
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New("info", "console")
		boot.Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog).WithFields(map[string]interface{}{
		"app":     cfg.App.Name,
		"version": cfg.App.Version,
	})
	log.Info("Starting worker manager...", nil)

	ctx := context.Background()

	obs := observability.New(ctx, cfg.App.Name, cfg.Tracing, log)
	defer obs.Shutdown()

	zeebe, err := camunda.Connect(ctx, camunda.ConfigFromApp(cfg.Camunda))
	if err != nil {
		zapLog.Fatal("zeebe connection failed", zap.Error(err))
	}
	defer zeebe.Close()
	log.Info("Zeebe client connected successfully", nil)

	var db *sql.DB
	err = retryWithBackoff(func() error {
		var err error
		db, err = database.OpenPostgres(ctx, cfg.Database.Postgres)
		return err
	}, 15, 2*time.Second, log, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer db.Close()
	log.Info("PostgreSQL connected successfully", nil)

	ledgerOpts, closers, err := buildLedgerOptions(ctx, cfg, log)
	if err != nil {
		zapLog.Fatal("usage ledger dependencies failed", zap.Error(err))
	}
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	ledger := usage.NewLedger(postgres.NewUserStore(db), log, ledgerOpts...)

	checkHandler, err := cae.NewHandler(cae.HandlerOptions{
		AppConfig:     cfg,
		Camunda:       zeebe,
		Logger:        log,
		Observability: obs,
		Checker:       ledger,
	})
	if err != nil {
		zapLog.Fatal("failed to create entitlement handler", zap.Error(err))
	}

	recordHandler, err := rau.NewHandler(rau.HandlerOptions{
		AppConfig:     cfg,
		Camunda:       zeebe,
		Logger:        log,
		Observability: obs,
		Recorder:      ledger,
	})
	if err != nil {
		zapLog.Fatal("failed to create usage record handler", zap.Error(err))
	}

	handlers := []registrable{checkHandler, recordHandler}
	for _, h := range handlers {
		if err := h.Register(); err != nil {
			zapLog.Fatal("worker registration failed", zap.String("taskType", h.GetTaskType()), zap.Error(err))
		}
	}
	log.Info("Usage workers registered", map[string]interface{}{"count": len(handlers)})

	srv := newHealthServer(cfg.Server.Port, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		return zeebe.HealthCheck(ctx)
	})
	go func() {
		log.Info("Health/Metrics server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Health/Metrics server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutdown signal received, stopping workers...", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, h := range handlers {
		h.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Health server shutdown failed", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Worker manager stopped gracefully", nil)
}

// buildLedgerOptions connects the optional ledger collaborators: the lock backend, the
// usage event index and the persistence alert topic.
func buildLedgerOptions(ctx context.Context, cfg *config.Config, log logger.Logger) ([]usage.Option, []func(), error) {
	var opts []usage.Option
	var closers []func()

	switch cfg.Usage.LockBackend {
	case "redis":
		var rdb interface{ Close() error }
		var locker *lock.RedisLocker
		err := retryWithBackoff(func() error {
			client, err := database.OpenRedis(ctx, cfg.Database.Redis)
			if err != nil {
				return err
			}
			rdb = client
			locker = lock.NewRedisLocker(client, lock.RedisOptions{
				TTL:     config.GetDuration(cfg.Usage.LockTTL),
				MaxWait: config.GetDuration(cfg.Usage.LockWait),
			}, log)
			return nil
		}, 10, 2*time.Second, log, "Redis connection")
		if err != nil {
			return nil, closers, err
		}
		closers = append(closers, func() { rdb.Close() })
		opts = append(opts, usage.WithLocker(locker), usage.WithLockHold(lockHold(cfg.Usage.LockTTL)))
		log.Info("Usage lock backed by Redis", nil)
	default:
		opts = append(opts, usage.WithLocker(lock.NewKeyedMutex()))
		log.Warn("Usage lock is process-local, run a single replica", nil)
	}

	if cfg.Database.Elasticsearch.Enabled {
		es, err := database.OpenElasticsearch(ctx, cfg.Database.Elasticsearch)
		if err != nil {
			// Events are reporting only; accounting proceeds without them.
			log.Warn("Elasticsearch unavailable, usage events disabled", map[string]interface{}{"error": err.Error()})
		} else {
			opts = append(opts, usage.WithEventSink(eventsink.NewElasticsearch(es, cfg.Usage.EventIndex)))
		}
	}

	if cfg.Integrations.AWS.SNS.Enabled {
		alerter, err := aws.NewSNSAlerterFromRegion(ctx, cfg.Integrations.AWS.Region, cfg.Usage.AlertTopic)
		if err != nil {
			return nil, closers, err
		}
		opts = append(opts, usage.WithAlerter(alerter))
	}

	return opts, closers, nil
}

// lockHold keeps ledger work inside the lock TTL with a fifth of it spare.
func lockHold(ttlMillis int) time.Duration {
	ttl := config.GetDuration(ttlMillis)
	return ttl - ttl/5
}

func newHealthServer(port int, ready func(context.Context) error) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "healthy", "")
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := ready(ctx); err != nil {
			writeStatus(w, http.StatusServiceUnavailable, "not ready", err.Error())
			return
		}
		writeStatus(w, http.StatusOK, "ready", "")
	})
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func writeStatus(w http.ResponseWriter, code int, status, detail string) {
	body := map[string]string{
		"status": status,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if detail != "" {
		body["error"] = detail
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
