package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/config"
	"github.com/josh-kwaku/exchange-backoffice/internal/handler"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
	"github.com/josh-kwaku/exchange-backoffice/internal/service"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/order"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/withdrawal"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("backoffice-api", cfg.LogLevel, cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := repository.NewPostgresDB(ctx, cfg.DatabaseURL, repository.PoolConfig{
		MaxOpenConns:     cfg.DBMaxOpenConns,
		MaxIdleConns:     cfg.DBMaxIdleConns,
		ConnMaxLifetimeS: cfg.DBConnMaxLifetimeS,
		ConnMaxIdleTimeS: cfg.DBConnMaxIdleTimeS,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	checks := map[string]handler.Check{"database": db.PingContext}

	sinks := []audit.Sink{{Name: "postgres", Recorder: audit.NewPostgresRecorder(repository.NewAuditLogRepository(db))}}
	if cfg.NATSURL != "" {
		nc, js, err := audit.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			slog.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer nc.Drain()

		if err := audit.EnsureStream(ctx, js, cfg.AuditSubjectPrefix); err != nil {
			slog.Error("failed to ensure audit stream", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, audit.Sink{Name: "nats", Recorder: audit.NewNATSRecorder(js, cfg.AuditSubjectPrefix)})
		checks["nats"] = func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats status %s", s)
			}
			return nil
		}
	}
	recorder := audit.NewFanout(m, sinks...)

	txDB := repository.NewDB(db)
	balances := repository.NewBalanceRepository(db)
	ledger := repository.NewLedgerRepository(db)
	mutator := balance.NewMutator(balances, ledger, m)

	wallets := service.NewWalletService(balances, ledger, repository.NewUserRepository(db), mutator, txDB, recorder)
	orders := order.NewManager(repository.NewOrderRepository(db), mutator, txDB, recorder, m, cfg.QuoteAssets)
	withdrawals := withdrawal.NewLifecycle(repository.NewWithdrawalRepository(db), mutator, txDB, recorder, m)
	retrier := service.NewRetrier(cfg.ConflictRetries, m)

	if cfg.ReconcileInterval > 0 {
		reconciler := service.NewReconciler(balances, wallets, m, logger.With("component", "reconciler"), cfg.ReconcileInterval)
		go reconciler.Start(ctx)
	}

	idempotency := repository.NewIdempotencyRepository(db)
	go sweepIdempotency(ctx, idempotency, time.Hour)

	mux := routes(routeDeps{
		jwtSecret:      cfg.JWTSecret,
		idempotency:    idempotency,
		idempotencyTTL: cfg.IdempotencyTTL,
		metrics:        m,
		registry:       registry,
		health:         handler.NewHealthHandler(checks),
		wallets:        handler.NewWalletHandler(wallets),
		orders:         handler.NewOrderHandler(orders, retrier),
		withdrawals:    handler.NewWithdrawalHandler(withdrawals, retrier),
		admin:          handler.NewAdminBalanceHandler(wallets, retrier),
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func sweepIdempotency(ctx context.Context, repo *repository.IdempotencyRepository, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanExpired(ctx)
			if err != nil {
				slog.Error("idempotency sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("idempotency keys expired", "removed", n)
			}
		}
	}
}
