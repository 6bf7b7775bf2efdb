package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/josh-kwaku/exchange-backoffice/internal/handler"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
	"github.com/josh-kwaku/exchange-backoffice/internal/middleware"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
)

type routeDeps struct {
	jwtSecret      string
	idempotency    *repository.IdempotencyRepository
	idempotencyTTL time.Duration
	metrics        *metrics.Metrics
	registry       *prometheus.Registry
	health         *handler.HealthHandler
	wallets        *handler.WalletHandler
	orders         *handler.OrderHandler
	withdrawals    *handler.WithdrawalHandler
	admin          *handler.AdminBalanceHandler
}

func routes(d routeDeps) http.Handler {
	authed := middleware.Auth(d.jwtSecret)
	user := func(h http.HandlerFunc) http.Handler { return authed(h) }
	admin := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(h)) }
	once := middleware.Idempotency(d.idempotency, d.idempotencyTTL, d.metrics)
	userOnce := func(h http.HandlerFunc) http.Handler { return authed(once(h)) }
	adminOnce := func(h http.HandlerFunc) http.Handler { return authed(middleware.RequireAdmin(once(h))) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", d.health.Liveness)
	mux.HandleFunc("GET /ready", d.health.Readiness)
	mux.Handle("GET /metrics", metrics.Handler(d.registry))

	mux.Handle("POST /api/v1/wallets", user(d.wallets.Create))
	mux.Handle("GET /api/v1/wallets", user(d.wallets.List))
	mux.Handle("GET /api/v1/wallets/{asset}/ledger", user(d.wallets.Ledger))

	mux.Handle("POST /api/v1/orders", userOnce(d.orders.Place))
	mux.Handle("GET /api/v1/orders", user(d.orders.List))
	mux.Handle("GET /api/v1/orders/{id}", user(d.orders.Get))
	mux.Handle("POST /api/v1/orders/{id}/cancel", userOnce(d.orders.Cancel))

	mux.Handle("POST /api/v1/withdrawals", userOnce(d.withdrawals.Request))
	mux.Handle("GET /api/v1/withdrawals/{id}", user(d.withdrawals.Get))

	mux.Handle("GET /api/v1/admin/withdrawals", admin(d.withdrawals.List))
	mux.Handle("GET /api/v1/admin/withdrawals/{id}", admin(d.withdrawals.AdminGet))
	mux.Handle("POST /api/v1/admin/withdrawals/{id}/{action}", adminOnce(d.withdrawals.Transition))
	mux.Handle("POST /api/v1/admin/balances/adjust", adminOnce(d.admin.Adjust))
	mux.Handle("POST /api/v1/admin/balances/deposit", adminOnce(d.admin.Deposit))
	mux.Handle("GET /api/v1/admin/balances/{userID}/{asset}/verify", admin(d.admin.Verify))

	return middleware.Tracing(middleware.Logging(d.metrics)(middleware.Recovery(mux)))
}
