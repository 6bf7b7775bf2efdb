package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	// Empty NATSURL disables the JetStream audit publisher.
	NATSURL            string `env:"NATS_URL"`
	AuditSubjectPrefix string `env:"AUDIT_SUBJECT_PREFIX" envDefault:"audit"`

	QuoteAssets     []string `env:"QUOTE_ASSETS" envSeparator:"," envDefault:"USDT,USDC,BTC,ETH"`
	ConflictRetries int      `env:"CONFLICT_RETRIES" envDefault:"3"`

	// Zero disables the background ledger reconciler.
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`

	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.ConflictRetries < 1 {
		return nil, fmt.Errorf("config.Load: CONFLICT_RETRIES must be at least 1, got %d", cfg.ConflictRetries)
	}
	if cfg.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("config.Load: IDEMPOTENCY_TTL must be positive, got %s", cfg.IdempotencyTTL)
	}
	return &cfg, nil
}
