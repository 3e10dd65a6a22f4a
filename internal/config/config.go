package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config carries every tunable the service reads from the environment.
// Defaults match the reference deployment; anything security-sensitive
// (DATABASE_URL) has no default and fails fast when absent.
type Config struct {
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
	Port      string `env:"PORT" envDefault:"8080" validate:"numeric"`
	SentryDSN string `env:"SENTRY_DSN"`

	DatabaseURL string `env:"DATABASE_URL" validate:"required"`
	CronSecret  string `env:"CRON_SECRET"`

	DB       DBConfig       `envPrefix:"DB_"`
	Security SecurityConfig `envPrefix:""`
}

type DBConfig struct {
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS" envDefault:"10" validate:"gt=0"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS" envDefault:"5" validate:"gt=0"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"30m" validate:"gt=0"`
	ConnMaxIdleTime time.Duration `env:"CONN_MAX_IDLE_TIME" envDefault:"10m" validate:"gt=0"`
}

type SecurityConfig struct {
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m" validate:"gt=0"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h" validate:"gt=0"`
	ResetTicketTTL  time.Duration `env:"RESET_TICKET_TTL" envDefault:"1h" validate:"gt=0"`
	VerifyTicketTTL time.Duration `env:"VERIFY_TICKET_TTL" envDefault:"24h" validate:"gt=0"`

	LoginMaxAttempts int           `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5" validate:"gt=0"`
	LoginLockWindow  time.Duration `env:"LOGIN_LOCK_WINDOW" envDefault:"15m" validate:"gt=0"`
	BcryptCost       int           `env:"BCRYPT_COST" envDefault:"12" validate:"gte=4,lte=31"`

	RefreshRetention      time.Duration `env:"AUTH_REFRESH_TOKEN_RETENTION" envDefault:"336h" validate:"gt=0"`
	LoginLogRetention     time.Duration `env:"AUTH_LOGIN_LOG_RETENTION" envDefault:"720h" validate:"gt=0"`
	CleanupBatchSize      int           `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500" validate:"gt=0"`
	RunMigrationsOnBoot   bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`
	PersistentRateLimiter bool          `env:"RATE_LIMIT_PERSISTENT" envDefault:"true"`
}

// Load reads the environment (optionally seeded from .env) into a validated
// Config.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
