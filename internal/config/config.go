// Package config loads gateway runtime configuration from the environment,
// following the sethvargo/go-envconfig style used throughout the
// services/api UI API service.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every tunable named in configuration table, plus the
// connection settings needed to stand the service up.
type Config struct {
	Addr         string `env:"ADDR,default=:8080"`
	DBDSN        string `env:"DB_DSN,required"`
	NATSURL      string `env:"NATS_URL,default=nats://127.0.0.1:4222"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	ERPBaseURL string `env:"ERP_BASE_URL,required"`
	ERPAPIKey  string `env:"ERP_API_KEY,required"`
	ERPSecret  string `env:"ERP_API_SECRET,required"`

	// Forwarder (component D).
	SyncInterval time.Duration `env:"SYNC_INTERVAL,default=30s"`
	BatchSize    int           `env:"BATCH_SIZE,default=20"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS,default=3"`
	Retention    time.Duration `env:"RETENTION,default=720h"`

	// Upstream client (component C).
	MaxConcurrent     int           `env:"MAX_CONCURRENT,default=3"`
	Reservoir         int           `env:"RESERVOIR,default=100"`
	ReservoirRefresh  int           `env:"RESERVOIR_REFRESH,default=100"`
	ReservoirWindow   time.Duration `env:"RESERVOIR_WINDOW,default=60s"`
	MinSpacing        time.Duration `env:"MIN_SPACING,default=300ms"`
	UpstreamTimeout   time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	RetryCount        int           `env:"RETRY_COUNT,default=3"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
	UpstreamBatchSize int           `env:"UPSTREAM_BATCH_SIZE,default=10"`
	BatchDelay        time.Duration `env:"UPSTREAM_BATCH_DELAY,default=500ms"`

	// Session authority (component E).
	AccessTTL             time.Duration `env:"ACCESS_TTL,default=15m"`
	RefreshTTL            time.Duration `env:"REFRESH_TTL,default=168h"`
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS,default=5"`
	SigningSecret         string        `env:"SESSION_SIGNING_SECRET,required"`
	PreviousSigningSecret string        `env:"SESSION_PREVIOUS_SIGNING_SECRET"`
	KeyGraceDays          int           `env:"KEY_GRACE_DAYS,default=0"`

	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS,default=*"`

	AllowlistPath string `env:"ALLOWLIST_PATH"`
}

// Load returns a Config populated from environment variables, applying the
// defaults where a variable is unset.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// KeyGrace returns the configured key rotation grace window as a duration.
func (c Config) KeyGrace() time.Duration {
	if c.KeyGraceDays <= 0 {
		return 0
	}
	return time.Duration(c.KeyGraceDays) * 24 * time.Hour
}
