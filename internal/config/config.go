package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration loaded from environment variables.
// Every field has a sensible default; only DATABASE_URL is required.
// A .env file in the working directory is loaded first when present.
type Config struct {
	// Server
	HTTPPort        string        `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// AdminToken guards /api/v1/admin when set.
	AdminToken string `env:"ADMIN_TOKEN"`

	// Database
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	DBMaxConns     int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns     int32  `env:"DB_MIN_CONNS" envDefault:"5"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`

	// Shared counter store
	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"5s"`
	// RateLimitKeyPrefix namespaces limiter counters when the Redis
	// instance is shared.
	RateLimitKeyPrefix string `env:"RATE_LIMIT_KEY_PREFIX" envDefault:"ratelimit:"`

	// Providers
	PushGatewayURL    string        `env:"PUSH_GATEWAY_URL" envDefault:"http://localhost:9090/push"`
	PushGatewayKey    string        `env:"PUSH_GATEWAY_KEY"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	PostmarkToken     string        `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccount   string        `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailSender       string        `env:"EMAIL_SENDER" envDefault:"notifications@example.com"`
	TwilioAccountSID  string        `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken   string        `env:"TWILIO_AUTH_TOKEN"`
	TwilioFromNumber  string        `env:"TWILIO_FROM_NUMBER"`
	WhatsAppFrom      string        `env:"TWILIO_WHATSAPP_NUMBER"`
	WhatsAppDailyCap  int           `env:"WHATSAPP_DAILY_LIMIT" envDefault:"1000"`
	DefaultCountryISD string        `env:"DEFAULT_COUNTRY_CODE" envDefault:"1"`

	// Worker pool
	Workers      int           `env:"WORKERS" envDefault:"10"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"500ms"`
	LeaseTimeout time.Duration `env:"QUEUE_LEASE_TIMEOUT" envDefault:"2m"`
	LaneWeights  []int         `env:"QUEUE_LANE_WEIGHTS" envSeparator:"," envDefault:"8,4,2,1"`

	// Outbound throttle: maximum provider calls per second per channel
	ChannelRateLimit int `env:"RATE_LIMIT_PER_CHANNEL" envDefault:"100"`

	// Shared rate limit on sends per user
	UserSendLimit  int           `env:"USER_SEND_LIMIT" envDefault:"60"`
	UserSendWindow time.Duration `env:"USER_SEND_WINDOW" envDefault:"1m"`
	APIRateLimit   int           `env:"API_RATE_LIMIT" envDefault:"300"`
	APIRateWindow  time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`

	// Local fallback limiter bounds
	FallbackMaxEntries    int           `env:"FALLBACK_MAX_ENTRIES" envDefault:"10000"`
	FallbackSweepInterval time.Duration `env:"FALLBACK_SWEEP_INTERVAL" envDefault:"1m"`

	// Retry policy per channel attempt
	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"5s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`

	// Background maintenance
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE" envDefault:"2m"`
	CleanupSchedule   string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 1h"`
	RetentionHours    int           `env:"QUEUE_RETENTION_HOURS" envDefault:"72"`

	// Health
	MaxQueueDepth int `env:"HEALTH_MAX_QUEUE_DEPTH" envDefault:"1000"`

	// Token blacklist default TTL for tokens without a readable expiry
	RevocationTTL time.Duration `env:"REVOCATION_DEFAULT_TTL" envDefault:"24h"`
}

func Load() (*Config, error) {
	// The .env file is optional.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.LaneWeights) != 4 {
		return nil, fmt.Errorf("QUEUE_LANE_WEIGHTS must have 4 entries, got %d", len(cfg.LaneWeights))
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if cfg.ChannelRateLimit < 1 {
		return nil, fmt.Errorf("RATE_LIMIT_PER_CHANNEL must be at least 1, got %d", cfg.ChannelRateLimit)
	}
	return &cfg, nil
}
