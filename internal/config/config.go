package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
)

type Config struct {
	Port          string   `mapstructure:"PORT" validate:"required,numeric"`
	Env           string   `mapstructure:"ENV" validate:"oneof=development test staging production"`
	StoreDriver   string   `mapstructure:"STORE_DRIVER" validate:"oneof=postgres sqlite"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	SQLitePath    string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT" validate:"required"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL" validate:"omitempty,url"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	// Document access sessions.
	AccessSessionTTL time.Duration `mapstructure:"ACCESS_SESSION_TTL" validate:"gt=0"`
	AuditWindowDays  int           `mapstructure:"AUDIT_WINDOW_DAYS" validate:"gte=1,lte=365"`

	// Real-time delivery.
	WSSendBuffer     int           `mapstructure:"WS_SEND_BUFFER" validate:"gte=1"`
	WSPingInterval   time.Duration `mapstructure:"WS_PING_INTERVAL" validate:"gt=0"`
	WSAllowedOrigins []string      `mapstructure:"WS_ALLOWED_ORIGINS"`
	WSMessageRate    float64       `mapstructure:"WS_MESSAGE_RATE" validate:"gt=0"`
	WSMessageBurst   int           `mapstructure:"WS_MESSAGE_BURST" validate:"gte=1"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST" validate:"gte=1"`

	KafkaBrokers     []string `mapstructure:"KAFKA_BROKERS"`
	KafkaEventsTopic string   `mapstructure:"KAFKA_EVENTS_TOPIC"`
	KafkaGroupID     string   `mapstructure:"KAFKA_GROUP_ID"`

	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

var keys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"ACCESS_SESSION_TTL", "AUDIT_WINDOW_DAYS",
	"WS_SEND_BUFFER", "WS_PING_INTERVAL", "WS_ALLOWED_ORIGINS", "WS_MESSAGE_RATE", "WS_MESSAGE_BURST",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"KAFKA_BROKERS", "KAFKA_EVENTS_TOPIC", "KAFKA_GROUP_ID",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("SQLITE_PATH", "medvault.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ACCESS_SESSION_TTL", "5m")
	v.SetDefault("AUDIT_WINDOW_DAYS", 30)
	v.SetDefault("WS_SEND_BUFFER", 64)
	v.SetDefault("WS_PING_INTERVAL", "30s")
	v.SetDefault("WS_MESSAGE_RATE", 10)
	v.SetDefault("WS_MESSAGE_BURST", 20)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("KAFKA_EVENTS_TOPIC", "medvault.events")
	v.SetDefault("KAFKA_GROUP_ID", "medvault-dispatcher")
	v.SetDefault("OTEL_SERVICE_NAME", "medvault-server")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.WSAllowedOrigins = splitList(cfg.WSAllowedOrigins, v.GetString("WS_ALLOWED_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// splitList normalises comma separated env values. Viper only splits
// slices it reads from a config file, not from the environment.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw = parsed[0]
		parsed = nil
	}
	if parsed == nil && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := parsed[:0]
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// KafkaEnabled reports whether the external event consumer should run.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaEventsTopic != ""
}

// Validate checks struct-level constraints and the rules that span fields:
// the selected store driver needs its connection setting, and outside
// development mode a JWT verification source must be configured.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q constraint (value %v)", fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreDriverSQLite)
		}
	}

	if !c.IsDev() && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
	}
	return nil
}
