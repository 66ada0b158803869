// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

const (
	defaultJWTSecret     = "your-secret-key-change-in-production"
	defaultOwnerPassword = "change-me-owner"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Port           string `mapstructure:"PORT"`
	Env            string `mapstructure:"APP_ENV"`
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	DataFile          string        `mapstructure:"DATA_FILE"`
	SnapshotBackend   string        `mapstructure:"SNAPSHOT_BACKEND"`
	SnapshotInterval  time.Duration `mapstructure:"SNAPSHOT_INTERVAL"`
	SnapshotFormat    string        `mapstructure:"SNAPSHOT_FORMAT"`
	SnapshotCompress  bool          `mapstructure:"SNAPSHOT_COMPRESS"`
	SnapshotRedisKey  string        `mapstructure:"SNAPSHOT_REDIS_KEY"`
	HistoryCap        int           `mapstructure:"HISTORY_CAP"`
	PrivateHistoryCap int           `mapstructure:"PRIVATE_HISTORY_CAP"`
	SupportInboxCap   int           `mapstructure:"SUPPORT_INBOX_CAP"`
	NameChangeLimit   int           `mapstructure:"DISPLAY_NAME_CHANGES"`
	MessageMaxLen     int           `mapstructure:"MESSAGE_MAX_LEN"`

	PresenceTimeout     time.Duration `mapstructure:"PRESENCE_TIMEOUT"`
	PresenceSweep       time.Duration `mapstructure:"PRESENCE_SWEEP"`
	InactivityThreshold time.Duration `mapstructure:"INACTIVITY_THRESHOLD"`
	JanitorCron         string        `mapstructure:"JANITOR_CRON"`

	OwnerUsername    string `mapstructure:"OWNER_USERNAME"`
	OwnerPassword    string `mapstructure:"OWNER_PASSWORD"`
	OwnerDisplayName string `mapstructure:"OWNER_DISPLAY_NAME"`
	BcryptCost       int    `mapstructure:"BCRYPT_COST"`

	RedisURL   string `mapstructure:"REDIS_URL"`
	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	ResumeTokenTTL time.Duration `mapstructure:"RESUME_TOKEN_TTL"`

	WSRatePerSec   float64 `mapstructure:"WS_RATE_PER_SEC"`
	WSRateBurst    int     `mapstructure:"WS_RATE_BURST"`
	HTTPRatePerMin int     `mapstructure:"HTTP_RATE_PER_MIN"`

	TracingEnabled     bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter    string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint       string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSampleRatio float64 `mapstructure:"TRACING_SAMPLE_RATIO"`
}

func setDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")

	viper.SetDefault("DATA_FILE", "data/coldroom.snapshot")
	viper.SetDefault("SNAPSHOT_BACKEND", "file")
	viper.SetDefault("SNAPSHOT_INTERVAL", "30s")
	viper.SetDefault("SNAPSHOT_FORMAT", "json")
	viper.SetDefault("SNAPSHOT_COMPRESS", false)
	viper.SetDefault("SNAPSHOT_REDIS_KEY", "coldroom:snapshot")
	viper.SetDefault("HISTORY_CAP", 50)
	viper.SetDefault("PRIVATE_HISTORY_CAP", 50)
	viper.SetDefault("SUPPORT_INBOX_CAP", 200)
	viper.SetDefault("DISPLAY_NAME_CHANGES", 2)
	viper.SetDefault("MESSAGE_MAX_LEN", 1000)

	viper.SetDefault("PRESENCE_TIMEOUT", "5m")
	viper.SetDefault("PRESENCE_SWEEP", "1m")
	viper.SetDefault("INACTIVITY_THRESHOLD", "240h")
	viper.SetDefault("JANITOR_CRON", "0 3 * * *")

	viper.SetDefault("OWNER_USERNAME", "owner")
	viper.SetDefault("OWNER_PASSWORD", defaultOwnerPassword)
	viper.SetDefault("OWNER_DISPLAY_NAME", "Owner")
	viper.SetDefault("BCRYPT_COST", 10)

	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "coldroom")
	viper.SetDefault("DB_SSLMODE", "disable")

	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("RESUME_TOKEN_TTL", "24h")

	viper.SetDefault("WS_RATE_PER_SEC", 10)
	viper.SetDefault("WS_RATE_BURST", 20)
	viper.SetDefault("HTTP_RATE_PER_MIN", 120)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLE_RATIO", 1.0)
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// IsProduction reports whether the production profile is active.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.OwnerUsername == "" || c.OwnerPassword == "" || c.OwnerDisplayName == "" {
		return errors.New("OWNER_USERNAME, OWNER_PASSWORD and OWNER_DISPLAY_NAME are required")
	}

	switch c.SnapshotBackend {
	case "file":
		if c.DataFile == "" {
			return errors.New("DATA_FILE is required for the file snapshot backend")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis snapshot backend")
		}
	case "sqlite":
		if c.DataFile == "" {
			return errors.New("DATA_FILE is required for the sqlite snapshot backend")
		}
	case "postgres":
	default:
		return fmt.Errorf("unknown SNAPSHOT_BACKEND %q", c.SnapshotBackend)
	}
	if c.SnapshotFormat != "json" && c.SnapshotFormat != "cbor" {
		return fmt.Errorf("unknown SNAPSHOT_FORMAT %q", c.SnapshotFormat)
	}
	if c.SnapshotInterval <= 0 {
		return errors.New("SNAPSHOT_INTERVAL must be positive")
	}

	if c.HistoryCap <= 0 || c.PrivateHistoryCap <= 0 || c.SupportInboxCap <= 0 {
		return errors.New("history caps must be positive")
	}
	if c.NameChangeLimit < 0 {
		return errors.New("DISPLAY_NAME_CHANGES cannot be negative")
	}
	if c.MessageMaxLen <= 0 {
		return errors.New("MESSAGE_MAX_LEN must be positive")
	}
	if c.PresenceTimeout <= 0 || c.PresenceSweep <= 0 {
		return errors.New("PRESENCE_TIMEOUT and PRESENCE_SWEEP must be positive")
	}
	if c.InactivityThreshold <= 0 {
		return errors.New("INACTIVITY_THRESHOLD must be positive")
	}
	if !gronx.IsValid(c.JanitorCron) {
		return fmt.Errorf("invalid JANITOR_CRON expression %q", c.JanitorCron)
	}
	if c.WSRatePerSec <= 0 || c.WSRateBurst <= 0 {
		return errors.New("WS_RATE_PER_SEC and WS_RATE_BURST must be positive")
	}

	// Strict checks for production
	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.OwnerPassword == defaultOwnerPassword {
			return errors.New("OWNER_PASSWORD must be changed from the default value in production")
		}
		if c.SnapshotBackend == "postgres" && (c.DBSSLMode == "disable" || c.DBSSLMode == "") {
			log.Println("WARNING: DB_SSLMODE is 'disable' in production. It is highly recommended to use SSL for database connections.")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}

// Origins splits ALLOWED_ORIGINS into a trimmed list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
