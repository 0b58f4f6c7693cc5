package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Geo        GeoConfig
	Ledger     LedgerConfig
	Cookie     CookieConfig
}

type AppConfig struct {
	Port string
	Env  string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type RedisConfig struct {
	Host string
	Port string
}

// ClickHouseConfig configures the raw event archive. Empty Host disables it.
type ClickHouseConfig struct {
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

func (c ClickHouseConfig) Enabled() bool {
	return c.Host != ""
}

type AuthConfig struct {
	APIKeys map[string]string // API key -> name/description
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

type GeoConfig struct {
	ProviderURL       string
	Timeout           time.Duration
	RequestsPerMinute int
	CacheTTL          time.Duration
}

type LedgerConfig struct {
	Retention       time.Duration
	CleanupInterval time.Duration
	DedupCacheTTL   time.Duration
}

type CookieConfig struct {
	Secure bool
	Domain string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	setDefaults()

	var cfg Config
	cfg.App.Port = viper.GetString("APP_PORT")
	cfg.App.Env = viper.GetString("APP_ENV")

	cfg.DB.Host = viper.GetString("DB_HOST")
	cfg.DB.Port = viper.GetString("DB_PORT")
	cfg.DB.User = viper.GetString("DB_USER")
	cfg.DB.Password = viper.GetString("DB_PASSWORD")
	cfg.DB.Name = viper.GetString("DB_NAME")

	cfg.Redis.Host = viper.GetString("REDIS_HOST")
	cfg.Redis.Port = viper.GetString("REDIS_PORT")

	cfg.ClickHouse.Host = viper.GetString("CLICKHOUSE_HOST")
	cfg.ClickHouse.Port = viper.GetString("CLICKHOUSE_PORT")
	cfg.ClickHouse.Database = viper.GetString("CLICKHOUSE_DB")
	cfg.ClickHouse.User = viper.GetString("CLICKHOUSE_USER")
	cfg.ClickHouse.Password = viper.GetString("CLICKHOUSE_PASSWORD")

	// Auth config - parse API keys from comma-separated string
	// Format: key1:name1,key2:name2
	cfg.Auth.APIKeys = parseAPIKeys(viper.GetString("API_KEYS"))

	cfg.RateLimit.RequestsPerSecond = viper.GetFloat64("RATE_LIMIT_RPS")
	cfg.RateLimit.BurstSize = viper.GetInt("RATE_LIMIT_BURST")

	cfg.Geo.ProviderURL = viper.GetString("GEO_PROVIDER_URL")
	cfg.Geo.Timeout = viper.GetDuration("GEO_TIMEOUT")
	cfg.Geo.RequestsPerMinute = viper.GetInt("GEO_RPM")
	cfg.Geo.CacheTTL = viper.GetDuration("GEO_CACHE_TTL")

	cfg.Ledger.Retention = viper.GetDuration("LEDGER_RETENTION")
	cfg.Ledger.CleanupInterval = viper.GetDuration("LEDGER_CLEANUP_INTERVAL")
	cfg.Ledger.DedupCacheTTL = viper.GetDuration("DEDUP_CACHE_TTL")

	cfg.Cookie.Secure = viper.GetBool("COOKIE_SECURE")
	cfg.Cookie.Domain = viper.GetString("COOKIE_DOMAIN")

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("APP_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("CLICKHOUSE_PORT", "9000")
	viper.SetDefault("CLICKHOUSE_DB", "default")
	viper.SetDefault("RATE_LIMIT_RPS", 10)
	viper.SetDefault("RATE_LIMIT_BURST", 20)
	viper.SetDefault("GEO_PROVIDER_URL", "http://ip-api.com/json")
	viper.SetDefault("GEO_TIMEOUT", 1500*time.Millisecond)
	viper.SetDefault("GEO_RPM", 45)
	viper.SetDefault("GEO_CACHE_TTL", 24*time.Hour)
	viper.SetDefault("LEDGER_RETENTION", 48*time.Hour)
	viper.SetDefault("LEDGER_CLEANUP_INTERVAL", time.Hour)
	viper.SetDefault("DEDUP_CACHE_TTL", 10*time.Minute)
}

func (c *Config) validate() error {
	if c.Ledger.Retention < 24*time.Hour {
		return fmt.Errorf("LEDGER_RETENTION must be at least 24h, got %s", c.Ledger.Retention)
	}
	if c.Geo.Timeout <= 0 {
		return fmt.Errorf("GEO_TIMEOUT must be positive, got %s", c.Geo.Timeout)
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate limit must be positive (rps=%v, burst=%d)", c.RateLimit.RequestsPerSecond, c.RateLimit.BurstSize)
	}
	return nil
}

// parseAPIKeys parses comma-separated API keys in format "key1:name1,key2:name2"
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	if raw == "" {
		return keys
	}

	pairs := strings.Split(raw, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 {
			keys[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}

	return keys
}
