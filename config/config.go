package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the memgraph service.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Databases DatabasesConfig `mapstructure:"databases"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Export    ExportConfig    `mapstructure:"export"`
	Session   SessionConfig   `mapstructure:"session"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Sanitizer SanitizerConfig `mapstructure:"sanitizer"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a Postgres connection string, preferring the explicit URL.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (databases.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig controls how request identities are built and resolved.
type AuthConfig struct {
	// DevMode grants the trusted local bypass identity to unauthenticated
	// requests. Never enable outside local development.
	DevMode bool `mapstructure:"dev_mode"`
	// LegacyAPIKeyPassthrough resolves API keys with an empty scope list to
	// full access instead of rejecting them. Escape hatch for keys issued
	// before scopes existed; every use is logged.
	LegacyAPIKeyPassthrough bool          `mapstructure:"legacy_api_key_passthrough"`
	TokenTTL                time.Duration `mapstructure:"token_ttl"`
}

type ExportConfig struct {
	DefaultLimit int           `mapstructure:"default_limit"`
	MaxLimit     int           `mapstructure:"max_limit"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type SessionConfig struct {
	DefaultMaxTokens    int `mapstructure:"default_max_tokens"`
	RecentWindowDays    int `mapstructure:"recent_window_days"`
	MaxWarmObservations int `mapstructure:"max_warm_observations"`
	MaxRecentDecisions  int `mapstructure:"max_recent_decisions"`
}

type SweepConfig struct {
	Cron        string        `mapstructure:"cron"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

type VectorConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SanitizerConfig struct {
	MaxContentBytes int `mapstructure:"max_content_bytes"`
}

// Load reads configuration from file and environment (MEMGRAPH_*).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("export.default_limit", 200)
	v.SetDefault("export.max_limit", 1000)
	v.SetDefault("export.cache_ttl", 30*time.Second)
	v.SetDefault("session.default_max_tokens", 4000)
	v.SetDefault("session.recent_window_days", 14)
	v.SetDefault("session.max_warm_observations", 20)
	v.SetDefault("session.max_recent_decisions", 5)
	v.SetDefault("sweep.cron", "*/5 * * * *")
	v.SetDefault("sweep.batch_size", 25)
	v.SetDefault("sweep.max_attempts", 25)
	v.SetDefault("sweep.lock_ttl", 2*time.Minute)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("vector.timeout", 5*time.Second)
	v.SetDefault("sanitizer.max_content_bytes", 64*1024)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("MEMGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env and defaults are enough to boot.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
