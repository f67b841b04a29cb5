// Package config loads service settings from the environment, an optional
// .env file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
	"tabula-backend/internal/keys"
)

// Config holds every runtime setting. Field tags are the lower-cased
// environment variable names.
type Config struct {
	Port    string `mapstructure:"port"`
	GinMode string `mapstructure:"gin_mode"`

	DBEngine          string        `mapstructure:"db_engine"`
	DBHost            string        `mapstructure:"db_host"`
	DBPort            int           `mapstructure:"db_port"`
	DBUser            string        `mapstructure:"db_user"`
	DBPassword        string        `mapstructure:"db_password"`
	DBSSLMode         string        `mapstructure:"db_sslmode"`
	PGDriver          string        `mapstructure:"pg_driver"`
	AdminDatabase     string        `mapstructure:"admin_database"`
	DirectoryDatabase string        `mapstructure:"directory_database"`
	DataDir           string        `mapstructure:"data_dir"`
	DBMaxConns        int           `mapstructure:"db_max_conns"`
	DBIdleConns       int           `mapstructure:"db_idle_conns"`
	DBConnectTimeout  time.Duration `mapstructure:"db_connect_timeout"`
	DBIdleTimeout     time.Duration `mapstructure:"db_idle_timeout"`

	InsertBatchSize int    `mapstructure:"insert_batch_size"`
	UploadDir       string `mapstructure:"upload_dir"`
	MaxUploadBytes  int64  `mapstructure:"max_upload_bytes"`

	LegacyKeyScan   bool `mapstructure:"legacy_key_scan"`
	LegacyScanLimit int  `mapstructure:"legacy_scan_limit"`
	KeyCacheSize    int  `mapstructure:"key_cache_size"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	MaxPageSize    int     `mapstructure:"max_page_size"`

	AdminUsername     string `mapstructure:"admin_username"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
	ListingShowsKeys  bool   `mapstructure:"listing_shows_keys"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("gin_mode", "debug")

	v.SetDefault("db_engine", string(db.DatabaseTypePostgreSQL))
	v.SetDefault("db_host", "localhost")
	v.SetDefault("db_port", 0)
	v.SetDefault("db_user", "postgres")
	v.SetDefault("db_password", "")
	v.SetDefault("db_sslmode", "disable")
	v.SetDefault("pg_driver", "pgx")
	v.SetDefault("admin_database", "")
	v.SetDefault("directory_database", "tabula")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_idle_conns", 2)
	v.SetDefault("db_connect_timeout", "10s")
	v.SetDefault("db_idle_timeout", "5m")

	v.SetDefault("insert_batch_size", 500)
	v.SetDefault("upload_dir", "")
	v.SetDefault("max_upload_bytes", 100<<20)

	v.SetDefault("legacy_key_scan", true)
	v.SetDefault("legacy_scan_limit", 256)
	v.SetDefault("key_cache_size", 1024)

	v.SetDefault("rate_limit_rps", 20.0)
	v.SetDefault("rate_limit_burst", 40)
	v.SetDefault("max_page_size", 1000)

	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_password_hash", "")
	v.SetDefault("listing_shows_keys", true)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads .env (if present), then file (if not empty), then the
// environment. Later sources win.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.DBEngine = strings.ToLower(strings.TrimSpace(cfg.DBEngine))
	if cfg.DBEngine == "postgres" {
		cfg.DBEngine = string(db.DatabaseTypePostgreSQL)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	switch db.DatabaseType(c.DBEngine) {
	case db.DatabaseTypePostgreSQL, db.DatabaseTypeMySQL:
		if c.DBHost == "" {
			return fmt.Errorf("DB_HOST is required for %s", c.DBEngine)
		}
	case db.DatabaseTypeSQLite:
		if c.DataDir == "" {
			return errors.New("DATA_DIR is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported DB_ENGINE %q", c.DBEngine)
	}
	if _, err := ident.ParseKind("database", c.DirectoryDatabase); err != nil {
		return fmt.Errorf("DIRECTORY_DATABASE: %w", err)
	}
	if c.InsertBatchSize <= 0 {
		return errors.New("INSERT_BATCH_SIZE must be positive")
	}
	if c.MaxPageSize <= 0 {
		return errors.New("MAX_PAGE_SIZE must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}

// Release reports whether gin runs in release mode.
func (c *Config) Release() bool {
	return c.GinMode == "release"
}

// ConnectionConfig is the base connection used for administrative statements.
// Tenant pools derive from it.
func (c *Config) ConnectionConfig() db.ConnectionConfig {
	cfg := db.NewConnectionBuilder(db.DatabaseType(c.DBEngine)).
		Host(c.DBHost).
		Port(c.DBPort).
		Username(c.DBUser).
		Password(c.DBPassword).
		SSLMode(c.DBSSLMode).
		DataDir(c.DataDir).
		PoolSize(c.DBIdleConns).
		MaxConnections(c.DBMaxConns).
		Timeout(c.DBConnectTimeout).
		IdleTimeout(c.DBIdleTimeout).
		Config()

	switch cfg.DatabaseType {
	case db.DatabaseTypePostgreSQL:
		cfg.Driver = c.PGDriver
		cfg.Database = c.AdminDatabase
		if cfg.Database == "" {
			cfg.Database = "postgres"
		}
	case db.DatabaseTypeMySQL:
		cfg.Database = c.AdminDatabase
	}
	return cfg
}

// ResolverConfig returns the key resolver settings.
func (c *Config) ResolverConfig() keys.ResolverConfig {
	var exclude []string
	if c.AdminDatabase != "" {
		exclude = append(exclude, c.AdminDatabase)
	}
	return keys.ResolverConfig{
		CacheSize:  c.KeyCacheSize,
		LegacyScan: c.LegacyKeyScan,
		ScanLimit:  c.LegacyScanLimit,
		Exclude:    exclude,
	}
}
