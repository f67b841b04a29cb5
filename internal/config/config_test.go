package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula-backend/internal/db"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_ENGINE", "postgres")
	t.Setenv("DB_HOST", "localhost")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgresql", cfg.DBEngine)
	assert.Equal(t, "tabula", cfg.DirectoryDatabase)
	assert.Equal(t, 500, cfg.InsertBatchSize)
	assert.Equal(t, 10*time.Second, cfg.DBConnectTimeout)
	assert.Equal(t, 5*time.Minute, cfg.DBIdleTimeout)
	assert.True(t, cfg.LegacyKeyScan)
	assert.True(t, cfg.ListingShowsKeys)

	conn := cfg.ConnectionConfig()
	assert.Equal(t, db.DatabaseTypePostgreSQL, conn.DatabaseType)
	assert.Equal(t, "postgres", conn.Database)
	assert.Equal(t, "pgx", conn.Driver)
	assert.Equal(t, 10*time.Second, conn.ConnectTimeout)
}

func TestLoadEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DB_ENGINE", "SQLite")
	t.Setenv("DATA_DIR", dir)
	t.Setenv("INSERT_BATCH_SIZE", "50")
	t.Setenv("DB_IDLE_TIMEOUT", "90s")
	t.Setenv("LEGACY_KEY_SCAN", "false")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DBEngine)
	assert.Equal(t, 50, cfg.InsertBatchSize)
	assert.Equal(t, 90*time.Second, cfg.DBIdleTimeout)
	assert.False(t, cfg.LegacyKeyScan)
	assert.Equal(t, 2.5, cfg.RateLimitRPS)

	conn := cfg.ConnectionConfig()
	assert.Equal(t, dir, conn.DataDir)
	assert.False(t, cfg.ResolverConfig().LegacyScan)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tabula.yaml")
	require.NoError(t, os.WriteFile(path, []byte("db_engine: mysql\ndb_host: db.internal\nadmin_database: ops\nmax_page_size: 50\n"), 0o644))
	t.Setenv("MAX_PAGE_SIZE", "75")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.DBEngine)
	assert.Equal(t, "db.internal", cfg.DBHost)
	assert.Equal(t, 75, cfg.MaxPageSize)
	assert.Equal(t, "ops", cfg.ConnectionConfig().Database)
	assert.Equal(t, []string{"ops"}, cfg.ResolverConfig().Exclude)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DBEngine:          "sqlite",
		DataDir:           "/tmp",
		DirectoryDatabase: "tabula",
		InsertBatchSize:   1,
		MaxPageSize:       1,
		MaxUploadBytes:    1,
	}
	require.NoError(t, valid.Validate())

	for name, mutate := range map[string]func(*Config){
		"engine":     func(c *Config) { c.DBEngine = "oracle" },
		"host":       func(c *Config) { c.DBEngine = "mysql"; c.DBHost = "" },
		"directory":  func(c *Config) { c.DirectoryDatabase = "1dir" },
		"batch size": func(c *Config) { c.InsertBatchSize = 0 },
		"page size":  func(c *Config) { c.MaxPageSize = -1 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
