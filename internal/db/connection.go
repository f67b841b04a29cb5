package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL pgx/v5 driver
	_ "github.com/lib/pq"              // PostgreSQL legacy, selected with Driver "postgres"
	_ "github.com/mattn/go-sqlite3"    // SQLite
)

// ConnectionConfig represents database connection configuration
type ConnectionConfig struct {
	DatabaseType DatabaseType

	// Driver overrides the database/sql driver name. PostgreSQL accepts
	// "pgx" (default) or "postgres".
	Driver string

	// Database-specific fields
	Host     string
	Port     int
	Database string
	Username string
	Password string
	SSLMode  string

	// File-based databases
	FilePath string
	DataDir  string

	// Pool configuration
	PoolSize       int
	MaxConnections int
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
}

// Database represents a database connection
type Database struct {
	db      *sql.DB
	config  ConnectionConfig
	dialect Dialect
}

// ConnectionBuilder provides a fluent interface for building connections
type ConnectionBuilder struct {
	config ConnectionConfig
}

// NewConnectionBuilder creates a new connection builder
func NewConnectionBuilder(dbType DatabaseType) *ConnectionBuilder {
	return &ConnectionBuilder{
		config: ConnectionConfig{
			DatabaseType:   dbType,
			PoolSize:       5,
			MaxConnections: 20,
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
			MaxLifetime:    time.Hour,
		},
	}
}

// Driver sets the database/sql driver name
func (cb *ConnectionBuilder) Driver(driver string) *ConnectionBuilder {
	cb.config.Driver = driver
	return cb
}

// Host sets the database host
func (cb *ConnectionBuilder) Host(host string) *ConnectionBuilder {
	cb.config.Host = host
	return cb
}

// Port sets the database port
func (cb *ConnectionBuilder) Port(port int) *ConnectionBuilder {
	cb.config.Port = port
	return cb
}

// Database sets the database name
func (cb *ConnectionBuilder) Database(database string) *ConnectionBuilder {
	cb.config.Database = database
	return cb
}

// Username sets the database username
func (cb *ConnectionBuilder) Username(username string) *ConnectionBuilder {
	cb.config.Username = username
	return cb
}

// Password sets the database password
func (cb *ConnectionBuilder) Password(password string) *ConnectionBuilder {
	cb.config.Password = password
	return cb
}

// SSLMode sets SSL mode
func (cb *ConnectionBuilder) SSLMode(sslMode string) *ConnectionBuilder {
	cb.config.SSLMode = sslMode
	return cb
}

// FilePath sets the file path for file-based databases
func (cb *ConnectionBuilder) FilePath(filePath string) *ConnectionBuilder {
	cb.config.FilePath = filePath
	return cb
}

// DataDir sets the directory holding one file per SQLite database
func (cb *ConnectionBuilder) DataDir(dir string) *ConnectionBuilder {
	cb.config.DataDir = dir
	return cb
}

// PoolSize sets the number of idle connections kept per pool
func (cb *ConnectionBuilder) PoolSize(size int) *ConnectionBuilder {
	cb.config.PoolSize = size
	return cb
}

// MaxConnections sets the maximum number of connections
func (cb *ConnectionBuilder) MaxConnections(max int) *ConnectionBuilder {
	cb.config.MaxConnections = max
	return cb
}

// Timeout sets the connection timeout
func (cb *ConnectionBuilder) Timeout(timeout time.Duration) *ConnectionBuilder {
	cb.config.ConnectTimeout = timeout
	return cb
}

// IdleTimeout sets how long an unused physical connection is kept open
func (cb *ConnectionBuilder) IdleTimeout(timeout time.Duration) *ConnectionBuilder {
	cb.config.IdleTimeout = timeout
	return cb
}

// Config returns the configuration built so far
func (cb *ConnectionBuilder) Config() ConnectionConfig {
	return cb.config
}

// Build creates and returns a database connection
func (cb *ConnectionBuilder) Build(ctx context.Context) (*Database, error) {
	return Connect(ctx, cb.config)
}

// Connect opens a pool for config and verifies it with a ping bounded by
// ConnectTimeout.
func Connect(ctx context.Context, config ConnectionConfig) (*Database, error) {
	dialect, err := DialectFor(config)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dialect.DSN(config))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %q: %w", config.Database, err)
	}

	maxOpen, maxIdle := config.MaxConnections, config.PoolSize
	if config.DatabaseType == DatabaseTypeSQLite {
		// one writer at a time
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(config.IdleTimeout)
	db.SetConnMaxLifetime(config.MaxLifetime)

	return &Database{
		db:      db,
		config:  config,
		dialect: dialect,
	}, nil
}

// buildPostgreSQLDSN builds PostgreSQL connection string
func buildPostgreSQLDSN(config ConnectionConfig) string {
	port := config.Port
	if port == 0 {
		port = 5432
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s", config.Host, port, config.Username)
	if config.Password != "" {
		dsn += fmt.Sprintf(" password='%s'", escapeDSNValue(config.Password))
	}
	if config.Database != "" {
		dsn += fmt.Sprintf(" dbname=%s", config.Database)
	}
	if config.SSLMode != "" {
		dsn += fmt.Sprintf(" sslmode=%s", config.SSLMode)
	} else {
		dsn += " sslmode=disable"
	}
	if config.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", int(config.ConnectTimeout.Seconds()+0.5))
	}
	return dsn
}

func escapeDSNValue(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// buildMySQLDSN builds MySQL connection string
func buildMySQLDSN(config ConnectionConfig) string {
	port := config.Port
	if port == 0 {
		port = 3306
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", config.Username, config.Password, config.Host, port, config.Database)
	dsn += "?parseTime=true&loc=Local"
	if config.ConnectTimeout > 0 {
		dsn += "&timeout=" + config.ConnectTimeout.String()
	}
	return dsn
}

// buildSQLiteDSN builds a go-sqlite3 DSN for the database file
func buildSQLiteDSN(config ConnectionConfig) string {
	return "file:" + config.FilePath + "?_busy_timeout=5000&_foreign_keys=on"
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.db.Close()
}

// GetDB returns the underlying *sql.DB instance
func (db *Database) GetDB() *sql.DB {
	return db.db
}

// GetConfig returns the connection configuration
func (db *Database) GetConfig() ConnectionConfig {
	return db.config
}

// Dialect returns the SQL dialect of the engine behind db
func (db *Database) Dialect() Dialect {
	return db.dialect
}

// Name returns the logical database name
func (db *Database) Name() string {
	return db.config.Database
}

// Ping tests the connection health
func (db *Database) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// Stats returns connection pool statistics
func (db *Database) Stats() sql.DBStats {
	return db.db.Stats()
}

// BeginTx starts a new transaction with the given options
func (db *Database) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Transaction, error) {
	tx, err := db.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		tx: tx,
		db: db,
	}, nil
}

// WithTransaction runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise.
func (db *Database) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
