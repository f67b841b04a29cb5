package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattn/go-sqlite3"

	"tabula-backend/internal/ident"
)

const sqliteExt = ".db"

// sqliteDialect keeps one database file per logical database under dataDir.
type sqliteDialect struct {
	dataDir string
}

// ErrUnsupported is returned for operations an engine cannot perform.
var ErrUnsupported = errors.New("operation not supported by this database engine")

func (d *sqliteDialect) Type() DatabaseType { return DatabaseTypeSQLite }

func (d *sqliteDialect) DriverName() string { return "sqlite3" }

func (d *sqliteDialect) DSN(config ConnectionConfig) string { return buildSQLiteDSN(config) }

func (d *sqliteDialect) Quote(name ident.Name) string {
	return `"` + string(name) + `"`
}

func (d *sqliteDialect) QuoteLiteral(s string) string { return quoteStringLiteral(s) }

func (d *sqliteDialect) Placeholder(int) string { return "?" }

func (d *sqliteDialect) MaxParams() int { return 32766 }

func (d *sqliteDialect) SerialPrimaryKey(name ident.Name) string {
	return d.Quote(name) + " INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d *sqliteDialect) ColumnType(spec TypeSpec) string {
	switch spec.Kind {
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", varcharSize(spec))
	case TypeInteger, TypeBigint:
		return "INTEGER"
	case TypeNumeric:
		return "NUMERIC"
	case TypeFloat:
		return "REAL"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (d *sqliteDialect) SupportsReturning() bool { return true }

func (d *sqliteDialect) InsertDefaults(table ident.Name) string {
	return "INSERT INTO " + d.Quote(table) + " DEFAULT VALUES"
}

func (d *sqliteDialect) LimitOffset(limit, offset int) string {
	return limitOffset(limit, offset, "-1")
}

func (d *sqliteDialect) AlterColumnType(ident.Name, ident.Name, string) (string, error) {
	return "", fmt.Errorf("change column type: %w", ErrUnsupported)
}

func (d *sqliteDialect) path(name ident.Name) string {
	return filepath.Join(d.dataDir, string(name)+sqliteExt)
}

func (d *sqliteDialect) TenantConfig(base ConnectionConfig, name ident.Name) ConnectionConfig {
	cfg := base
	cfg.Database = string(name)
	cfg.FilePath = d.path(name)
	return cfg
}

// DatabaseExists checks for the database file; admin is unused.
func (d *sqliteDialect) DatabaseExists(_ context.Context, _ Querier, name ident.Name) (bool, error) {
	_, err := os.Stat(d.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// CreateDatabase creates the empty database file. A concurrent creator makes
// this fail with fs.ErrExist, which IsAlreadyExists recognises.
func (d *sqliteDialect) CreateDatabase(_ context.Context, _ Querier, name ident.Name) error {
	if err := os.MkdirAll(d.dataDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(d.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func (d *sqliteDialect) ListDatabases(context.Context, Querier) ([]string, error) {
	entries, err := os.ReadDir(d.dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), sqliteExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), sqliteExt)
		if _, err := ident.Parse(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (d *sqliteDialect) SystemDatabases() []string { return nil }

func (d *sqliteDialect) TableExists(ctx context.Context, q Querier, table ident.Name) (bool, error) {
	n, err := scalarInt(ctx, q, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", string(table))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *sqliteDialect) ListTables(ctx context.Context, q Querier) ([]string, error) {
	return catalogNames(ctx, q,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
}

func (d *sqliteDialect) Columns(ctx context.Context, q Querier, table ident.Name) ([]ColumnInfo, error) {
	// cid, name, type, notnull, dflt_value, pk
	rs, err := q.Query(ctx, "PRAGMA table_info("+d.Quote(table)+")")
	if err != nil {
		return nil, err
	}
	cols := make([]ColumnInfo, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		name, _ := row.Values[1].AsString()
		typ, _ := row.Values[2].AsString()
		notNull, _ := row.Values[3].AsInt64()
		pk, _ := row.Values[5].AsInt64()
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       typ,
			Nullable:   notNull == 0 && pk == 0,
			PrimaryKey: pk > 0,
		})
	}
	return cols, nil
}

func (d *sqliteDialect) IsAlreadyExists(err error) bool {
	if errors.Is(err, fs.ErrExist) {
		return true
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrError && strings.Contains(sqlErr.Error(), "already exists")
	}
	return false
}

func (d *sqliteDialect) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if isConnectionError(err) {
		return true
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrCantOpen, sqlite3.ErrCorrupt, sqlite3.ErrNotADB, sqlite3.ErrIoErr:
			return true
		}
	}
	return false
}
