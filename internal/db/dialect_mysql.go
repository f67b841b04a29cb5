package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"tabula-backend/internal/ident"
)

// MySQL server error numbers
const (
	mysqlDatabaseExists  = 1007
	mysqlUnknownDatabase = 1049
	mysqlTableExists     = 1050
	mysqlServerGone      = 2006
	mysqlServerLost      = 2013
)

type mysqlDialect struct{}

func (d *mysqlDialect) Type() DatabaseType { return DatabaseTypeMySQL }

func (d *mysqlDialect) DriverName() string { return "mysql" }

func (d *mysqlDialect) DSN(config ConnectionConfig) string { return buildMySQLDSN(config) }

// Quote wraps name in backticks; ident.Name never contains one.
func (d *mysqlDialect) Quote(name ident.Name) string {
	return "`" + string(name) + "`"
}

func (d *mysqlDialect) QuoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return quoteStringLiteral(s)
}

func (d *mysqlDialect) Placeholder(int) string { return "?" }

func (d *mysqlDialect) MaxParams() int { return 65535 }

func (d *mysqlDialect) SerialPrimaryKey(name ident.Name) string {
	return d.Quote(name) + " BIGINT AUTO_INCREMENT PRIMARY KEY"
}

func (d *mysqlDialect) ColumnType(spec TypeSpec) string {
	switch spec.Kind {
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", varcharSize(spec))
	case TypeInteger:
		return "INT"
	case TypeBigint:
		return "BIGINT"
	case TypeNumeric:
		return "DECIMAL(38,10)"
	case TypeFloat:
		return "DOUBLE"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "DATETIME"
	case TypeJSON:
		return "JSON"
	default:
		// TEXT cannot carry a UNIQUE index without a key length
		if spec.Unique {
			return "VARCHAR(255)"
		}
		return "TEXT"
	}
}

func (d *mysqlDialect) SupportsReturning() bool { return false }

func (d *mysqlDialect) InsertDefaults(table ident.Name) string {
	return "INSERT INTO " + d.Quote(table) + " () VALUES ()"
}

func (d *mysqlDialect) LimitOffset(limit, offset int) string {
	return limitOffset(limit, offset, "18446744073709551615")
}

func (d *mysqlDialect) AlterColumnType(table, column ident.Name, columnType string) (string, error) {
	return fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", d.Quote(table), d.Quote(column), columnType), nil
}

func (d *mysqlDialect) TenantConfig(base ConnectionConfig, name ident.Name) ConnectionConfig {
	cfg := base
	cfg.Database = string(name)
	return cfg
}

func (d *mysqlDialect) DatabaseExists(ctx context.Context, admin Querier, name ident.Name) (bool, error) {
	n, err := scalarInt(ctx, admin, "SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = ?", string(name))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *mysqlDialect) CreateDatabase(ctx context.Context, admin Querier, name ident.Name) error {
	_, err := admin.Execute(ctx, "CREATE DATABASE "+d.Quote(name))
	return err
}

func (d *mysqlDialect) ListDatabases(ctx context.Context, admin Querier) ([]string, error) {
	return catalogNames(ctx, admin, "SELECT schema_name FROM information_schema.schemata ORDER BY schema_name")
}

func (d *mysqlDialect) SystemDatabases() []string {
	return []string{"information_schema", "mysql", "performance_schema", "sys"}
}

func (d *mysqlDialect) TableExists(ctx context.Context, q Querier, table ident.Name) (bool, error) {
	n, err := scalarInt(ctx, q, `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_name = ?`, string(table))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *mysqlDialect) ListTables(ctx context.Context, q Querier) ([]string, error) {
	return catalogNames(ctx, q, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (d *mysqlDialect) Columns(ctx context.Context, q Querier, table ident.Name) ([]ColumnInfo, error) {
	rs, err := q.Query(ctx, `SELECT column_name, data_type, is_nullable, column_key = 'PRI'
		FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ?
		ORDER BY ordinal_position`, string(table))
	if err != nil {
		return nil, err
	}
	return columnsFromCatalog(rs), nil
}

func (d *mysqlDialect) IsAlreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDatabaseExists || myErr.Number == mysqlTableExists
	}
	return false
}

func (d *mysqlDialect) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if isConnectionError(err) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlUnknownDatabase, mysqlServerGone, mysqlServerLost:
			return true
		}
	}
	return false
}
