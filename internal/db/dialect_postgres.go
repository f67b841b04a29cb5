package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"tabula-backend/internal/ident"
)

// PostgreSQL SQLSTATE codes
const (
	pgDuplicateDatabase = "42P04"
	pgDuplicateTable    = "42P07"
	pgDuplicateObject   = "42710"
	pgUniqueViolation   = "23505"
	pgInvalidCatalog    = "3D000"
	pgAdminShutdown     = "57P01"
	pgCrashShutdown     = "57P02"
	pgCannotConnectNow  = "57P03"
)

type postgresDialect struct {
	driver string
}

func (d *postgresDialect) Type() DatabaseType { return DatabaseTypePostgreSQL }

func (d *postgresDialect) DriverName() string { return d.driver }

func (d *postgresDialect) DSN(config ConnectionConfig) string { return buildPostgreSQLDSN(config) }

func (d *postgresDialect) Quote(name ident.Name) string {
	return pq.QuoteIdentifier(string(name))
}

func (d *postgresDialect) QuoteLiteral(s string) string {
	return pq.QuoteLiteral(s)
}

func (d *postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (d *postgresDialect) MaxParams() int { return 65535 }

func (d *postgresDialect) SerialPrimaryKey(name ident.Name) string {
	return d.Quote(name) + " BIGSERIAL PRIMARY KEY"
}

func (d *postgresDialect) ColumnType(spec TypeSpec) string {
	switch spec.Kind {
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", varcharSize(spec))
	case TypeInteger:
		return "INTEGER"
	case TypeBigint:
		return "BIGINT"
	case TypeNumeric:
		return "NUMERIC"
	case TypeFloat:
		return "DOUBLE PRECISION"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeDate:
		return "DATE"
	case TypeTimestamp:
		return "TIMESTAMP"
	case TypeJSON:
		return "JSONB"
	default:
		return "TEXT"
	}
}

func (d *postgresDialect) SupportsReturning() bool { return true }

func (d *postgresDialect) InsertDefaults(table ident.Name) string {
	return "INSERT INTO " + d.Quote(table) + " DEFAULT VALUES"
}

func (d *postgresDialect) LimitOffset(limit, offset int) string {
	return limitOffset(limit, offset, "")
}

func (d *postgresDialect) AlterColumnType(table, column ident.Name, columnType string) (string, error) {
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.Quote(table), d.Quote(column), columnType, d.Quote(column), columnType), nil
}

func (d *postgresDialect) TenantConfig(base ConnectionConfig, name ident.Name) ConnectionConfig {
	cfg := base
	cfg.Database = string(name)
	return cfg
}

func (d *postgresDialect) DatabaseExists(ctx context.Context, admin Querier, name ident.Name) (bool, error) {
	n, err := scalarInt(ctx, admin, "SELECT COUNT(*) FROM pg_database WHERE datname = $1", string(name))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *postgresDialect) CreateDatabase(ctx context.Context, admin Querier, name ident.Name) error {
	_, err := admin.Execute(ctx, "CREATE DATABASE "+d.Quote(name))
	return err
}

func (d *postgresDialect) ListDatabases(ctx context.Context, admin Querier) ([]string, error) {
	return catalogNames(ctx, admin,
		"SELECT datname FROM pg_database WHERE datistemplate = false ORDER BY datname")
}

func (d *postgresDialect) SystemDatabases() []string {
	return []string{"postgres", "template0", "template1"}
}

func (d *postgresDialect) TableExists(ctx context.Context, q Querier, table ident.Name) (bool, error) {
	n, err := scalarInt(ctx, q, `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name = $1`, string(table))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *postgresDialect) ListTables(ctx context.Context, q Querier) ([]string, error) {
	return catalogNames(ctx, q, `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
}

func (d *postgresDialect) Columns(ctx context.Context, q Querier, table ident.Name) ([]ColumnInfo, error) {
	rs, err := q.Query(ctx, `SELECT c.column_name, c.data_type, c.is_nullable,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
					ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema
					AND tc.table_name = c.table_name
					AND k.column_name = c.column_name
			) AS is_pk
		FROM information_schema.columns c
		WHERE c.table_schema = current_schema() AND c.table_name = $1
		ORDER BY c.ordinal_position`, string(table))
	if err != nil {
		return nil, err
	}
	return columnsFromCatalog(rs), nil
}

// columnsFromCatalog reads rows of (name, type, is_nullable, is_pk).
func columnsFromCatalog(rs *ResultSet) []ColumnInfo {
	cols := make([]ColumnInfo, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		name, _ := row.Values[0].AsString()
		typ, _ := row.Values[1].AsString()
		nullable, _ := row.Values[2].AsString()
		pk, ok := row.Values[3].AsBool()
		if !ok {
			n, _ := row.Values[3].AsInt64()
			pk = n != 0
		}
		cols = append(cols, ColumnInfo{
			Name:       name,
			Type:       typ,
			Nullable:   strings.EqualFold(nullable, "YES"),
			PrimaryKey: pk,
		})
	}
	return cols
}

func (d *postgresDialect) IsAlreadyExists(err error) bool {
	code, constraint := postgresCode(err)
	switch code {
	case pgDuplicateDatabase, pgDuplicateTable, pgDuplicateObject:
		return true
	case pgUniqueViolation:
		// concurrent CREATE DATABASE races on the catalog index
		return strings.HasPrefix(constraint, "pg_database_") || strings.HasPrefix(constraint, "pg_type_")
	}
	return false
}

func (d *postgresDialect) IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if isConnectionError(err) {
		return true
	}
	code, _ := postgresCode(err)
	switch {
	case strings.HasPrefix(code, "08"):
		return true
	case code == pgInvalidCatalog, code == pgAdminShutdown, code == pgCrashShutdown, code == pgCannotConnectNow:
		return true
	}
	return false
}

// postgresCode extracts the SQLSTATE and constraint name from either driver.
func postgresCode(err error) (string, string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	return "", ""
}
