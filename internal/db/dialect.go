package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"tabula-backend/internal/ident"
)

// Dialect captures everything that differs between engines: identifier
// quoting, placeholders, catalog queries and error classification. Every
// identifier reaches SQL text through Quote, which only accepts an ident.Name.
type Dialect interface {
	Type() DatabaseType
	DriverName() string
	DSN(config ConnectionConfig) string

	Quote(name ident.Name) string
	QuoteLiteral(s string) string
	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string
	// MaxParams is the engine's bind-parameter limit per statement.
	MaxParams() int

	// SerialPrimaryKey renders the column definition of an auto-increment key.
	SerialPrimaryKey(name ident.Name) string
	// ColumnType maps a logical column type onto the engine's type.
	ColumnType(spec TypeSpec) string
	SupportsReturning() bool
	InsertDefaults(table ident.Name) string
	LimitOffset(limit, offset int) string
	AlterColumnType(table, column ident.Name, columnType string) (string, error)

	// TenantConfig derives the connection config of a tenant database from
	// the shared base config.
	TenantConfig(base ConnectionConfig, name ident.Name) ConnectionConfig
	DatabaseExists(ctx context.Context, admin Querier, name ident.Name) (bool, error)
	CreateDatabase(ctx context.Context, admin Querier, name ident.Name) error
	ListDatabases(ctx context.Context, admin Querier) ([]string, error)
	SystemDatabases() []string
	TableExists(ctx context.Context, q Querier, table ident.Name) (bool, error)
	ListTables(ctx context.Context, q Querier) ([]string, error)
	Columns(ctx context.Context, q Querier, table ident.Name) ([]ColumnInfo, error)

	// IsAlreadyExists reports duplicate database or table errors.
	IsAlreadyExists(err error) bool
	// IsFatal reports errors after which a pool must not be reused.
	IsFatal(err error) bool
}

// DialectFor returns the dialect matching config.DatabaseType.
func DialectFor(config ConnectionConfig) (Dialect, error) {
	switch config.DatabaseType {
	case DatabaseTypePostgreSQL, "postgres", "":
		driver := config.Driver
		if driver == "" {
			driver = "pgx"
		}
		if driver != "pgx" && driver != "postgres" {
			return nil, fmt.Errorf("unsupported postgresql driver: %s", driver)
		}
		return &postgresDialect{driver: driver}, nil
	case DatabaseTypeMySQL:
		return &mysqlDialect{}, nil
	case DatabaseTypeSQLite:
		return &sqliteDialect{dataDir: config.DataDir}, nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.DatabaseType)
	}
}

// ColumnInfo describes a column discovered from the engine catalog.
type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"isPrimary"`
}

// IsText reports whether the column stores character data.
func (c ColumnInfo) IsText() bool {
	t := strings.ToLower(c.Type)
	return t == "" || strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "clob")
}

// Logical column types accepted from callers.
const (
	TypeText      = "text"
	TypeVarchar   = "varchar"
	TypeInteger   = "integer"
	TypeBigint    = "bigint"
	TypeNumeric   = "numeric"
	TypeFloat     = "float"
	TypeBoolean   = "boolean"
	TypeDate      = "date"
	TypeTimestamp = "timestamp"
	TypeJSON      = "json"
)

var typeAliases = map[string]string{
	"text":             TypeText,
	"string":           TypeText,
	"varchar":          TypeVarchar,
	"int":              TypeInteger,
	"integer":          TypeInteger,
	"int4":             TypeInteger,
	"bigint":           TypeBigint,
	"int8":             TypeBigint,
	"numeric":          TypeNumeric,
	"decimal":          TypeNumeric,
	"float":            TypeFloat,
	"double":           TypeFloat,
	"double precision": TypeFloat,
	"real":             TypeFloat,
	"bool":             TypeBoolean,
	"boolean":          TypeBoolean,
	"date":             TypeDate,
	"timestamp":        TypeTimestamp,
	"datetime":         TypeTimestamp,
	"json":             TypeJSON,
	"jsonb":            TypeJSON,
}

// TypeSpec is a validated logical column type.
type TypeSpec struct {
	Kind string
	// Size is the varchar length; zero means the default.
	Size   int
	Unique bool
}

// UnsupportedTypeError is returned by ParseType for types outside the
// allow-list.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported column type %q", e.Type)
}

// ParseType validates a caller supplied column type such as "varchar(80)".
// An empty type means text.
func ParseType(s string) (TypeSpec, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	if t == "" {
		return TypeSpec{Kind: TypeText}, nil
	}

	size := 0
	if open := strings.IndexByte(t, '('); open >= 0 {
		if !strings.HasSuffix(t, ")") {
			return TypeSpec{}, &UnsupportedTypeError{Type: s}
		}
		n, err := strconv.Atoi(strings.TrimSpace(t[open+1 : len(t)-1]))
		if err != nil || n <= 0 || n > 65535 {
			return TypeSpec{}, &UnsupportedTypeError{Type: s}
		}
		size = n
		t = strings.TrimSpace(t[:open])
	}

	kind, ok := typeAliases[t]
	if !ok || (size > 0 && kind != TypeVarchar) {
		return TypeSpec{}, &UnsupportedTypeError{Type: s}
	}
	return TypeSpec{Kind: kind, Size: size}, nil
}

func varcharSize(spec TypeSpec) int {
	if spec.Size > 0 {
		return spec.Size
	}
	return 255
}

// quoteStringLiteral doubles single quotes, which is the SQL standard escape.
func quoteStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func limitOffset(limit, offset int, unbounded string) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	} else if offset > 0 && unbounded != "" {
		b.WriteString(" LIMIT " + unbounded)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

// isConnectionError reports errors common to every driver that leave a
// connection unusable.
func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// catalogNames runs a single-column catalog query and returns the names that
// are valid identifiers.
func catalogNames(ctx context.Context, q Querier, query string, args ...interface{}) ([]string, error) {
	rs, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		if len(row.Values) == 0 {
			continue
		}
		name, ok := row.Values[0].AsString()
		if !ok {
			continue
		}
		if _, err := ident.Parse(name); err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func scalarInt(ctx context.Context, q Querier, query string, args ...interface{}) (int64, error) {
	row, err := q.QueryRow(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	if len(row.Values) == 0 {
		return 0, fmt.Errorf("scalar query returned no columns")
	}
	v := row.Values[0]
	if n, ok := v.AsInt64(); ok {
		return n, nil
	}
	if b, ok := v.AsBool(); ok {
		if b {
			return 1, nil
		}
		return 0, nil
	}
	if s, ok := v.AsString(); ok {
		return strconv.ParseInt(s, 10, 64)
	}
	return 0, fmt.Errorf("unexpected scalar value of type %s", v.Type)
}
