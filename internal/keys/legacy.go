package keys

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

// RegistryTable is the per-database key registry every tenant database
// carries.
const RegistryTable = "api_keys"

// IsReserved reports whether table holds key bindings and so can never be
// provisioned or bound to a key. Engines may fold identifier case, so the
// check ignores it.
func IsReserved(table string) bool {
	return strings.EqualFold(table, RegistryTable) || strings.EqualFold(table, DirectoryTable)
}

var (
	registryTable = ident.MustParse(RegistryTable)
	colKey        = ident.MustParse("key")
)

// EnsureRegistry creates the api_keys table in a tenant database.
func EnsureRegistry(ctx context.Context, q db.Querier, d db.Dialect) error {
	varchar := func(n int) string { return d.ColumnType(db.TypeSpec{Kind: db.TypeVarchar, Size: n}) }
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s %s PRIMARY KEY,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s NOT NULL
)`,
		d.Quote(registryTable),
		d.Quote(colKey), varchar(128),
		d.Quote(colDatabase), varchar(ident.MaxLength),
		d.Quote(colTable), varchar(ident.MaxLength),
		d.Quote(colCreatedAt), d.ColumnType(db.TypeSpec{Kind: db.TypeTimestamp}),
	)
	if _, err := q.Execute(ctx, stmt); err != nil && !d.IsAlreadyExists(err) {
		return fmt.Errorf("create %s: %w", RegistryTable, err)
	}
	return nil
}

// PutRegistry records b in the tenant database's own api_keys table.
func PutRegistry(ctx context.Context, q db.Querier, d db.Dialect, b Binding) error {
	if err := EnsureRegistry(ctx, q, d); err != nil {
		return err
	}
	if _, err := lookupRegistry(ctx, q, d, b.APIKey); err == nil {
		return nil
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	stmt, args := db.BuildBatchInsert(d, registryTable,
		[]ident.Name{colKey, colDatabase, colTable, colCreatedAt},
		[][]interface{}{{b.APIKey, b.Database, b.Table, b.CreatedAt}})
	if _, err := q.Execute(ctx, stmt, args...); err != nil {
		return fmt.Errorf("store %s entry: %w", RegistryTable, err)
	}
	return nil
}

func registrySelect(d db.Dialect, where string) string {
	cols := db.QuoteAll(d, []ident.Name{colKey, colDatabase, colTable, colCreatedAt})
	s := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), d.Quote(registryTable))
	if where != "" {
		s += " WHERE " + where
	}
	return s + " ORDER BY " + d.Quote(colCreatedAt)
}

// lookupRegistry finds key in a tenant database. A database without an
// api_keys table yields ErrNotFound.
func lookupRegistry(ctx context.Context, q db.Querier, d db.Dialect, key string) (*Binding, error) {
	ok, err := d.TableExists(ctx, q, registryTable)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	rs, err := q.Query(ctx, registrySelect(d, d.Quote(colKey)+" = "+d.Placeholder(1)), key)
	if err != nil {
		return nil, err
	}
	return first(rs)
}

// listRegistry returns every entry of a tenant database's api_keys table.
func listRegistry(ctx context.Context, q db.Querier, d db.Dialect) ([]Binding, error) {
	ok, err := d.TableExists(ctx, q, registryTable)
	if err != nil || !ok {
		return nil, err
	}
	rs, err := q.Query(ctx, registrySelect(d, ""))
	if err != nil {
		return nil, err
	}
	return bindings(rs), nil
}
