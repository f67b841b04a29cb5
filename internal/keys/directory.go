package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

// DirectoryTable is the global key directory.
const DirectoryTable = "db_collection"

var (
	directoryTable = ident.MustParse(DirectoryTable)
	colAPIKey      = ident.MustParse("apikey")
	colDatabase    = ident.MustParse("database_name")
	colTable       = ident.MustParse("table_name")
	colOrg         = ident.MustParse("organization_id")
	colCreatedAt   = ident.MustParse("created_at")
)

// Directory is the canonical key store: one row per key in db_collection.
type Directory struct {
	db *db.Database
	d  db.Dialect
}

// NewDirectory returns a directory stored in database.
func NewDirectory(database *db.Database) *Directory {
	return &Directory{db: database, d: database.Dialect()}
}

// Database returns the name of the database holding the directory.
func (dir *Directory) Database() string {
	return dir.db.Name()
}

// Ensure creates the directory table if needed.
func (dir *Directory) Ensure(ctx context.Context) error {
	d := dir.d
	varchar := func(n int) string { return d.ColumnType(db.TypeSpec{Kind: db.TypeVarchar, Size: n}) }
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s %s PRIMARY KEY,
	%s %s NOT NULL,
	%s %s NOT NULL,
	%s %s,
	%s %s NOT NULL
)`,
		d.Quote(directoryTable),
		d.Quote(colAPIKey), varchar(128),
		d.Quote(colDatabase), varchar(ident.MaxLength),
		d.Quote(colTable), varchar(ident.MaxLength),
		d.Quote(colOrg), varchar(255),
		d.Quote(colCreatedAt), d.ColumnType(db.TypeSpec{Kind: db.TypeTimestamp}),
	)
	if _, err := dir.db.Execute(ctx, stmt); err != nil && !d.IsAlreadyExists(err) {
		return fmt.Errorf("create key directory: %w", err)
	}
	return nil
}

// Put stores b. Storing a key that is already present is a no-op.
func (dir *Directory) Put(ctx context.Context, b Binding) error {
	if _, err := dir.Lookup(ctx, b.APIKey); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	var org interface{}
	if b.OrganizationID != "" {
		org = b.OrganizationID
	}

	stmt, args := db.BuildBatchInsert(dir.d, directoryTable,
		[]ident.Name{colAPIKey, colDatabase, colTable, colOrg, colCreatedAt},
		[][]interface{}{{b.APIKey, b.Database, b.Table, org, b.CreatedAt}})
	if _, err := dir.db.Execute(ctx, stmt, args...); err != nil {
		return fmt.Errorf("store api key binding: %w", err)
	}
	return nil
}

func (dir *Directory) selectSQL(where string) string {
	d := dir.d
	cols := db.QuoteAll(d, []ident.Name{colAPIKey, colDatabase, colTable, colOrg, colCreatedAt})
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s, %s",
		strings.Join(cols, ", "), d.Quote(directoryTable), where, d.Quote(colCreatedAt), d.Quote(colAPIKey))
}

// Lookup returns the binding of key, or ErrNotFound.
func (dir *Directory) Lookup(ctx context.Context, key string) (*Binding, error) {
	rs, err := dir.db.Query(ctx, dir.selectSQL(dir.d.Quote(colAPIKey)+" = "+dir.d.Placeholder(1)), key)
	if err != nil {
		return nil, fmt.Errorf("look up api key: %w", err)
	}
	return first(rs)
}

// FindByTable returns the oldest binding for {database, table}, or
// ErrNotFound.
func (dir *Directory) FindByTable(ctx context.Context, database, table string) (*Binding, error) {
	where := dir.d.Quote(colDatabase) + " = " + dir.d.Placeholder(1) +
		" AND " + dir.d.Quote(colTable) + " = " + dir.d.Placeholder(2)
	rs, err := dir.db.Query(ctx, dir.selectSQL(where), database, table)
	if err != nil {
		return nil, fmt.Errorf("look up api key for %s.%s: %w", database, table, err)
	}
	return first(rs)
}

// ListByDatabase returns every binding of database, oldest first.
func (dir *Directory) ListByDatabase(ctx context.Context, database string) ([]Binding, error) {
	rs, err := dir.db.Query(ctx, dir.selectSQL(dir.d.Quote(colDatabase)+" = "+dir.d.Placeholder(1)), database)
	if err != nil {
		return nil, fmt.Errorf("list api keys of %s: %w", database, err)
	}
	return bindings(rs), nil
}

func first(rs *db.ResultSet) (*Binding, error) {
	list := bindings(rs)
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// bindings reads rows of (key, database, table, organization, created_at).
func bindings(rs *db.ResultSet) []Binding {
	out := make([]Binding, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		var b Binding
		b.APIKey, _ = row.Values[0].AsString()
		b.Database, _ = row.Values[1].AsString()
		b.Table, _ = row.Values[2].AsString()
		if len(row.Values) > 4 {
			b.OrganizationID, _ = row.Values[3].AsString()
			b.CreatedAt = asTime(row.Values[4])
		} else if len(row.Values) > 3 {
			b.CreatedAt = asTime(row.Values[3])
		}
		out = append(out, b)
	}
	return out
}

func asTime(v db.Value) time.Time {
	if t, ok := v.AsTimestamp(); ok {
		return t
	}
	if s, ok := v.AsString(); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}
