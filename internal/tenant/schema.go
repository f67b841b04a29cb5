package tenant

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"tabula-backend/internal/db"
	"tabula-backend/internal/events"
	"tabula-backend/internal/ident"
	"tabula-backend/internal/keys"
)

type tableRef struct {
	database ident.Name
	table    ident.Name
	pool     *db.Database
}

func (t *tableRef) column(ctx context.Context, name ident.Name) (*db.ColumnInfo, []db.ColumnInfo, error) {
	columns, err := t.pool.Dialect().Columns(ctx, t.pool, t.table)
	if err != nil {
		return nil, nil, err
	}
	for i := range columns {
		if columns[i].Name == string(name) {
			return &columns[i], columns, nil
		}
	}
	return nil, columns, nil
}

// Columns returns the columns of database.table.
func (p *Provisioner) Columns(ctx context.Context, database, table string) ([]db.ColumnInfo, error) {
	ref, err := p.openTable(ctx, database, table)
	if err != nil {
		return nil, err
	}
	return ref.pool.Dialect().Columns(ctx, ref.pool, ref.table)
}

// AddColumn adds spec to database.table and returns the new column set.
func (p *Provisioner) AddColumn(ctx context.Context, database, table string, spec ColumnSpec) ([]db.ColumnInfo, error) {
	ref, err := p.openTable(ctx, database, table)
	if err != nil {
		return nil, err
	}
	d := ref.pool.Dialect()
	col, err := buildColumn(d, spec)
	if err != nil {
		return nil, err
	}
	existing, _, err := ref.column(ctx, col.name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &SchemaError{Column: spec.Name, Message: "already exists"}
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.Quote(ref.table), col.definition)
	return p.alter(ctx, ref, col.name, "add column", stmt)
}

// DropColumn removes column from database.table. The primary key cannot be
// dropped.
func (p *Provisioner) DropColumn(ctx context.Context, database, table, column string) ([]db.ColumnInfo, error) {
	ref, name, err := p.existingColumn(ctx, database, table, column)
	if err != nil {
		return nil, err
	}
	d := ref.pool.Dialect()
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.Quote(ref.table), d.Quote(name))
	return p.alter(ctx, ref, name, "drop column", stmt)
}

// RetypeColumn changes the type of column. Engines that cannot alter a
// column type in place report a SchemaError.
func (p *Provisioner) RetypeColumn(ctx context.Context, database, table, column, typ string) ([]db.ColumnInfo, error) {
	ref, name, err := p.existingColumn(ctx, database, table, column)
	if err != nil {
		return nil, err
	}
	spec, err := db.ParseType(typ)
	if err != nil {
		return nil, &SchemaError{Column: column, Message: err.Error(), Err: err}
	}
	d := ref.pool.Dialect()
	stmt, err := d.AlterColumnType(ref.table, name, d.ColumnType(spec))
	if errors.Is(err, db.ErrUnsupported) {
		return nil, &SchemaError{Column: column, Message: fmt.Sprintf("%s cannot change column types", d.Type()), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return p.alter(ctx, ref, name, "retype column", stmt)
}

func (p *Provisioner) existingColumn(ctx context.Context, database, table, column string) (*tableRef, ident.Name, error) {
	name, err := ident.ParseKind("column", column)
	if err != nil {
		return nil, "", err
	}
	if name == PrimaryKeyColumn {
		return nil, "", &SchemaError{Column: column, Message: "the primary key cannot be changed"}
	}
	ref, err := p.openTable(ctx, database, table)
	if err != nil {
		return nil, "", err
	}
	existing, _, err := ref.column(ctx, name)
	if err != nil {
		return nil, "", err
	}
	if existing == nil {
		return nil, "", fmt.Errorf("column %s: %w", column, ErrNotFound)
	}
	return ref, name, nil
}

// alter runs stmt and returns the resulting columns. Engine rejections of a
// well-formed statement are reported as SchemaError.
func (p *Provisioner) alter(ctx context.Context, ref *tableRef, column ident.Name, action, stmt string) ([]db.ColumnInfo, error) {
	if _, err := ref.pool.Execute(ctx, stmt); err != nil {
		if p.registry.Report(ref.database, err) {
			return nil, err
		}
		return nil, &SchemaError{Column: string(column), Message: fmt.Sprintf("cannot %s: %v", action, err), Err: err}
	}

	p.logger.Info("altered table",
		zap.String("database", string(ref.database)),
		zap.String("table", string(ref.table)),
		zap.String("column", string(column)),
		zap.String("action", action))
	p.events.Publish(events.Event{
		Type:     events.TypeSchemaChanged,
		Database: string(ref.database),
		Table:    string(ref.table),
		Message:  action + " " + string(column),
	})
	return ref.pool.Dialect().Columns(ctx, ref.pool, ref.table)
}

func (p *Provisioner) openTable(ctx context.Context, database, table string) (*tableRef, error) {
	dbName, err := ident.ParseKind("database", database)
	if err != nil {
		return nil, err
	}
	tbl, err := ident.ParseKind("table", table)
	if err != nil {
		return nil, err
	}
	if p.resolver.Excluded(database) {
		return nil, fmt.Errorf("database %s: %w", database, ErrNotFound)
	}

	d := p.dialect()
	exists, err := d.DatabaseExists(ctx, p.admin, dbName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("database %s: %w", database, ErrNotFound)
	}
	pool, err := p.registry.Get(ctx, dbName)
	if err != nil {
		return nil, err
	}
	ok, err := d.TableExists(ctx, pool, tbl)
	if err != nil {
		p.registry.Report(dbName, err)
		return nil, err
	}
	if !ok || keys.IsReserved(string(tbl)) {
		return nil, fmt.Errorf("table %s.%s: %w", database, table, ErrNotFound)
	}
	return &tableRef{database: dbName, table: tbl, pool: pool}, nil
}
