package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

// DefaultMaxPageSize caps $top when no other limit is configured.
const DefaultMaxPageSize = 1000

// Executor runs queries against one tenant table.
type Executor struct {
	q     db.Querier
	d     db.Dialect
	table ident.Name

	columns     []db.ColumnInfo
	byName      map[string]db.ColumnInfo
	pk          ident.Name
	maxPageSize int
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxPageSize caps the number of rows one List call returns.
func WithMaxPageSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxPageSize = n
		}
	}
}

// New discovers the columns of table and returns an executor for it. A
// missing table yields ErrNotFound.
func New(ctx context.Context, q db.Querier, d db.Dialect, table string, opts ...Option) (*Executor, error) {
	name, err := ident.ParseKind("table", table)
	if err != nil {
		return nil, err
	}

	columns, err := d.Columns(ctx, q, name)
	if err != nil {
		return nil, fmt.Errorf("discover columns of %s: %w", name, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s: %w", name, ErrNotFound)
	}

	e := &Executor{
		q:           q,
		d:           d,
		table:       name,
		columns:     columns,
		byName:      make(map[string]db.ColumnInfo, len(columns)),
		pk:          "id",
		maxPageSize: DefaultMaxPageSize,
	}
	for _, col := range columns {
		e.byName[col.Name] = col
		if col.PrimaryKey {
			if n, err := ident.Parse(col.Name); err == nil {
				e.pk = n
			}
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Columns returns the discovered column set in table order.
func (e *Executor) Columns() []db.ColumnInfo {
	return e.columns
}

// PrimaryKey returns the key column used by Get, Update and Delete.
func (e *Executor) PrimaryKey() string {
	return string(e.pk)
}

func (e *Executor) compiler() *compiler {
	return &compiler{d: e.d, columns: e.byName}
}

func (e *Executor) selectList(names []string) (string, error) {
	if len(names) == 0 {
		cols := make([]string, 0, len(e.columns))
		for _, col := range e.columns {
			n, err := ident.Parse(col.Name)
			if err != nil {
				// columns created outside this service may not be addressable
				continue
			}
			cols = append(cols, e.d.Quote(n))
		}
		return strings.Join(cols, ", "), nil
	}

	c := e.compiler()
	cols := make([]string, 0, len(names))
	for _, name := range names {
		col, _, err := c.column(name)
		if err != nil {
			return "", err
		}
		cols = append(cols, col)
	}
	return strings.Join(cols, ", "), nil
}

// Page is the result of List. Count is set when Options.Count was requested.
type Page struct {
	Rows  []map[string]interface{}
	Count *int64
}

// List returns the rows matching opts.
func (e *Executor) List(ctx context.Context, opts Options) (*Page, error) {
	selectList, err := e.selectList(opts.Select)
	if err != nil {
		return nil, err
	}

	c := e.compiler()
	where, err := c.where(opts.Filter)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(opts.OrderBy)+1)
	for _, term := range opts.OrderBy {
		col, _, err := c.column(term.Column)
		if err != nil {
			return nil, err
		}
		if term.Desc {
			col += " DESC"
		}
		order = append(order, col)
	}
	// stable paging
	order = append(order, e.d.Quote(e.pk))

	top := opts.Top
	if top <= 0 || top > e.maxPageSize {
		top = e.maxPageSize
	}

	stmt := "SELECT " + selectList + " FROM " + e.d.Quote(e.table) + where +
		" ORDER BY " + strings.Join(order, ", ") + e.d.LimitOffset(top, opts.Skip)
	rs, err := e.q.Query(ctx, stmt, c.args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", e.table, err)
	}

	page := &Page{Rows: rs.Maps()}
	if opts.Count {
		n, err := e.count(ctx, where, c.args)
		if err != nil {
			return nil, err
		}
		page.Count = &n
	}
	return page, nil
}

func (e *Executor) count(ctx context.Context, where string, args []interface{}) (int64, error) {
	row, err := e.q.QueryRow(ctx, "SELECT COUNT(*) FROM "+e.d.Quote(e.table)+where, args...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", e.table, err)
	}
	if n, ok := row.Values[0].AsInt64(); ok {
		return n, nil
	}
	s, _ := row.Values[0].AsString()
	return strconv.ParseInt(s, 10, 64)
}

// keyValue converts a path id into the primary key's type. ok is false when
// the id cannot match any row.
func (e *Executor) keyValue(id string) (interface{}, bool) {
	col := e.byName[string(e.pk)]
	if col.IsText() {
		return id, true
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, false
	}
	return n, true
}

// Get returns the row with primary key id.
func (e *Executor) Get(ctx context.Context, id string) (map[string]interface{}, error) {
	key, ok := e.keyValue(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.getByKey(ctx, key)
}

func (e *Executor) getByKey(ctx context.Context, key interface{}) (map[string]interface{}, error) {
	selectList, err := e.selectList(nil)
	if err != nil {
		return nil, err
	}
	stmt := "SELECT " + selectList + " FROM " + e.d.Quote(e.table) +
		" WHERE " + e.d.Quote(e.pk) + " = " + e.d.Placeholder(1)
	row, err := e.q.QueryRow(ctx, stmt, key)
	if errors.Is(err, db.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", e.table, err)
	}
	return row.Map(nil), nil
}

// assignments validates fields and returns columns and bound values in a
// deterministic order. The primary key is dropped when skipKey is set.
func (e *Executor) assignments(fields map[string]interface{}, skipKey bool) ([]ident.Name, []interface{}, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]ident.Name, 0, len(names))
	vals := make([]interface{}, 0, len(names))
	for _, name := range names {
		n, err := ident.ParseKind("column", name)
		if err != nil {
			return nil, nil, &ValidationError{Field: name, Message: "invalid column name"}
		}
		info, ok := e.byName[string(n)]
		if !ok {
			return nil, nil, &ValidationError{Field: name, Message: "unknown column"}
		}
		if skipKey && n == e.pk {
			continue
		}
		cols = append(cols, n)
		vals = append(vals, coerce(info, fields[name]))
	}
	return cols, vals, nil
}

// Create inserts fields as a new row and returns it. An empty field set
// inserts a row of defaults.
func (e *Executor) Create(ctx context.Context, fields map[string]interface{}) (map[string]interface{}, error) {
	cols, vals, err := e.assignments(fields, false)
	if err != nil {
		return nil, err
	}

	var stmt string
	if len(cols) == 0 {
		stmt = e.d.InsertDefaults(e.table)
	} else {
		stmt, vals = db.BuildBatchInsert(e.d, e.table, cols, [][]interface{}{vals})
	}

	if e.d.SupportsReturning() {
		selectList, err := e.selectList(nil)
		if err != nil {
			return nil, err
		}
		row, err := e.q.QueryRow(ctx, stmt+" RETURNING "+selectList, vals...)
		if err != nil {
			return nil, fmt.Errorf("create in %s: %w", e.table, err)
		}
		return row.Map(nil), nil
	}

	res, err := e.q.Execute(ctx, stmt, vals...)
	if err != nil {
		return nil, fmt.Errorf("create in %s: %w", e.table, err)
	}
	key := interface{}(res.LastInsertID)
	if v, ok := fields[string(e.pk)]; ok {
		key = coerce(e.byName[string(e.pk)], v)
	}
	return e.getByKey(ctx, key)
}

// Update sets fields on the row with primary key id and returns the updated
// row. An empty field set changes nothing and returns the current row.
func (e *Executor) Update(ctx context.Context, id string, fields map[string]interface{}) (map[string]interface{}, error) {
	key, ok := e.keyValue(id)
	if !ok {
		return nil, ErrNotFound
	}
	cols, vals, err := e.assignments(fields, true)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return e.getByKey(ctx, key)
	}

	set := make([]string, len(cols))
	for i, col := range cols {
		set[i] = e.d.Quote(col) + " = " + e.d.Placeholder(i+1)
	}
	stmt := "UPDATE " + e.d.Quote(e.table) + " SET " + strings.Join(set, ", ") +
		" WHERE " + e.d.Quote(e.pk) + " = " + e.d.Placeholder(len(cols)+1)
	if _, err := e.q.Execute(ctx, stmt, append(vals, key)...); err != nil {
		return nil, fmt.Errorf("update %s: %w", e.table, err)
	}
	// MySQL reports zero affected rows for unchanged values, so existence is
	// decided by reading the row back.
	return e.getByKey(ctx, key)
}

// Delete removes the row with primary key id.
func (e *Executor) Delete(ctx context.Context, id string) error {
	key, ok := e.keyValue(id)
	if !ok {
		return ErrNotFound
	}
	stmt := "DELETE FROM " + e.d.Quote(e.table) + " WHERE " + e.d.Quote(e.pk) + " = " + e.d.Placeholder(1)
	res, err := e.q.Execute(ctx, stmt, key)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", e.table, err)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
