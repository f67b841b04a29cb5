package tenant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"tabula-backend/internal/db"
	"tabula-backend/internal/events"
	"tabula-backend/internal/ident"
	"tabula-backend/internal/ingest"
	"tabula-backend/internal/keys"
)

// RowSource yields parsed upload rows aligned to Columns. *ingest.Reader
// implements it.
type RowSource interface {
	Columns() []string
	Next() (ingest.Row, error)
	Close() error
}

// Request describes one provisioning call.
type Request struct {
	Database string
	Table    string
	// Columns defines the table explicitly; when empty the columns come from
	// the Rows header.
	Columns []ColumnSpec
	// Rows is optional; Provision always closes it.
	Rows           RowSource
	OnConflict     Mode
	OrganizationID string
}

// Result summarises a provisioning call.
type Result struct {
	Database        string   `json:"databaseName"`
	Table           string   `json:"tableName"`
	Columns         []string `json:"columns"`
	PrimaryKey      string   `json:"primaryKey"`
	RowsInserted    int64    `json:"rowsInserted"`
	RowCount        int64    `json:"rowCount"`
	APIKey          string   `json:"apiKey"`
	CreatedDatabase bool     `json:"createdDatabase"`
	CreatedTable    bool     `json:"createdTable"`
}

// Provision creates the database and table named in req if needed, loads
// req.Rows and returns the table's API key.
func (p *Provisioner) Provision(ctx context.Context, req Request) (res *Result, err error) {
	if req.Rows != nil {
		defer req.Rows.Close()
	}
	start := time.Now()
	defer func() {
		outcome := "success"
		var rows int64
		switch {
		case err == nil:
			rows = res.RowsInserted
		case isSchemaInput(err), errors.Is(err, ErrAlreadyExists):
			outcome = "rejected"
		default:
			var mErr *ingest.MalformedInputError
			if errors.As(err, &mErr) {
				outcome = "rejected"
			} else {
				outcome = "failed"
			}
		}
		p.observer.ObserveProvision(outcome, rows, time.Since(start))
		if err != nil {
			p.events.Publish(events.Event{Type: events.TypeFailed, Database: req.Database, Table: req.Table, Message: err.Error()})
		}
	}()

	dbName, err := ident.ParseKind("database", req.Database)
	if err != nil {
		return nil, err
	}
	table, err := ident.ParseKind("table", req.Table)
	if err != nil {
		return nil, err
	}
	if p.resolver.Excluded(string(dbName)) {
		return nil, &ident.InvalidIdentifierError{Kind: "database", Name: req.Database, Reason: "reserved database name"}
	}
	if keys.IsReserved(string(table)) {
		return nil, &ident.InvalidIdentifierError{Kind: "table", Name: req.Table, Reason: "reserved table name"}
	}
	mode := req.OnConflict
	if mode == "" {
		mode = Reuse
	}

	var header []string
	if req.Rows != nil {
		header = req.Rows.Columns()
	}
	d := p.dialect()
	planned, err := planColumns(d, req.Columns, header)
	if err != nil {
		return nil, err
	}

	fail := func(stage string, err error) error {
		return &ProvisioningError{Database: string(dbName), Table: string(table), Stage: stage, Err: err}
	}

	res = &Result{Database: string(dbName), Table: string(table), PrimaryKey: PrimaryKeyColumn}

	// database
	exists, err := d.DatabaseExists(ctx, p.admin, dbName)
	if err != nil {
		return nil, fail("check database", err)
	}
	if exists && mode == Reject {
		return nil, fmt.Errorf("database %s: %w", dbName, ErrAlreadyExists)
	}
	if !exists {
		err := d.CreateDatabase(ctx, p.admin, dbName)
		switch {
		case err == nil:
			res.CreatedDatabase = true
			p.logger.Info("created database", zap.String("database", string(dbName)))
			p.events.Publish(events.Event{Type: events.TypeDatabaseCreated, Database: string(dbName)})
		case d.IsAlreadyExists(err):
			// lost a creation race
			if mode == Reject {
				return nil, fmt.Errorf("database %s: %w", dbName, ErrAlreadyExists)
			}
		default:
			return nil, fail("create database", err)
		}
	}

	pool, err := p.registry.Get(ctx, dbName)
	if err != nil {
		return nil, fail("connect", err)
	}

	// table
	created, err := p.createTable(ctx, pool, table, planned, mode)
	if err != nil {
		p.registry.Report(dbName, err)
		if errors.Is(err, ErrAlreadyExists) || isSchemaInput(err) {
			return nil, err
		}
		return nil, fail("create table", err)
	}
	res.CreatedTable = created
	if created {
		p.events.Publish(events.Event{Type: events.TypeTableCreated, Database: string(dbName), Table: string(table)})
	}

	// the rest must finish even if the client goes away
	bg := context.WithoutCancel(ctx)

	columns, err := d.Columns(bg, pool, table)
	if err != nil {
		return nil, p.abort(bg, pool, table, created, fail("read columns", err))
	}
	for _, c := range columns {
		res.Columns = append(res.Columns, c.Name)
	}

	if req.Rows != nil {
		n, err := p.insertRows(bg, pool, table, columns, req.Rows)
		if err != nil {
			p.registry.Report(dbName, err)
			return nil, p.abort(bg, pool, table, created, fail("insert rows", err))
		}
		res.RowsInserted = n
		p.events.Publish(events.Event{Type: events.TypeRowsInserted, Database: string(dbName), Table: string(table), Rows: n})
	}

	binding, err := p.issueKey(bg, pool, dbName, table, req.OrganizationID)
	if err != nil {
		return nil, p.abort(bg, pool, table, created, fail("issue api key", err))
	}
	res.APIKey = binding.APIKey
	p.events.Publish(events.Event{Type: events.TypeKeyIssued, Database: string(dbName), Table: string(table)})

	count, err := db.CountRows(bg, pool, d, table)
	if err != nil {
		return nil, fail("count rows", err)
	}
	res.RowCount = count

	p.logger.Info("provisioned table",
		zap.String("database", res.Database),
		zap.String("table", res.Table),
		zap.Int64("rows_inserted", res.RowsInserted),
		zap.Int64("row_count", res.RowCount),
		zap.Bool("created_table", res.CreatedTable))
	return res, nil
}

// createTable creates table unless it exists. It reports whether this call
// created it.
func (p *Provisioner) createTable(ctx context.Context, pool *db.Database, table ident.Name, columns []column, mode Mode) (bool, error) {
	d := pool.Dialect()
	if err := keys.EnsureRegistry(ctx, pool, d); err != nil {
		return false, err
	}

	exists, err := d.TableExists(ctx, pool, table)
	if err != nil {
		return false, err
	}
	if !exists {
		_, err = pool.Execute(ctx, buildCreateTable(d, table, columns))
		if err == nil {
			p.logger.Info("created table", zap.String("database", pool.Name()), zap.String("table", string(table)))
			return true, nil
		}
		if !d.IsAlreadyExists(err) {
			return false, err
		}
	}
	if mode == Reject {
		return false, fmt.Errorf("table %s.%s: %w", pool.Name(), table, ErrAlreadyExists)
	}
	return false, nil
}

// insertRows loads every row of src in one transaction. Header columns must
// exist in the table.
func (p *Provisioner) insertRows(ctx context.Context, pool *db.Database, table ident.Name, columns []db.ColumnInfo, src RowSource) (int64, error) {
	d := pool.Dialect()
	byName := make(map[string]db.ColumnInfo, len(columns))
	for _, c := range columns {
		byName[c.Name] = c
	}

	header := src.Columns()
	targets := make([]ident.Name, len(header))
	text := make([]bool, len(header))
	for i, h := range header {
		info, ok := byName[h]
		if !ok {
			return 0, &SchemaError{Column: h, Message: fmt.Sprintf("does not exist in table %s", table)}
		}
		name, err := ident.ParseKind("column", h)
		if err != nil {
			return 0, err
		}
		targets[i] = name
		text[i] = info.IsText()
	}
	if len(header) == 0 {
		return 0, nil
	}

	size := db.BatchSize(d, len(targets), p.batchSize)
	var inserted int64
	err := pool.WithTransaction(ctx, func(tx *db.Transaction) error {
		batch := make([][]interface{}, 0, size)
		flush := func() error {
			n, err := db.BatchInsert(ctx, tx, d, table, targets, batch, size)
			inserted += n
			batch = batch[:0]
			return err
		}
		for {
			row, err := src.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			for i, v := range row.Values {
				// empty cells are NULL for typed columns
				if s, ok := v.(string); ok && s == "" && !text[i] {
					row.Values[i] = nil
				}
			}
			batch = append(batch, row.Values)
			if len(batch) == size {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if len(batch) > 0 {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// issueKey returns the existing binding of {database, table} or mints one,
// recording it in the directory and the tenant's api_keys table.
func (p *Provisioner) issueKey(ctx context.Context, pool *db.Database, dbName, table ident.Name, org string) (keys.Binding, error) {
	existing, err := p.directory.FindByTable(ctx, string(dbName), string(table))
	if err == nil {
		if err := keys.PutRegistry(ctx, pool, pool.Dialect(), *existing); err != nil {
			return keys.Binding{}, err
		}
		p.resolver.Remember(*existing)
		return *existing, nil
	}
	if !errors.Is(err, keys.ErrNotFound) {
		return keys.Binding{}, err
	}

	key, err := keys.Generate()
	if err != nil {
		return keys.Binding{}, err
	}
	b := keys.Binding{
		APIKey:         key,
		Database:       string(dbName),
		Table:          string(table),
		OrganizationID: org,
		CreatedAt:      time.Now().UTC(),
	}
	if err := p.directory.Put(ctx, b); err != nil {
		return keys.Binding{}, err
	}
	if err := keys.PutRegistry(ctx, pool, pool.Dialect(), b); err != nil {
		return keys.Binding{}, err
	}
	p.resolver.Remember(b)
	p.logger.Info("issued api key", zap.String("database", b.Database), zap.String("table", b.Table),
		zap.String("key", keys.Mask(b.APIKey)))
	return b, nil
}

// abort drops table when this call created it and returns err.
func (p *Provisioner) abort(ctx context.Context, pool *db.Database, table ident.Name, created bool, err error) error {
	if !created {
		return err
	}
	if dropErr := db.DropTable(ctx, pool, pool.Dialect(), table); dropErr != nil {
		p.logger.Error("failed to drop table after provisioning failure",
			zap.String("database", pool.Name()), zap.String("table", string(table)), zap.Error(dropErr))
	}
	return err
}
