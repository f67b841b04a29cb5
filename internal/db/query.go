package db

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNoRows is returned by QueryRow when the query yields no rows.
var ErrNoRows = errors.New("no rows found")

// Querier is implemented by both *Database and *Transaction so SQL helpers can
// run inside or outside a transaction.
type Querier interface {
	Execute(ctx context.Context, query string, args ...interface{}) (*Result, error)
	Query(ctx context.Context, query string, args ...interface{}) (*ResultSet, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) (*Row, error)
}

var (
	_ Querier = (*Database)(nil)
	_ Querier = (*Transaction)(nil)
)

// Execute executes a non-query SQL statement
func (db *Database) Execute(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return newResult(result), nil
}

// Query executes a query and returns result set
func (db *Database) Query(ctx context.Context, query string, args ...interface{}) (*ResultSet, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return ConvertSQLRowToResultSet(rows)
}

// QueryRow executes a query that returns a single row
func (db *Database) QueryRow(ctx context.Context, query string, args ...interface{}) (*Row, error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return firstRow(rows)
}

func firstRow(rows *sql.Rows) (*Row, error) {
	columns, err := readColumns(rows)
	if err != nil {
		return nil, err
	}

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoRows
	}

	row, err := scanRow(rows, columns)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func newResult(result sql.Result) *Result {
	rowsAffected, _ := result.RowsAffected()
	// not every driver reports an insert id
	lastInsertID, _ := result.LastInsertId()

	return &Result{
		RowsAffected: rowsAffected,
		LastInsertID: lastInsertID,
	}
}
