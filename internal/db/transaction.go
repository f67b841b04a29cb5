package db

import (
	"context"
	"database/sql"
)

// Transaction represents a database transaction
type Transaction struct {
	tx *sql.Tx
	db *Database
}

// Execute executes a non-query SQL statement
func (tx *Transaction) Execute(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	result, err := tx.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return newResult(result), nil
}

// Query executes a query and returns a result set
func (tx *Transaction) Query(ctx context.Context, query string, args ...interface{}) (*ResultSet, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return ConvertSQLRowToResultSet(rows)
}

// QueryRow executes a query that returns a single row
func (tx *Transaction) QueryRow(ctx context.Context, query string, args ...interface{}) (*Row, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return firstRow(rows)
}

// Dialect returns the dialect of the database the transaction runs on
func (tx *Transaction) Dialect() Dialect {
	return tx.db.dialect
}

// Commit commits the transaction
func (tx *Transaction) Commit() error {
	return tx.tx.Commit()
}

// Rollback rolls back the transaction
func (tx *Transaction) Rollback() error {
	return tx.tx.Rollback()
}

// Result represents the result of an Execute operation
type Result struct {
	RowsAffected int64
	LastInsertID int64
}
