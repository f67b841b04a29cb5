package db

import (
	"context"
	"fmt"
	"strings"

	"tabula-backend/internal/ident"
)

// Placeholders generates count bind markers starting at argument start.
func Placeholders(d Dialect, count, start int) []string {
	placeholders := make([]string, count)
	for i := 0; i < count; i++ {
		placeholders[i] = d.Placeholder(start + i)
	}
	return placeholders
}

// QuoteAll quotes every name with the dialect.
func QuoteAll(d Dialect, names []ident.Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = d.Quote(n)
	}
	return out
}

// BuildBatchInsert builds one multi-row INSERT. Every row must have
// len(columns) values; they are bound, never interpolated.
func BuildBatchInsert(d Dialect, table ident.Name, columns []ident.Name, rows [][]interface{}) (string, []interface{}) {
	valueStrings := make([]string, 0, len(rows))
	valueArgs := make([]interface{}, 0, len(columns)*len(rows))

	for i, row := range rows {
		valueStrings = append(valueStrings, "("+strings.Join(Placeholders(d, len(columns), i*len(columns)+1), ", ")+")")
		valueArgs = append(valueArgs, row...)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		d.Quote(table),
		strings.Join(QuoteAll(d, columns), ", "),
		strings.Join(valueStrings, ", "))
	return stmt, valueArgs
}

// BatchSize clamps requested so one batch stays under the dialect's
// bind-parameter limit.
func BatchSize(d Dialect, columnCount, requested int) int {
	if requested <= 0 {
		requested = 500
	}
	if columnCount <= 0 {
		return requested
	}
	if max := d.MaxParams() / columnCount; requested > max {
		requested = max
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

// BatchInsert inserts rows in batches of at most batchSize rows and returns
// the number of rows written.
func BatchInsert(ctx context.Context, q Querier, d Dialect, table ident.Name, columns []ident.Name, rows [][]interface{}, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	size := BatchSize(d, len(columns), batchSize)

	var inserted int64
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		stmt, args := BuildBatchInsert(d, table, columns, rows[start:end])
		if _, err := q.Execute(ctx, stmt, args...); err != nil {
			return inserted, fmt.Errorf("failed to insert rows %d-%d: %w", start+1, end, err)
		}
		inserted += int64(end - start)
	}
	return inserted, nil
}

// CountRows returns SELECT COUNT(*) for table.
func CountRows(ctx context.Context, q Querier, d Dialect, table ident.Name) (int64, error) {
	return scalarInt(ctx, q, "SELECT COUNT(*) FROM "+d.Quote(table))
}

// DropTable drops table if it exists.
func DropTable(ctx context.Context, q Querier, d Dialect, table ident.Name) error {
	_, err := q.Execute(ctx, "DROP TABLE IF EXISTS "+d.Quote(table))
	return err
}
