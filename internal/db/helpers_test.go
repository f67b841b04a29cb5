package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula-backend/internal/ident"
)

func mustDialect(t *testing.T, typ DatabaseType) Dialect {
	t.Helper()
	d, err := DialectFor(ConnectionConfig{DatabaseType: typ, DataDir: t.TempDir()})
	require.NoError(t, err)
	return d
}

func TestBuildBatchInsert(t *testing.T) {
	cols := []ident.Name{"name", "age"}
	rows := [][]interface{}{{"Ada", "30"}, {"Grace", nil}}

	tests := []struct {
		typ  DatabaseType
		want string
	}{
		{DatabaseTypePostgreSQL, `INSERT INTO "people" ("name", "age") VALUES ($1, $2), ($3, $4)`},
		{DatabaseTypeMySQL, "INSERT INTO `people` (`name`, `age`) VALUES (?, ?), (?, ?)"},
		{DatabaseTypeSQLite, `INSERT INTO "people" ("name", "age") VALUES (?, ?), (?, ?)`},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			stmt, args := BuildBatchInsert(mustDialect(t, tt.typ), "people", cols, rows)
			assert.Equal(t, tt.want, stmt)
			assert.Equal(t, []interface{}{"Ada", "30", "Grace", nil}, args)
		})
	}
}

func TestBatchSizeRespectsParamLimit(t *testing.T) {
	pg := mustDialect(t, DatabaseTypePostgreSQL)
	assert.Equal(t, 500, BatchSize(pg, 10, 0))
	assert.Equal(t, 100, BatchSize(pg, 10, 100))
	assert.Equal(t, 65535/1000, BatchSize(pg, 1000, 5000))

	lite := mustDialect(t, DatabaseTypeSQLite)
	assert.Equal(t, 1, BatchSize(lite, 40000, 10))
}

func TestParseType(t *testing.T) {
	spec, err := ParseType("VARCHAR(80)")
	require.NoError(t, err)
	assert.Equal(t, TypeSpec{Kind: TypeVarchar, Size: 80}, spec)

	spec, err = ParseType("")
	require.NoError(t, err)
	assert.Equal(t, TypeText, spec.Kind)

	spec, err = ParseType(" Double Precision ")
	require.NoError(t, err)
	assert.Equal(t, TypeFloat, spec.Kind)

	for _, bad := range []string{"text; drop table x", "integer(5)", "varchar(0)", "varchar(x)", "geometry", "varchar(10"} {
		_, err := ParseType(bad)
		var typeErr *UnsupportedTypeError
		assert.ErrorAs(t, err, &typeErr, bad)
	}
}

func TestColumnTypes(t *testing.T) {
	pg := mustDialect(t, DatabaseTypePostgreSQL)
	my := mustDialect(t, DatabaseTypeMySQL)
	lite := mustDialect(t, DatabaseTypeSQLite)

	assert.Equal(t, "JSONB", pg.ColumnType(TypeSpec{Kind: TypeJSON}))
	assert.Equal(t, "TEXT", my.ColumnType(TypeSpec{Kind: TypeText}))
	assert.Equal(t, "VARCHAR(255)", my.ColumnType(TypeSpec{Kind: TypeText, Unique: true}))
	assert.Equal(t, "INTEGER", lite.ColumnType(TypeSpec{Kind: TypeBigint}))
	assert.Equal(t, "VARCHAR(20)", pg.ColumnType(TypeSpec{Kind: TypeVarchar, Size: 20}))
}

func TestQuoteLiteral(t *testing.T) {
	assert.Equal(t, `'it''s'`, mustDialect(t, DatabaseTypeSQLite).QuoteLiteral("it's"))
	assert.Equal(t, `'a\\b''c'`, mustDialect(t, DatabaseTypeMySQL).QuoteLiteral(`a\b'c`))
	assert.Equal(t, `'x'`, mustDialect(t, DatabaseTypePostgreSQL).QuoteLiteral("x"))
}

func TestLimitOffset(t *testing.T) {
	assert.Equal(t, " LIMIT 10 OFFSET 5", mustDialect(t, DatabaseTypePostgreSQL).LimitOffset(10, 5))
	assert.Equal(t, " OFFSET 5", mustDialect(t, DatabaseTypePostgreSQL).LimitOffset(0, 5))
	assert.Equal(t, " LIMIT -1 OFFSET 5", mustDialect(t, DatabaseTypeSQLite).LimitOffset(0, 5))
	assert.Equal(t, "", mustDialect(t, DatabaseTypeMySQL).LimitOffset(0, 0))
}

func TestDSN(t *testing.T) {
	cfg := ConnectionConfig{Host: "db", Username: "u", Password: "p'w", Database: "acme"}
	assert.Equal(t, `host=db port=5432 user=u password='p\'w' dbname=acme sslmode=disable`, buildPostgreSQLDSN(cfg))
	assert.Equal(t, "u:p'w@tcp(db:3306)/acme?parseTime=true&loc=Local", buildMySQLDSN(cfg))
}

func TestDialectForRejectsUnknown(t *testing.T) {
	_, err := DialectFor(ConnectionConfig{DatabaseType: "oracle"})
	assert.Error(t, err)

	_, err = DialectFor(ConnectionConfig{DatabaseType: DatabaseTypePostgreSQL, Driver: "odbc"})
	assert.Error(t, err)
}
