package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula-backend/internal/db"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		src  string
		want Expr
	}{
		{"age gt 30", Compare{Column: "age", Op: OpGt, Value: int64(30)}},
		{"name eq 'O''Brien'", Compare{Column: "name", Op: OpEq, Value: "O'Brien"}},
		{"score le -1.5", Compare{Column: "score", Op: OpLe, Value: -1.5}},
		{"active eq true", Compare{Column: "active", Op: OpEq, Value: true}},
		{"city ne null", Compare{Column: "city", Op: OpNe, Value: nil}},
		{"contains(name,'ad')", Call{Func: FuncContains, Column: "name", Value: "ad"}},
		{"a eq 1 or b eq 2 and c eq 3", Logical{
			Op:   OpOr,
			Left: Compare{Column: "a", Op: OpEq, Value: int64(1)},
			Right: Logical{
				Op:    OpAnd,
				Left:  Compare{Column: "b", Op: OpEq, Value: int64(2)},
				Right: Compare{Column: "c", Op: OpEq, Value: int64(3)},
			},
		}},
		{"not (a eq 1 Or a eq 2)", Not{Expr: Logical{
			Op:    OpOr,
			Left:  Compare{Column: "a", Op: OpEq, Value: int64(1)},
			Right: Compare{Column: "a", Op: OpEq, Value: int64(2)},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := ParseFilter(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFilterErrors(t *testing.T) {
	for _, src := range []string{
		"age",
		"age gt",
		"age like 3",
		"name eq 'open",
		"(a eq 1",
		"a eq 1 b",
		"a gt null",
		"contains(name, 3)",
		"a eq 1; drop table x",
	} {
		_, err := ParseFilter(src)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr, src)
	}
}

func TestParseOData(t *testing.T) {
	values := url.Values{
		"$filter":  {"age ge 18"},
		"$orderby": {"name desc, age"},
		"$top":     {"10"},
		"$skip":    {"20"},
		"$select":  {"name, age"},
		"$count":   {"true"},
		"city":     {"London", "Paris"},
	}
	opts, err := ParseOData(values)
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "age"}, opts.Select)
	assert.Equal(t, []OrderTerm{{Column: "name", Desc: true}, {Column: "age"}}, opts.OrderBy)
	assert.Equal(t, 10, opts.Top)
	assert.Equal(t, 20, opts.Skip)
	assert.True(t, opts.Count)
	assert.Equal(t, Logical{
		Op:   OpAnd,
		Left: Compare{Column: "age", Op: OpGe, Value: int64(18)},
		Right: Logical{
			Op:    OpOr,
			Left:  Compare{Column: "city", Op: OpEq, Value: "London"},
			Right: Compare{Column: "city", Op: OpEq, Value: "Paris"},
		},
	}, opts.Filter)
}

func TestParseODataEmpty(t *testing.T) {
	opts, err := ParseOData(url.Values{})
	require.NoError(t, err)
	assert.Nil(t, opts.Filter)
}

func TestParseODataErrors(t *testing.T) {
	for _, v := range []url.Values{
		{"$top": {"-1"}},
		{"$skip": {"x"}},
		{"$count": {"maybe"}},
		{"$orderby": {"name sideways"}},
		{"$expand": {"x"}},
	} {
		_, err := ParseOData(v)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr, v.Encode())
	}
}

func TestCompile(t *testing.T) {
	d, err := db.DialectFor(db.ConnectionConfig{DatabaseType: db.DatabaseTypePostgreSQL})
	require.NoError(t, err)
	c := &compiler{d: d, columns: map[string]db.ColumnInfo{
		"name": {Name: "name", Type: "text"},
		"age":  {Name: "age", Type: "text"},
		"n":    {Name: "n", Type: "integer"},
	}}

	expr, err := ParseFilter("(age gt 30 and not contains(name,'50%')) or n eq 7 or name eq null")
	require.NoError(t, err)
	where, err := c.where(expr)
	require.NoError(t, err)

	assert.Equal(t, ` WHERE ((("age" > $1 AND NOT ("name" LIKE $2 ESCAPE '!')) OR "n" = $3) OR "name" IS NULL)`, where)
	assert.Equal(t, []interface{}{"30", "%50!%%", int64(7)}, c.args)
}

func TestCompileRejectsUnknownColumns(t *testing.T) {
	d, err := db.DialectFor(db.ConnectionConfig{DatabaseType: db.DatabaseTypeSQLite})
	require.NoError(t, err)
	c := &compiler{d: d, columns: map[string]db.ColumnInfo{"n": {Name: "n", Type: "INTEGER"}}}

	for _, src := range []string{"missing eq 1", "contains(n,'1')"} {
		expr, err := ParseFilter(src)
		require.NoError(t, err)
		_, err = c.where(expr)
		var vErr *ValidationError
		assert.ErrorAs(t, err, &vErr, src)
	}

	_, err = c.where(Compare{Column: `n"; drop`, Op: OpEq, Value: "1"})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}
