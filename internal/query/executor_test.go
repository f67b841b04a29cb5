package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabula-backend/internal/db"
)

func newExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	ctx := context.Background()
	cfg := db.NewConnectionBuilder(db.DatabaseTypeSQLite).DataDir(t.TempDir()).Config()
	registry, err := db.NewRegistry(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	pool, err := registry.Get(ctx, "acme")
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `CREATE TABLE people (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT,
		age TEXT,
		score INTEGER DEFAULT 0
	)`)
	require.NoError(t, err)
	_, err = pool.Execute(ctx, `INSERT INTO people (name, age, score) VALUES
		('Ada', '30', 5), ('Grace', '40', 7), ('Linus', '9', 1), ('Margaret', NULL, 3)`)
	require.NoError(t, err)

	e, err := New(ctx, pool, pool.Dialect(), "people", opts...)
	require.NoError(t, err)
	return e
}

func names(rows []map[string]interface{}) []interface{} {
	out := make([]interface{}, len(rows))
	for i, r := range rows {
		out[i] = r["name"]
	}
	return out
}

func TestNewUnknownTable(t *testing.T) {
	e := newExecutor(t)
	_, err := New(context.Background(), e.q, e.d, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "id", e.PrimaryKey())
	assert.Len(t, e.Columns(), 4)
}

func TestListWithoutFilterReturnsEverything(t *testing.T) {
	e := newExecutor(t)
	page, err := e.List(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Ada", "Grace", "Linus", "Margaret"}, names(page.Rows))
	assert.Nil(t, page.Count)
}

func TestListFilterOrderPage(t *testing.T) {
	e := newExecutor(t)
	ctx := context.Background()

	opts, err := ParseOData(map[string][]string{
		"$filter":  {"score ge 3"},
		"$orderby": {"score desc"},
		"$top":     {"2"},
		"$count":   {"true"},
	})
	require.NoError(t, err)
	page, err := e.List(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Grace", "Ada"}, names(page.Rows))
	require.NotNil(t, page.Count)
	assert.Equal(t, int64(3), *page.Count)

	opts.Skip = 2
	page, err = e.List(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Margaret"}, names(page.Rows))
}

func TestListTextColumnsCompareAsStrings(t *testing.T) {
	e := newExecutor(t)
	opts, err := ParseOData(map[string][]string{"$filter": {"age gt 30"}})
	require.NoError(t, err)

	page, err := e.List(context.Background(), opts)
	require.NoError(t, err)
	// '9' > '30' lexicographically
	assert.Equal(t, []interface{}{"Grace", "Linus"}, names(page.Rows))
}

func TestListEqualityParamsAndSelect(t *testing.T) {
	e := newExecutor(t)
	opts, err := ParseOData(map[string][]string{"name": {"Ada", "Linus"}, "$select": {"name"}})
	require.NoError(t, err)

	page, err := e.List(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{{"name": "Ada"}, {"name": "Linus"}}, page.Rows)
}

func TestListNullAndFunctions(t *testing.T) {
	e := newExecutor(t)
	ctx := context.Background()

	for src, want := range map[string][]interface{}{
		"age eq null":                        {"Margaret"},
		"startswith(name,'G')":               {"Grace"},
		"endswith(name,'us')":                {"Linus"},
		"contains(name,'a') and age ne null": {"Ada", "Grace"},
	} {
		expr, err := ParseFilter(src)
		require.NoError(t, err)
		page, err := e.List(ctx, Options{Filter: expr})
		require.NoError(t, err, src)
		assert.Equal(t, want, names(page.Rows), src)
	}
}

func TestListRejectsUnknownColumns(t *testing.T) {
	e := newExecutor(t)
	ctx := context.Background()
	var vErr *ValidationError

	_, err := e.List(ctx, Options{Select: []string{"salary"}})
	assert.ErrorAs(t, err, &vErr)
	_, err = e.List(ctx, Options{OrderBy: []OrderTerm{{Column: "salary"}}})
	assert.ErrorAs(t, err, &vErr)
	_, err = e.List(ctx, Options{Filter: Compare{Column: "salary", Op: OpEq, Value: "1"}})
	assert.ErrorAs(t, err, &vErr)
}

func TestListCapsPageSize(t *testing.T) {
	e := newExecutor(t, WithMaxPageSize(3))
	page, err := e.List(context.Background(), Options{Top: 50})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 3)
}

func TestCRUD(t *testing.T) {
	e := newExecutor(t)
	ctx := context.Background()

	created, err := e.Create(ctx, map[string]interface{}{"name": "Alan", "age": json.Number("41"), "score": json.Number("9")})
	require.NoError(t, err)
	assert.Equal(t, "Alan", created["name"])
	assert.Equal(t, "41", created["age"])
	assert.Equal(t, int64(9), created["score"])
	id := created["id"].(int64)
	assert.Equal(t, int64(5), id)

	got, err := e.Get(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	updated, err := e.Update(ctx, "5", map[string]interface{}{"age": 42, "id": 99})
	require.NoError(t, err)
	assert.Equal(t, "42", updated["age"])
	assert.Equal(t, int64(5), updated["id"])

	same, err := e.Update(ctx, "5", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, updated, same)

	require.NoError(t, e.Delete(ctx, "5"))
	assert.ErrorIs(t, e.Delete(ctx, "5"), ErrNotFound)
	_, err = e.Get(ctx, "5")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Update(ctx, "5", map[string]interface{}{"name": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = e.Get(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	e := newExecutor(t)
	ctx := context.Background()

	row, err := e.Create(ctx, map[string]interface{}{})
	require.NoError(t, err)
	assert.Nil(t, row["name"])
	assert.Equal(t, int64(0), row["score"])

	_, err = e.Create(ctx, map[string]interface{}{"salary": 1})
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}
