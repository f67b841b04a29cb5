package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabula-backend/internal/ident"
)

func newSQLiteRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := NewConnectionBuilder(DatabaseTypeSQLite).DataDir(t.TempDir()).Config()
	r, err := NewRegistry(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryGetIsAtomic(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*Database, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db, err := r.Get(ctx, "acme")
			assert.NoError(t, err)
			got[i] = db
		}(i)
	}
	wg.Wait()

	for _, db := range got {
		assert.Same(t, got[0], db)
	}
	assert.Equal(t, []string{"acme"}, r.Names())
	assert.Equal(t, 1, r.Len())
}

func TestRegistryReportEvictsOnlyFatal(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()

	first, err := r.Get(ctx, "acme")
	require.NoError(t, err)

	assert.False(t, r.Report("acme", errors.New("syntax error")))
	assert.True(t, r.Has("acme"))

	assert.True(t, r.Report("acme", fmt.Errorf("query: %w", driver.ErrBadConn)))
	assert.False(t, r.Has("acme"))

	second, err := r.Get(ctx, "acme")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestRegistryBorrowNeverClosesStoredPools(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()

	// nothing stored yet: the borrowed connection is private
	borrowed, release, err := r.Borrow(ctx, "acme")
	require.NoError(t, err)
	assert.False(t, r.Has("acme"))

	// a request opens the shared pool while the borrow is outstanding
	shared, err := r.Get(ctx, "acme")
	require.NoError(t, err)
	assert.NotSame(t, borrowed, shared)

	release()
	assert.True(t, r.Has("acme"))
	_, err = shared.Query(ctx, "SELECT 1")
	require.NoError(t, err)

	// with a stored pool, Borrow hands it out and release leaves it open
	again, release, err := r.Borrow(ctx, "acme")
	require.NoError(t, err)
	assert.Same(t, shared, again)
	release()
	_, err = shared.Query(ctx, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryBorrowConcurrentWithGet(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				db, release, err := r.Borrow(ctx, "acme")
				if !assert.NoError(t, err) {
					return
				}
				_, err = db.Query(ctx, "SELECT 1")
				assert.NoError(t, err)
				release()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				db, err := r.Get(ctx, "acme")
				if !assert.NoError(t, err) {
					return
				}
				_, err = db.Query(ctx, "SELECT 1")
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"acme"}, r.Names())
}

func TestRegistryClose(t *testing.T) {
	r := newSQLiteRegistry(t)
	_, err := r.Get(context.Background(), "acme")
	require.NoError(t, err)

	require.NoError(t, r.Close())
	_, err = r.Get(context.Background(), "acme")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestSQLiteCatalog(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()
	d := r.Dialect()

	exists, err := d.DatabaseExists(ctx, nil, "acme")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, d.CreateDatabase(ctx, nil, "acme"))
	err = d.CreateDatabase(ctx, nil, "acme")
	require.Error(t, err)
	assert.True(t, d.IsAlreadyExists(err))

	names, err := d.ListDatabases(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, names)

	db, err := r.Get(ctx, "acme")
	require.NoError(t, err)

	table := ident.Name("people")
	_, err = db.Execute(ctx, "CREATE TABLE "+d.Quote(table)+" ("+d.SerialPrimaryKey("id")+", "+d.Quote("name")+" TEXT NOT NULL)")
	require.NoError(t, err)

	ok, err := d.TableExists(ctx, db, table)
	require.NoError(t, err)
	assert.True(t, ok)

	tables, err := d.ListTables(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, tables)

	cols, err := d.Columns(ctx, db, table)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, ColumnInfo{Name: "id", Type: "INTEGER", PrimaryKey: true}, cols[0])
	assert.Equal(t, ColumnInfo{Name: "name", Type: "TEXT"}, cols[1])
	assert.True(t, cols[1].IsText())
	assert.False(t, cols[0].IsText())

	n, err := BatchInsert(ctx, db, d, table, []ident.Name{"name"}, [][]interface{}{{"Ada"}, {"Grace"}, {"Linus"}}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := CountRows(ctx, db, d, table)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	rs, err := db.Query(ctx, "SELECT id, name FROM people ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, []map[string]interface{}{
		{"id": int64(1), "name": "Ada"},
		{"id": int64(2), "name": "Grace"},
		{"id": int64(3), "name": "Linus"},
	}, rs.Maps())

	_, err = db.QueryRow(ctx, "SELECT id FROM people WHERE name = ?", "nobody")
	assert.ErrorIs(t, err, ErrNoRows)

	require.NoError(t, DropTable(ctx, db, d, table))
	ok, err = d.TableExists(ctx, db, table)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTransactionRollsBack(t *testing.T) {
	r := newSQLiteRegistry(t)
	ctx := context.Background()
	db, err := r.Get(ctx, "acme")
	require.NoError(t, err)

	_, err = db.Execute(ctx, `CREATE TABLE t (v TEXT)`)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = db.WithTransaction(ctx, func(tx *Transaction) error {
		if _, err := tx.Execute(ctx, `INSERT INTO t (v) VALUES (?)`, "x"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	count, err := CountRows(ctx, db, db.Dialect(), "t")
	require.NoError(t, err)
	assert.Zero(t, count)
}
