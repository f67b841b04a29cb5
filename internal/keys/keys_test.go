package keys

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

type fixture struct {
	registry *db.Registry
	dir      *Directory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := db.NewConnectionBuilder(db.DatabaseTypeSQLite).DataDir(t.TempDir()).Config()
	registry, err := db.NewRegistry(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	pool, err := registry.Get(ctx, "directory")
	require.NoError(t, err)
	dir := NewDirectory(pool)
	require.NoError(t, dir.Ensure(ctx))
	require.NoError(t, dir.Ensure(ctx))
	return &fixture{registry: registry, dir: dir}
}

func (f *fixture) resolver(t *testing.T, cfg ResolverConfig) *Resolver {
	t.Helper()
	r, err := NewResolver(f.dir, f.registry, nil, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return r
}

// legacyTenant creates a tenant database carrying only an api_keys entry.
func (f *fixture) legacyTenant(t *testing.T, name, table, key string) {
	t.Helper()
	ctx := context.Background()
	d := f.registry.Dialect()
	require.NoError(t, d.CreateDatabase(ctx, nil, ident.MustParse(name)))
	pool, err := f.registry.Get(ctx, ident.MustParse(name))
	require.NoError(t, err)
	require.NoError(t, PutRegistry(ctx, pool, d, Binding{APIKey: key, Database: name, Table: table}))
	f.registry.Evict(ident.MustParse(name))
}

func TestGenerate(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)

	assert.Len(t, a, 2*KeyBytes)
	_, err = hex.DecodeString(a)
	assert.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "********cdef", Mask("0123456789abcdef"))
	assert.Equal(t, "***", Mask("abc"))
}

func TestDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dir.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	older := Binding{APIKey: "k1", Database: "acme", Table: "people", OrganizationID: "org-1", CreatedAt: time.Now().Add(-time.Hour).UTC()}
	newer := Binding{APIKey: "k2", Database: "acme", Table: "people"}
	other := Binding{APIKey: "k3", Database: "acme", Table: "orders"}
	for _, b := range []Binding{older, newer, other} {
		require.NoError(t, f.dir.Put(ctx, b))
	}
	require.NoError(t, f.dir.Put(ctx, older))

	got, err := f.dir.Lookup(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Database)
	assert.Equal(t, "people", got.Table)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.WithinDuration(t, older.CreatedAt, got.CreatedAt, time.Second)

	got, err = f.dir.FindByTable(ctx, "acme", "people")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.APIKey)

	_, err = f.dir.FindByTable(ctx, "acme", "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := f.dir.ListByDatabase(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestResolveFromDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Dialect().CreateDatabase(ctx, nil, "acme"))
	require.NoError(t, f.dir.Put(ctx, Binding{APIKey: "key1", Database: "acme", Table: "people"}))

	r := f.resolver(t, ResolverConfig{})
	res, err := r.Resolve(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, "people", res.Binding.Table)
	assert.Equal(t, "acme", res.DB.Name())

	_, err = r.Resolve(ctx, "key1")
	require.NoError(t, err)
	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.DirectoryHits)
	assert.Equal(t, uint64(1), stats.CacheHits)
}

func TestResolveUnknownKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.resolver(t, ResolverConfig{LegacyScan: true})

	_, err := r.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = r.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	assert.Equal(t, uint64(1), r.Stats().Misses)

	_, err = r.Resolve(ctx, "bad key; drop")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))
}

func TestResolveLegacyScanMigrates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.legacyTenant(t, "alpha", "things", "alphakey")
	f.legacyTenant(t, "beta", "people", "betakey")

	r := f.resolver(t, ResolverConfig{LegacyScan: true})
	res, err := r.Resolve(ctx, "betakey")
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Binding.Database)
	assert.Equal(t, "people", res.Binding.Table)
	assert.Equal(t, uint64(1), r.Stats().LegacyHits)

	// scanning stores only the resolved tenant's pool
	assert.False(t, f.registry.Has("alpha"))
	assert.True(t, f.registry.Has("beta"))

	b, err := f.dir.Lookup(ctx, "betakey")
	require.NoError(t, err)
	assert.Equal(t, "beta", b.Database)
}

func TestResolveLegacyScanDisabledOrBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.legacyTenant(t, "alpha", "things", "alphakey")
	f.legacyTenant(t, "beta", "people", "betakey")

	_, err := f.resolver(t, ResolverConfig{}).Resolve(ctx, "alphakey")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = f.resolver(t, ResolverConfig{LegacyScan: true, ScanLimit: 1}).Resolve(ctx, "betakey")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestResolveRefusesKeyRegistryBindings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.legacyTenant(t, "alpha", RegistryTable, "registrykey")
	require.NoError(t, f.registry.Dialect().CreateDatabase(ctx, nil, "beta"))
	require.NoError(t, f.dir.Put(ctx, Binding{APIKey: "directorykey", Database: "beta", Table: "API_KEYS"}))

	r := f.resolver(t, ResolverConfig{LegacyScan: true})
	_, err := r.Resolve(ctx, "registrykey")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = r.Resolve(ctx, "directorykey")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	n, err := r.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIsReserved(t *testing.T) {
	assert.True(t, IsReserved("api_keys"))
	assert.True(t, IsReserved("Api_Keys"))
	assert.True(t, IsReserved("db_collection"))
	assert.False(t, IsReserved("people"))
}

func TestRememberClearsNegativeEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Dialect().CreateDatabase(ctx, nil, "acme"))
	r := f.resolver(t, ResolverConfig{})

	_, err := r.Resolve(ctx, "fresh")
	require.ErrorIs(t, err, ErrInvalidAPIKey)

	b := Binding{APIKey: "fresh", Database: "acme", Table: "people"}
	require.NoError(t, f.dir.Put(ctx, b))
	r.Remember(b)

	res, err := r.Resolve(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "people", res.Binding.Table)
}

func TestMigrateLegacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.legacyTenant(t, "alpha", "things", "alphakey")
	f.legacyTenant(t, "beta", "people", "betakey")

	r := f.resolver(t, ResolverConfig{})
	n, err := r.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	res, err := r.Resolve(ctx, "alphakey")
	require.NoError(t, err)
	assert.Equal(t, "things", res.Binding.Table)
}
