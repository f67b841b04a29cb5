package keys

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tabula-backend/internal/db"
	"tabula-backend/internal/ident"
)

// ResolverConfig tunes a Resolver.
type ResolverConfig struct {
	CacheSize   int
	NegativeTTL time.Duration
	// LegacyScan enables probing tenant api_keys tables when the directory
	// has no entry for a key.
	LegacyScan bool
	// ScanLimit bounds the number of databases one scan probes; zero means
	// no bound.
	ScanLimit int
	// Exclude lists databases that never hold tenant data.
	Exclude []string
}

// Resolved is a key resolved to its binding and an open pool.
type Resolved struct {
	Binding Binding
	DB      *db.Database
}

// Stats counts resolution outcomes.
type Stats struct {
	CacheHits     uint64
	DirectoryHits uint64
	LegacyHits    uint64
	Misses        uint64
	Probes        uint64
}

// Resolver maps API keys to tenant connections.
type Resolver struct {
	dir      *Directory
	registry *db.Registry
	admin    db.Querier
	cfg      ResolverConfig
	exclude  map[string]bool
	logger   *zap.Logger

	cache    *lru.Cache
	negative *lru.Cache
	group    singleflight.Group
	now      func() time.Time

	cacheHits, directoryHits, legacyHits, misses, probed atomic.Uint64
}

// NewResolver builds a resolver over dir. admin is used to enumerate tenant
// databases for the legacy scan and may be nil for file-backed engines.
func NewResolver(dir *Directory, registry *db.Registry, admin db.Querier, cfg ResolverConfig, logger *zap.Logger) (*Resolver, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	negative, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	exclude := map[string]bool{dir.Database(): true}
	for _, name := range registry.Dialect().SystemDatabases() {
		exclude[name] = true
	}
	for _, name := range cfg.Exclude {
		exclude[name] = true
	}

	return &Resolver{
		dir:      dir,
		registry: registry,
		admin:    admin,
		cfg:      cfg,
		exclude:  exclude,
		logger:   logger,
		cache:    cache,
		negative: negative,
		now:      time.Now,
	}, nil
}

// Directory returns the canonical key directory.
func (r *Resolver) Directory() *Directory {
	return r.dir
}

// Excluded reports whether name is a system or directory database.
func (r *Resolver) Excluded(name string) bool {
	return r.exclude[name]
}

// Resolve returns the binding for key together with its tenant pool.
func (r *Resolver) Resolve(ctx context.Context, key string) (*Resolved, error) {
	if !wellFormed(key) {
		return nil, ErrInvalidAPIKey
	}
	fp := Fingerprint(key)

	binding, err := r.binding(ctx, key, fp)
	if err != nil {
		return nil, err
	}

	name, err := ident.Parse(binding.Database)
	if err != nil {
		return nil, fmt.Errorf("api key bound to unusable database: %w", err)
	}
	pool, err := r.registry.Get(ctx, name)
	if err != nil {
		r.cache.Remove(fp)
		return nil, fmt.Errorf("open database %s: %w", binding.Database, err)
	}
	return &Resolved{Binding: binding, DB: pool}, nil
}

func (r *Resolver) binding(ctx context.Context, key, fp string) (Binding, error) {
	if v, ok := r.cache.Get(fp); ok {
		r.cacheHits.Add(1)
		return v.(Binding), nil
	}
	if v, ok := r.negative.Get(fp); ok {
		if r.now().Before(v.(time.Time)) {
			return Binding{}, ErrInvalidAPIKey
		}
		r.negative.Remove(fp)
	}

	v, err, _ := r.group.Do(fp, func() (interface{}, error) {
		b, err := r.lookup(context.WithoutCancel(ctx), key)
		if err != nil {
			return nil, err
		}
		r.cache.Add(fp, *b)
		return *b, nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			r.misses.Add(1)
			r.negative.Add(fp, r.now().Add(r.cfg.NegativeTTL))
		}
		return Binding{}, err
	}
	return v.(Binding), nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (*Binding, error) {
	b, err := r.dir.Lookup(ctx, key)
	if err == nil {
		if IsReserved(b.Table) {
			return nil, ErrInvalidAPIKey
		}
		r.directoryHits.Add(1)
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if !r.cfg.LegacyScan {
		return nil, ErrInvalidAPIKey
	}

	b, err = r.scan(ctx, key)
	if err != nil {
		return nil, err
	}
	r.legacyHits.Add(1)

	if err := r.dir.Put(ctx, *b); err != nil {
		r.logger.Warn("failed to migrate legacy api key", zap.String("database", b.Database), zap.Error(err))
	} else {
		r.logger.Info("migrated legacy api key into directory",
			zap.String("database", b.Database), zap.String("table", b.Table))
	}
	return b, nil
}

// tenantDatabases lists databases that may carry an api_keys table.
func (r *Resolver) tenantDatabases(ctx context.Context) ([]ident.Name, error) {
	names, err := r.registry.Dialect().ListDatabases(ctx, r.admin)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	out := make([]ident.Name, 0, len(names))
	for _, name := range names {
		if r.exclude[name] {
			continue
		}
		n, err := ident.Parse(name)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// withTenant runs fn against a borrowed connection to name. Probing never
// stores or closes a pool that requests may be using.
func (r *Resolver) withTenant(ctx context.Context, name ident.Name, fn func(*db.Database) error) error {
	pool, release, err := r.registry.Borrow(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	if err := fn(pool); err != nil {
		r.registry.Report(name, err)
		return err
	}
	return nil
}

func (r *Resolver) scan(ctx context.Context, key string) (*Binding, error) {
	names, err := r.tenantDatabases(ctx)
	if err != nil {
		return nil, err
	}
	if r.cfg.ScanLimit > 0 && len(names) > r.cfg.ScanLimit {
		r.logger.Warn("legacy key scan truncated", zap.Int("databases", len(names)), zap.Int("limit", r.cfg.ScanLimit))
		names = names[:r.cfg.ScanLimit]
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var found *Binding
		err := r.withTenant(ctx, name, func(pool *db.Database) error {
			r.probed.Add(1)
			b, err := lookupRegistry(ctx, pool, pool.Dialect(), key)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if !IsReserved(b.Table) {
				found = b
			}
			return nil
		})
		if err != nil {
			r.logger.Debug("skipping database in legacy key scan", zap.String("database", string(name)), zap.Error(err))
			continue
		}
		if found != nil {
			if found.Database == "" {
				found.Database = string(name)
			}
			return found, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// Remember caches b so the next Resolve of its key skips the directory, and
// clears any negative entry left from before the key existed.
func (r *Resolver) Remember(b Binding) {
	fp := Fingerprint(b.APIKey)
	r.negative.Remove(fp)
	r.cache.Add(fp, b)
}

// MigrateLegacy copies every per-database api_keys entry missing from the
// directory into it and returns the number of entries copied.
func (r *Resolver) MigrateLegacy(ctx context.Context) (int, error) {
	names, err := r.tenantDatabases(ctx)
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, name := range names {
		err := r.withTenant(ctx, name, func(pool *db.Database) error {
			list, err := listRegistry(ctx, pool, pool.Dialect())
			if err != nil {
				return err
			}
			for _, b := range list {
				if b.Database == "" {
					b.Database = string(name)
				}
				if IsReserved(b.Table) {
					continue
				}
				if _, err := r.dir.Lookup(ctx, b.APIKey); err == nil {
					continue
				} else if !errors.Is(err, ErrNotFound) {
					return err
				}
				if err := r.dir.Put(ctx, b); err != nil {
					return err
				}
				migrated++
			}
			return nil
		})
		if err != nil {
			return migrated, fmt.Errorf("migrate keys of %s: %w", name, err)
		}
	}
	r.logger.Info("legacy key migration finished", zap.Int("migrated", migrated), zap.Int("databases", len(names)))
	return migrated, nil
}

// Stats returns resolution counters.
func (r *Resolver) Stats() Stats {
	return Stats{
		CacheHits:     r.cacheHits.Load(),
		DirectoryHits: r.directoryHits.Load(),
		LegacyHits:    r.legacyHits.Load(),
		Misses:        r.misses.Load(),
		Probes:        r.probed.Load(),
	}
}
