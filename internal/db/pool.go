package db

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tabula-backend/internal/ident"
)

// ErrRegistryClosed is returned by Get after Close.
var ErrRegistryClosed = errors.New("connection registry is closed")

// Registry caches one pool per logical database. All pools share the base
// config's host, port and credentials.
type Registry struct {
	base    ConnectionConfig
	dialect Dialect
	logger  *zap.Logger

	mu     sync.Mutex
	pools  map[string]*Database
	closed bool

	group singleflight.Group
}

// NewRegistry creates an empty registry for base.
func NewRegistry(base ConnectionConfig, logger *zap.Logger) (*Registry, error) {
	dialect, err := DialectFor(base)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		base:    base,
		dialect: dialect,
		logger:  logger,
		pools:   make(map[string]*Database),
	}, nil
}

// Dialect returns the dialect shared by every pool.
func (r *Registry) Dialect() Dialect {
	return r.dialect
}

// Base returns the shared connection config.
func (r *Registry) Base() ConnectionConfig {
	return r.base
}

func (r *Registry) lookup(name string) (*Database, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrRegistryClosed
	}
	db, ok := r.pools[name]
	return db, ok, nil
}

// Get returns the pool for name, opening it on first use. Concurrent callers
// for the same name share one open attempt, so at most one pool per name is
// ever stored.
func (r *Registry) Get(ctx context.Context, name ident.Name) (*Database, error) {
	key := string(name)
	if db, ok, err := r.lookup(key); err != nil || ok {
		return db, err
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		if db, ok, err := r.lookup(key); err != nil || ok {
			return db, err
		}

		// the first caller's cancellation must not fail everyone waiting
		db, err := Connect(context.WithoutCancel(ctx), r.dialect.TenantConfig(r.base, name))
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			db.Close()
			return nil, ErrRegistryClosed
		}
		r.pools[key] = db
		r.logger.Debug("opened database pool", zap.String("database", key), zap.Int("pools", len(r.pools)))
		return db, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Database), nil
}

// Borrow returns the stored pool for name when one is open. Otherwise it
// opens a private connection that is never stored, so callers that only
// peek into a database cannot close a pool other requests hold. release must
// be called when done; it closes only the private connection.
func (r *Registry) Borrow(ctx context.Context, name ident.Name) (db *Database, release func(), err error) {
	if db, ok, err := r.lookup(string(name)); err != nil {
		return nil, nil, err
	} else if ok {
		return db, func() {}, nil
	}

	db, err = Connect(ctx, r.dialect.TenantConfig(r.base, name))
	if err != nil {
		return nil, nil, err
	}
	release = func() {
		if err := db.Close(); err != nil {
			r.logger.Warn("failed to close borrowed connection", zap.String("database", string(name)), zap.Error(err))
		}
	}
	return db, release, nil
}

// Report tells the registry that err happened on the pool for name. Fatal
// errors evict the pool so the next Get reconnects. It returns true when the
// pool was evicted.
func (r *Registry) Report(name ident.Name, err error) bool {
	if err == nil || !r.dialect.IsFatal(err) {
		return false
	}
	r.logger.Warn("evicting database pool after fatal error", zap.String("database", string(name)), zap.Error(err))
	return r.Evict(name)
}

// Evict closes and forgets the pool for name.
func (r *Registry) Evict(name ident.Name) bool {
	r.mu.Lock()
	db, ok := r.pools[string(name)]
	delete(r.pools, string(name))
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := db.Close(); err != nil {
		r.logger.Warn("failed to close database pool", zap.String("database", string(name)), zap.Error(err))
	}
	return true
}

// Has reports whether a pool for name is open.
func (r *Registry) Has(name ident.Name) bool {
	_, ok, _ := r.lookup(string(name))
	return ok
}

// Names returns the names of open pools, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// Len returns the number of open pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Close closes every pool. Get fails afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]*Database)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, db := range pools {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
