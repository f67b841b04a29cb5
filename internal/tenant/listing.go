package tenant

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"tabula-backend/internal/ident"
	"tabula-backend/internal/keys"
)

// DatabaseInfo is one entry of ListDatabases.
type DatabaseInfo struct {
	Name   string   `json:"name"`
	Tables []string `json:"tables"`
	APIKey string   `json:"apiKey"`
}

// ListDatabases returns every tenant database with its tables and the key of
// its oldest binding. System databases and the key directory are skipped.
func (p *Provisioner) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	d := p.dialect()
	names, err := d.ListDatabases(ctx, p.admin)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	sort.Strings(names)

	out := make([]DatabaseInfo, 0, len(names))
	for _, raw := range names {
		if p.resolver.Excluded(raw) {
			continue
		}
		name, err := ident.Parse(raw)
		if err != nil {
			// created outside this service
			continue
		}

		info := DatabaseInfo{Name: raw, Tables: []string{}}
		tables, err := p.tables(ctx, name)
		if err != nil {
			p.logger.Warn("failed to list tables", zap.String("database", raw), zap.Error(err))
		} else {
			info.Tables = tables
		}

		bindings, err := p.directory.ListByDatabase(ctx, raw)
		if err != nil {
			return nil, err
		}
		if len(bindings) > 0 {
			info.APIKey = bindings[0].APIKey
			if !p.showKeys {
				info.APIKey = keys.Mask(info.APIKey)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// tables lists the data tables of name over a borrowed connection.
func (p *Provisioner) tables(ctx context.Context, name ident.Name) ([]string, error) {
	pool, release, err := p.registry.Borrow(ctx, name)
	if err != nil {
		return nil, err
	}
	defer release()

	all, err := pool.Dialect().ListTables(ctx, pool)
	if err != nil {
		p.registry.Report(name, err)
		return nil, err
	}
	tables := make([]string, 0, len(all))
	for _, t := range all {
		if keys.IsReserved(t) {
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}
