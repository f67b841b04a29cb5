// Package tenant provisions per-tenant databases and tables from uploaded
// tabular data and manages their schema afterwards.
package tenant

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tabula-backend/internal/db"
	"tabula-backend/internal/events"
	"tabula-backend/internal/ingest"
	"tabula-backend/internal/keys"
)

// PrimaryKeyColumn is the synthetic key prepended to every table.
const PrimaryKeyColumn = ingest.ReservedColumn

var (
	// ErrAlreadyExists is returned in Reject mode when the database or table
	// exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotFound is returned by schema edits on missing databases, tables or
	// columns.
	ErrNotFound = errors.New("not found")
)

// Mode selects what provisioning does when the target already exists.
type Mode string

const (
	// Reuse keeps an existing database and table and appends rows.
	Reuse Mode = "reuse"
	// Reject fails with ErrAlreadyExists.
	Reject Mode = "reject"
)

// ParseMode parses an onConflict value; empty means Reuse.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Reuse:
		return Reuse, nil
	case Reject:
		return Reject, nil
	}
	return "", &SchemaError{Message: fmt.Sprintf("unknown onConflict mode %q", s)}
}

// ProvisioningError reports a failure after validation passed. The table is
// dropped if this call created it; the database is kept.
type ProvisioningError struct {
	Database string
	Table    string
	Stage    string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s.%s failed to %s: %v", e.Database, e.Table, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// SchemaError reports an unusable column definition or schema change.
type SchemaError struct {
	Column  string
	Message string
	Err     error
}

func (e *SchemaError) Error() string {
	if e.Column == "" {
		return e.Message
	}
	return fmt.Sprintf("column %q: %s", e.Column, e.Message)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Observer receives provisioning outcomes, e.g. for metrics.
type Observer interface {
	ObserveProvision(outcome string, rows int64, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveProvision(string, int64, time.Duration) {}

// Provisioner creates tenant databases and tables and issues their keys.
type Provisioner struct {
	registry  *db.Registry
	admin     db.Querier
	resolver  *keys.Resolver
	directory *keys.Directory

	events    events.Publisher
	observer  Observer
	batchSize int
	showKeys  bool
	logger    *zap.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithEvents publishes progress events to p.
func WithEvents(p events.Publisher) Option {
	return func(pr *Provisioner) { pr.events = p }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(pr *Provisioner) { pr.observer = o }
}

// WithBatchSize sets the rows per INSERT statement.
func WithBatchSize(n int) Option {
	return func(pr *Provisioner) { pr.batchSize = n }
}

// WithListingKeys controls whether ListDatabases returns keys in clear.
func WithListingKeys(show bool) Option {
	return func(pr *Provisioner) { pr.showKeys = show }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(pr *Provisioner) { pr.logger = l }
}

// New returns a provisioner. admin runs database-level statements and may be
// nil for file-backed engines.
func New(registry *db.Registry, admin db.Querier, resolver *keys.Resolver, opts ...Option) *Provisioner {
	p := &Provisioner{
		registry:  registry,
		admin:     admin,
		resolver:  resolver,
		directory: resolver.Directory(),
		events:    events.Discard,
		observer:  nopObserver{},
		batchSize: 500,
		showKeys:  true,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provisioner) dialect() db.Dialect {
	return p.registry.Dialect()
}
