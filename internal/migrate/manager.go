// Package migrate applies the embedded schema migrations and seed files with
// goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	"github.com/pressly/goose/v3/lock"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

var ErrNothingApplied = errors.New("no migrations applied")

// runner is the subset of *goose.Provider the manager drives.
type runner interface {
	Up(ctx context.Context) ([]*goose.MigrationResult, error)
	Down(ctx context.Context) (*goose.MigrationResult, error)
	Status(ctx context.Context) ([]*goose.MigrationStatus, error)
}

// Manager runs schema migrations from the root of a file system and,
// optionally, seed files from a sub-directory. Each set keeps its own
// version table.
type Manager struct {
	migrations runner
	seeds      runner
}

type options struct {
	migrationsTable string
	seedsTable      string
	seedsDir        string
	verbose         bool
}

type Option func(*options)

func WithMigrationsTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.migrationsTable = name
		}
	}
}

func WithSeedsTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.seedsTable = name
		}
	}
}

// WithSeedsDir points Seed at a directory inside the file system.
// An empty dir disables seeding.
func WithSeedsDir(dir string) Option {
	return func(o *options) { o.seedsDir = dir }
}

func WithVerbose(verbose bool) Option {
	return func(o *options) { o.verbose = verbose }
}

// NewManager builds goose providers over files. Schema changes take a
// Postgres session lock so concurrent deploys apply each version once.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) (*Manager, error) {
	o := options{
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(&o)
	}

	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, fmt.Errorf("session locker: %w", err)
	}
	migrations, err := newProvider(db, files, o.migrationsTable, o.verbose, goose.WithSessionLocker(locker))
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	m := &Manager{migrations: migrations}

	if o.seedsDir != "" {
		sub, err := fs.Sub(files, o.seedsDir)
		if err != nil {
			return nil, fmt.Errorf("seeds dir %s: %w", o.seedsDir, err)
		}
		seeds, err := newProvider(db, sub, o.seedsTable, o.verbose)
		if err != nil {
			return nil, fmt.Errorf("seeds: %w", err)
		}
		m.seeds = seeds
	}
	return m, nil
}

func newProvider(db *sql.DB, files fs.FS, table string, verbose bool, extra ...goose.ProviderOption) (*goose.Provider, error) {
	store, err := database.NewStore(database.DialectPostgres, table)
	if err != nil {
		return nil, err
	}
	opts := append([]goose.ProviderOption{
		goose.WithStore(store),
		goose.WithVerbose(verbose),
		goose.WithDisableGlobalRegistry(true),
	}, extra...)
	return goose.NewProvider("", db, files, opts...)
}

// Up applies all pending migrations in version order and returns the file
// names applied. On failure the names applied before it are still returned.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	return applyAll(ctx, m.migrations)
}

// Down rolls back the most recent applied migration and returns its name.
func (m *Manager) Down(ctx context.Context) (string, error) {
	res, err := m.migrations.Down(ctx)
	if errors.Is(err, goose.ErrNoNextVersion) {
		return "", ErrNothingApplied
	}
	if err != nil {
		var partial *goose.PartialError
		if errors.As(err, &partial) && partial.Failed != nil {
			return "", fmt.Errorf("rollback migration %s: %w", sourceName(partial.Failed.Source), partial.Err)
		}
		return "", err
	}
	if res == nil {
		return "", ErrNothingApplied
	}
	return sourceName(res.Source), nil
}

type Status struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
}

func (s Status) String() string {
	if !s.Applied {
		return s.Name + " pending"
	}
	return s.Name + " applied " + s.AppliedAt.UTC().Format(time.RFC3339)
}

// Status lists every known migration in version order.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	states, err := m.migrations.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(states))
	for _, st := range states {
		out = append(out, Status{
			Name:      sourceName(st.Source),
			Applied:   st.State == goose.StateApplied,
			AppliedAt: st.AppliedAt,
		})
	}
	return out, nil
}

// Seed applies seed files that have not run yet. It is a no-op when seeding
// is disabled.
func (m *Manager) Seed(ctx context.Context) ([]string, error) {
	if m.seeds == nil {
		return nil, nil
	}
	names, err := applyAll(ctx, m.seeds)
	if err != nil {
		return names, fmt.Errorf("seed: %w", err)
	}
	return names, nil
}

func applyAll(ctx context.Context, r runner) ([]string, error) {
	results, err := r.Up(ctx)
	if err != nil {
		var partial *goose.PartialError
		if errors.As(err, &partial) {
			names := resultNames(partial.Applied)
			if partial.Failed != nil {
				return names, fmt.Errorf("apply %s: %w", sourceName(partial.Failed.Source), partial.Err)
			}
			return names, partial.Err
		}
		return nil, err
	}
	return resultNames(results), nil
}

func resultNames(results []*goose.MigrationResult) []string {
	names := make([]string, 0, len(results))
	for _, res := range results {
		if res == nil {
			continue
		}
		names = append(names, sourceName(res.Source))
	}
	return names
}

func sourceName(src *goose.Source) string {
	if src == nil {
		return ""
	}
	return path.Base(src.Path)
}
