// Package postgres implements snapshot.Manager with snapshot metadata in
// PostgreSQL. Only locations and epochs are stored; checkpoint data lives on
// a volume shared with the compute session.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/emberlane/rollupd/internal/idgen"
	"github.com/emberlane/rollupd/internal/model"
	"github.com/emberlane/rollupd/internal/snapshot"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Manager implements snapshot.Manager backed by a PostgreSQL database.
// Snapshot data directories are allocated under baseDir.
type Manager struct {
	db      *sql.DB
	baseDir string
}

var _ snapshot.Manager = (*Manager)(nil)

// New opens a connection to the database at the given URL, configures the
// connection pool, and runs any pending migrations.
func New(databaseURL, baseDir string) (*Manager, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Manager{db: db, baseDir: baseDir}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (m *Manager) Close() error {
	return m.db.Close()
}

func (m *Manager) GetLatest(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := m.db.QueryRowContext(ctx,
		`SELECT epoch, uri FROM snapshots ORDER BY epoch DESC LIMIT 1`,
	).Scan(&snap.Epoch, &snap.Path)
	if err == sql.ErrNoRows {
		return model.Snapshot{}, snapshot.ErrNoSnapshot
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return snap, nil
}

func (m *Manager) GetStorageDirectory(_ context.Context, epoch uint64) (model.Snapshot, error) {
	suffix, err := idgen.Generate()
	if err != nil {
		return model.Snapshot{}, err
	}
	return model.Snapshot{
		Path:  filepath.Join(m.baseDir, fmt.Sprintf("epoch-%d-%s", epoch, suffix)),
		Epoch: epoch,
	}, nil
}

func (m *Manager) SetLatest(ctx context.Context, snap model.Snapshot) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO snapshots (epoch, uri) VALUES ($1, $2)
		 ON CONFLICT (epoch) DO UPDATE SET uri = EXCLUDED.uri, created_at = now()`,
		snap.Epoch, snap.Path,
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}
