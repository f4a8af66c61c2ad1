// Package migrate applies the deployment schema with goose.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const commandTimeout = time.Minute

// Runner drives goose against the deployment schema. It holds a separate
// database/sql handle because goose does not speak pgx natively; liveness
// checks go through the shared pgx pool.
type Runner struct {
	pool *pgxpool.Pool
	db   *sql.DB
	dir  string
	log  *slog.Logger
}

// New validates the migration setup and opens the goose database handle.
func New(pool *pgxpool.Pool, databaseURL, migrationsDir string, log *slog.Logger) (Runner, error) {
	if pool == nil {
		return Runner{}, errors.New("nil pool provided")
	}
	if databaseURL == "" {
		return Runner{}, errors.New("empty database url")
	}
	if migrationsDir == "" {
		return Runner{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(migrationsDir); err != nil {
		return Runner{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return Runner{}, fmt.Errorf("open migration connection: %w", err)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return Runner{}, fmt.Errorf("configure goose dialect: %w", err)
	}

	return Runner{pool: pool, db: db, dir: migrationsDir, log: log}, nil
}

// Ensure applies every pending migration.
func (r Runner) Ensure(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	r.log.Info("applying schema migrations", "dir", r.dir)
	if err := goose.UpContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	r.log.Info("schema up to date")
	return nil
}

// Status prints applied and pending migrations.
func (r Runner) Status(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := goose.StatusContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration, or everything above
// targetVersion when it is positive.
func (r Runner) Down(ctx context.Context, targetVersion int64) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if targetVersion > 0 {
		r.log.Info("rolling schema back", "target_version", targetVersion)
		if err := goose.DownToContext(runCtx, r.db, r.dir, targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}
	r.log.Info("rolling back last migration")
	if err := goose.DownContext(runCtx, r.db, r.dir); err != nil {
		return fmt.Errorf("rollback last migration: %w", err)
	}
	return nil
}

// Ping verifies database connectivity through the pgx pool.
func (r Runner) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the goose handle and the shared pool.
func (r Runner) Close() {
	_ = r.db.Close()
	r.pool.Close()
}
