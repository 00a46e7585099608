// Package db stores the reference server's records in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vonshlovens/fieldsync/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the database connection pool
type DB struct {
	Pool    *pgxpool.Pool
	connStr string
	Schema  string
	now     func() time.Time
}

// New creates a new database connection pool
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	db, err := Open(ctx, cfg.ConnectionString(), cfg.Schema)
	if err != nil {
		return nil, err
	}

	slog.Info("connected to database",
		"host", cfg.Host,
		"database", cfg.Database,
		"schema", cfg.Schema)

	return db, nil
}

// Open connects with a raw connection string
func Open(ctx context.Context, connStr, schema string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		Pool:    pool,
		connStr: connStr,
		Schema:  schema,
		now:     time.Now,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	if db.Pool != nil {
		db.Pool.Close()
		slog.Info("database connection closed")
	}
	return nil
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// EnsureSchema creates the schema if it doesn't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	if db.Schema == "" {
		return nil
	}

	_, err := db.Pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", db.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", db.Schema, err)
	}

	slog.Info("schema ready", "schema", db.Schema)
	return nil
}

// RunMigrations executes all pending database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	stdDB, err := db.prepareGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	if err := goose.UpContext(ctx, stdDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("migrations completed successfully", "schema", db.Schema)
	return nil
}

// MigrationStatus prints the current migration status
func (db *DB) MigrationStatus(ctx context.Context) error {
	stdDB, err := db.prepareGoose()
	if err != nil {
		return err
	}
	defer stdDB.Close()

	return goose.StatusContext(ctx, stdDB, "migrations")
}

func (db *DB) prepareGoose() (*sql.DB, error) {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set dialect: %w", err)
	}

	stdDB, err := sql.Open("pgx", db.connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdlib connection: %w", err)
	}

	// Keep the version table inside the schema to avoid conflicts
	if db.Schema != "" {
		goose.SetTableName(db.Schema + ".goose_db_version")
	}
	return stdDB, nil
}

// TableStats counts the records of one entity table
type TableStats struct {
	EntityType string
	Live       int
	Deleted    int
}

// Stats returns per-table record counts and the current clock value
func (db *DB) Stats(ctx context.Context) ([]TableStats, int64, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT entity_type,
		       COUNT(*) FILTER (WHERE NOT deleted),
		       COUNT(*) FILTER (WHERE deleted)
		FROM sync_records
		GROUP BY entity_type
		ORDER BY entity_type
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	var stats []TableStats
	for rows.Next() {
		var s TableStats
		if err := rows.Scan(&s.EntityType, &s.Live, &s.Deleted); err != nil {
			return nil, 0, err
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var clock int64
	if err := db.Pool.QueryRow(ctx, "SELECT value FROM sync_clock").Scan(&clock); err != nil {
		return nil, 0, fmt.Errorf("failed to read clock: %w", err)
	}
	return stats, clock, nil
}
