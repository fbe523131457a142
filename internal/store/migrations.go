package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/CrisisTextLine/timer-platform/internal/events"
)

// Migration event types emitted while applying schema changes.
const (
	EventTypeMigrationStarted   = "com.timerplatform.store.migration.started"
	EventTypeMigrationCompleted = "com.timerplatform.store.migration.completed"
	EventTypeMigrationFailed    = "com.timerplatform.store.migration.failed"
)

// migrationsTable tracks which migrations have been applied.
const migrationsTable = "schema_migrations"

// Migration is one versioned schema change. Migrations hold a single
// statement each; the pgx driver's extended protocol rejects multi-statement
// strings.
type Migration struct {
	ID      string
	Version string
	SQL     string
}

// EventEmitter receives migration lifecycle events. Optional; a nil emitter
// disables event emission.
type EventEmitter interface {
	EmitEvent(ctx context.Context, event cloudevents.Event) error
}

// Migrations returns the timers schema for the given dialect, unsorted.
// The runner orders them by version before applying.
func Migrations(dialect Dialect) []Migration {
	if dialect == DialectSQLite {
		return []Migration{
			{
				ID:      "0001_create_timers",
				Version: "0001",
				SQL: `CREATE TABLE IF NOT EXISTS timers (
					id            TEXT PRIMARY KEY,
					created_at    TEXT NOT NULL,
					updated_at    TEXT NOT NULL,
					execute_at    TEXT NOT NULL,
					callback_type TEXT NOT NULL,
					callback      TEXT NOT NULL,
					status        TEXT NOT NULL,
					last_error    TEXT,
					executed_at   TEXT,
					metadata      TEXT
				)`,
			},
			{
				ID:      "0002_index_timers_status_execute_at",
				Version: "0002",
				SQL:     `CREATE INDEX IF NOT EXISTS idx_timers_status_execute_at ON timers (status, execute_at)`,
			},
		}
	}

	return []Migration{
		{
			ID:      "0001_create_timers",
			Version: "0001",
			SQL: `CREATE TABLE IF NOT EXISTS timers (
				id            UUID PRIMARY KEY,
				created_at    TIMESTAMPTZ NOT NULL,
				updated_at    TIMESTAMPTZ NOT NULL,
				execute_at    TIMESTAMPTZ NOT NULL,
				callback_type TEXT NOT NULL,
				callback      JSONB NOT NULL,
				status        TEXT NOT NULL,
				last_error    TEXT,
				executed_at   TIMESTAMPTZ,
				metadata      JSONB
			)`,
		},
		{
			ID:      "0002_index_timers_status_execute_at",
			Version: "0002",
			SQL:     `CREATE INDEX IF NOT EXISTS idx_timers_status_execute_at ON timers (status, execute_at)`,
		},
	}
}

// MigrationRunner applies migrations in version order, tracking applied ids
// in the schema_migrations table. Each migration runs in its own
// transaction.
type MigrationRunner struct {
	db      *sql.DB
	dialect Dialect
	emitter EventEmitter
}

// NewMigrationRunner creates a runner for the given handle. emitter may be
// nil.
func NewMigrationRunner(db *sql.DB, dialect Dialect, emitter EventEmitter) *MigrationRunner {
	return &MigrationRunner{db: db, dialect: dialect, emitter: emitter}
}

// Migrate applies the full timers schema to the store's database.
func (s *SQLStore) Migrate(ctx context.Context, emitter EventEmitter) error {
	runner := NewMigrationRunner(s.db, s.dialect, emitter)
	return runner.RunMigrations(ctx, Migrations(s.dialect))
}

// RunMigrations applies every not-yet-applied migration in version order.
func (r *MigrationRunner) RunMigrations(ctx context.Context, migrations []Migration) error {
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := r.createMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := r.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.ID] {
			continue
		}
		if err := r.runMigration(ctx, migration); err != nil {
			return err
		}
	}
	return nil
}

func (r *MigrationRunner) createMigrationsTable(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, migrationsTable)
	if r.dialect == DialectSQLite {
		stmt = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, migrationsTable)
	}

	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (r *MigrationRunner) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT id FROM %s", migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}
	return applied, nil
}

// runMigration executes a single migration and its tracking insert inside
// one transaction.
func (r *MigrationRunner) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()
	r.emit(ctx, EventTypeMigrationStarted, migration, start, nil)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.emit(ctx, EventTypeMigrationFailed, migration, start, err)
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		r.emit(ctx, EventTypeMigrationFailed, migration, start, err)
		return fmt.Errorf("failed to execute migration %s: %w", migration.ID, err)
	}

	record := fmt.Sprintf("INSERT INTO %s (id, version) VALUES ($1, $2)", migrationsTable)
	if _, err := tx.ExecContext(ctx, record, migration.ID, migration.Version); err != nil {
		r.emit(ctx, EventTypeMigrationFailed, migration, start, err)
		return fmt.Errorf("failed to record migration %s: %w", migration.ID, err)
	}

	if err := tx.Commit(); err != nil {
		r.emit(ctx, EventTypeMigrationFailed, migration, start, err)
		return fmt.Errorf("failed to commit migration %s: %w", migration.ID, err)
	}

	r.emit(ctx, EventTypeMigrationCompleted, migration, start, nil)
	return nil
}

func (r *MigrationRunner) emit(ctx context.Context, eventType string, migration Migration, start time.Time, cause error) {
	if r.emitter == nil {
		return
	}
	data := map[string]any{
		"migration_id": migration.ID,
		"version":      migration.Version,
		"duration_ms":  time.Since(start).Milliseconds(),
	}
	if cause != nil {
		data["error"] = cause.Error()
	}
	event := events.NewCloudEvent(eventType, "store-migrations", data, nil)
	_ = r.emitter.EmitEvent(ctx, event)
}
