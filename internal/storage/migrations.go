package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Table       string
	Up          []string
	Down        []string
}

// MigrationManager handles schema migrations for the SQL dialects
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion      int                `json:"current_version"`
	LatestVersion       int                `json:"latest_version"`
	AppliedMigrations   []AppliedMigration `json:"applied_migrations"`
	PendingMigrations   int                `json:"pending_migrations"`
	TotalMigrations     int                `json:"total_migrations"`
	DatabaseInitialized bool               `json:"database_initialized"`
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewMigrationManager creates a migration manager for the given dialect
func NewMigrationManager(db *sql.DB, dialect string, logger *slog.Logger) (*MigrationManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	migrations, err := migrationsFor(dialect)
	if err != nil {
		return nil, err
	}

	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: migrations,
	}, nil
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	createMigrationsTable := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return NewSchemaError(TableMigrations, fmt.Errorf("failed to create migrations table: %w", err))
	}

	return nil
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	m.logger.Info("starting migration",
		"current_version", currentVersion,
		"target_version", targetVersion)

	applied := 0
	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"final_version", targetVersion,
		"migrations_run", applied)

	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.latestVersion())
}

// Rollback rolls back migrations down to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion <= targetVersion {
		return nil
	}

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("rollback completed", "final_version", targetVersion)
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.getCurrentVersion(ctx)
	if err != nil {
		return nil, err
	}

	appliedMigrations, err := m.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pendingCount := 0
	for _, migration := range m.migrate {
		if migration.Version > currentVersion {
			pendingCount++
		}
	}

	return &MigrationStatus{
		CurrentVersion:      currentVersion,
		LatestVersion:       m.latestVersion(),
		AppliedMigrations:   appliedMigrations,
		PendingMigrations:   pendingCount,
		TotalMigrations:     len(m.migrate),
		DatabaseInitialized: currentVersion >= m.latestVersion(),
	}, nil
}

func (m *MigrationManager) latestVersion() int {
	if len(m.migrate) == 0 {
		return 0
	}
	return m.migrate[len(m.migrate)-1].Version
}

// runMigration executes a single migration inside a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return NewSchemaError(migration.Table, fmt.Errorf("failed to start transaction: %w", err))
	}
	defer tx.Rollback()

	for _, query := range migration.Up {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return &StorageError{Operation: "schema", Table: migration.Table, Query: query, Err: err}
		}
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES (?, ?, ?, ?)`

	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC().Format(time.RFC3339Nano),
		time.Since(start).Nanoseconds()); err != nil {
		return NewSchemaError(TableMigrations, fmt.Errorf("failed to record migration: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return NewSchemaError(migration.Table, fmt.Errorf("failed to commit migration: %w", err))
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))

	return nil
}

// rollbackMigration reverts a single migration inside a transaction
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if len(migration.Down) == 0 {
		return fmt.Errorf("migration %d has no rollback statements", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return NewSchemaError(migration.Table, fmt.Errorf("failed to start rollback transaction: %w", err))
	}
	defer tx.Rollback()

	for _, query := range migration.Down {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return &StorageError{Operation: "schema", Table: migration.Table, Query: query, Err: err}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version); err != nil {
		return NewSchemaError(TableMigrations, fmt.Errorf("failed to remove migration record: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return NewSchemaError(migration.Table, fmt.Errorf("failed to commit rollback: %w", err))
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

// getCurrentVersion returns the highest applied migration version
func (m *MigrationManager) getCurrentVersion(ctx context.Context) (int, error) {
	var version int
	query := "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"
	if err := m.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, NewQueryError(TableMigrations, query, err)
	}
	return version, nil
}

// getAppliedMigrations returns list of applied migrations with metadata
func (m *MigrationManager) getAppliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	query := `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, NewQueryError(TableMigrations, query, err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var (
			migration     AppliedMigration
			appliedAt     string
			executionTime int64
		)
		if err := rows.Scan(&migration.Version, &migration.Description, &appliedAt, &executionTime); err != nil {
			return nil, NewQueryError(TableMigrations, query, fmt.Errorf("failed to scan migration row: %w", err))
		}

		migration.AppliedAt, err = time.Parse(time.RFC3339Nano, appliedAt)
		if err != nil {
			return nil, NewQueryError(TableMigrations, query, fmt.Errorf("invalid applied_at %q: %w", appliedAt, err))
		}
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(TableMigrations, query, err)
	}

	return migrations, nil
}

func migrationsFor(dialect string) ([]Migration, error) {
	switch dialect {
	case TypeSQLite:
		return sqliteMigrations(), nil
	case TypeDuckDB:
		return duckdbMigrations(), nil
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}

func sqliteMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create symbols catalog",
			Table:       TableSymbols,
			Up: []string{
				`CREATE TABLE IF NOT EXISTS symbols (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					symbol TEXT NOT NULL,
					name TEXT NOT NULL,
					source_id TEXT NOT NULL,
					is_active INTEGER NOT NULL DEFAULT 1,
					market_cap REAL,
					volume_24h REAL,
					UNIQUE(symbol, source_id)
				)`,
			},
			Down: []string{"DROP TABLE IF EXISTS symbols"},
		},
		{
			Version:     2,
			Description: "Create daily_prices history",
			Table:       TableDailyPrices,
			Up: []string{
				`CREATE TABLE IF NOT EXISTS daily_prices (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					symbol_id INTEGER NOT NULL,
					date TEXT NOT NULL,
					open REAL,
					high REAL,
					low REAL,
					close REAL,
					volume REAL,
					last_price_24h REAL,
					high_24h REAL,
					low_24h REAL,
					volume_24h REAL,
					liquidity REAL,
					source TEXT,
					UNIQUE(symbol_id, date),
					FOREIGN KEY(symbol_id) REFERENCES symbols(id) ON DELETE CASCADE
				)`,
			},
			Down: []string{"DROP TABLE IF EXISTS daily_prices"},
		},
		{
			Version:     3,
			Description: "Index daily_prices by symbol and date",
			Table:       TableDailyPrices,
			Up:          []string{"CREATE INDEX IF NOT EXISTS idx_daily_prices_symbol_date ON daily_prices(symbol_id, date)"},
			Down:        []string{"DROP INDEX IF EXISTS idx_daily_prices_symbol_date"},
		},
	}
}

// DuckDB has no AUTOINCREMENT and no cascading deletes; ids come from sequences.
func duckdbMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create symbols catalog",
			Table:       TableSymbols,
			Up: []string{
				"CREATE SEQUENCE IF NOT EXISTS symbols_id_seq START 1",
				`CREATE TABLE IF NOT EXISTS symbols (
					id BIGINT PRIMARY KEY DEFAULT nextval('symbols_id_seq'),
					symbol VARCHAR NOT NULL,
					name VARCHAR NOT NULL,
					source_id VARCHAR NOT NULL,
					is_active INTEGER NOT NULL DEFAULT 1,
					market_cap DOUBLE,
					volume_24h DOUBLE,
					UNIQUE(symbol, source_id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS symbols",
				"DROP SEQUENCE IF EXISTS symbols_id_seq",
			},
		},
		{
			Version:     2,
			Description: "Create daily_prices history",
			Table:       TableDailyPrices,
			Up: []string{
				"CREATE SEQUENCE IF NOT EXISTS daily_prices_id_seq START 1",
				`CREATE TABLE IF NOT EXISTS daily_prices (
					id BIGINT PRIMARY KEY DEFAULT nextval('daily_prices_id_seq'),
					symbol_id BIGINT NOT NULL,
					date VARCHAR NOT NULL,
					open DOUBLE,
					high DOUBLE,
					low DOUBLE,
					close DOUBLE,
					volume DOUBLE,
					last_price_24h DOUBLE,
					high_24h DOUBLE,
					low_24h DOUBLE,
					volume_24h DOUBLE,
					liquidity DOUBLE,
					source VARCHAR,
					UNIQUE(symbol_id, date),
					FOREIGN KEY(symbol_id) REFERENCES symbols(id)
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS daily_prices",
				"DROP SEQUENCE IF EXISTS daily_prices_id_seq",
			},
		},
		{
			Version:     3,
			Description: "Index daily_prices by symbol and date",
			Table:       TableDailyPrices,
			Up:          []string{"CREATE INDEX IF NOT EXISTS idx_daily_prices_symbol_date ON daily_prices(symbol_id, date)"},
			Down:        []string{"DROP INDEX IF EXISTS idx_daily_prices_symbol_date"},
		},
	}
}
