// Package storage defines the persistence layer for the asset catalog and daily
// price history. A Store hands out one Session per unit of work; callers close the
// session as soon as that unit (a stage call, or one asset during backfill) is done.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/johnayoung/cryptoscope/internal/models"
)

// Supported storage backends
const (
	TypeSQLite = "sqlite"
	TypeDuckDB = "duckdb"
	TypeMemory = "memory"
)

// Table names
const (
	TableSymbols     = "symbols"
	TableDailyPrices = "daily_prices"
	TableMigrations  = "schema_migrations"
)

// Store opens sessions against a backend.
type Store interface {
	// Open returns a session bound to a fresh connection. The caller must Close it.
	Open(ctx context.Context) (Session, error)

	// Initialize installs the schema. It is idempotent.
	Initialize(ctx context.Context) error

	// Close releases anything the store itself holds.
	Close() error
}

// AssetStorer persists the asset catalog.
type AssetStorer interface {
	// InsertAssets inserts each asset unless its (symbol, source_id) already exists.
	// Existing rows are left untouched. Returns the number of rows actually added.
	InsertAssets(ctx context.Context, assets []models.Asset) (int, error)
}

// ResumeReader answers the gap detection query.
type ResumeReader interface {
	// ResumePoints returns every active asset with the latest stored date, ordered by
	// market cap descending with unknown market caps last, then by id.
	ResumePoints(ctx context.Context) ([]models.ResumePoint, error)
}

// PriceStorer persists daily price records.
type PriceStorer interface {
	// InsertDailyPrices inserts each record unless (symbol_id, date) already exists.
	// Returns the number of rows actually added.
	InsertDailyPrices(ctx context.Context, symbolID int64, records []models.DailyPriceRecord) (int, error)
}

// Session is a single unit of work against the store.
type Session interface {
	AssetStorer
	ResumeReader
	PriceStorer

	// Stats summarizes the stored data.
	Stats(ctx context.Context) (*StorageStats, error)

	// Close releases the session's connection.
	Close() error
}

// StorageStats summarizes the contents of the store.
type StorageStats struct {
	// TotalAssets is the number of catalog rows
	TotalAssets int64 `json:"total_assets"`

	// ActiveAssets is the number of catalog rows flagged active
	ActiveAssets int64 `json:"active_assets"`

	// AssetsWithHistory is the number of assets with at least one daily record
	AssetsWithHistory int64 `json:"assets_with_history"`

	// TotalRecords is the number of daily price records
	TotalRecords int64 `json:"total_records"`

	// EarliestDate and LatestDate bound the stored history; nil when empty
	EarliestDate *time.Time `json:"earliest_date,omitempty"`
	LatestDate   *time.Time `json:"latest_date,omitempty"`
}

// EnsureDir creates the parent directory of a database file.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewStorageError("ensure_dir", "", "", fmt.Errorf("failed to create database directory %s: %w", dir, err))
	}
	return nil
}

// StorageError represents errors that occur during storage operations.
// Provides structured error information for better error handling and debugging.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// StorageOperation reports the failed operation; the error classifier keys on it.
func (e *StorageError) StorageOperation() string {
	return e.Operation
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError specifically for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{
		Operation: "query",
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewInsertError creates a StorageError specifically for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "insert",
		Table:     table,
		Err:       err,
	}
}

// NewSchemaError creates a StorageError for schema installation failures.
func NewSchemaError(table string, err error) *StorageError {
	return &StorageError{
		Operation: "schema",
		Table:     table,
		Err:       err,
	}
}

// New creates the Store for storageType. path is ignored for the memory backend.
func New(storageType, path string, logger *slog.Logger) (Store, error) {
	switch storageType {
	case TypeMemory:
		return NewMemoryStore(), nil
	case TypeSQLite, TypeDuckDB:
		return NewSQLStore(storageType, path, logger)
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported storage type %q", storageType))
	}
}
