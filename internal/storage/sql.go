package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cryptoscope/internal/models"
)

// dialect captures what differs between the SQL backends. Queries themselves are
// shared: both engines accept "?" placeholders, ON CONFLICT DO NOTHING and NULLS LAST.
type dialect struct {
	name         string
	driver       string
	maxOpenConns int
	dsn          func(path string) string
}

func dialectFor(storageType string) (dialect, error) {
	switch storageType {
	case TypeSQLite:
		return sqliteDialect, nil
	case TypeDuckDB:
		return duckdbDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported SQL storage type %q", storageType)
	}
}

const (
	insertAssetQuery = `
		INSERT INTO symbols (symbol, name, source_id, is_active, market_cap, volume_24h)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, source_id) DO NOTHING`

	insertDailyPriceQuery = `
		INSERT INTO daily_prices (
			symbol_id, date, open, high, low, close, volume,
			last_price_24h, high_24h, low_24h, volume_24h, liquidity, source
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol_id, date) DO NOTHING`

	// One pass: every active asset with its latest stored date, if any.
	resumePointsQuery = `
		SELECT s.id, s.symbol, s.name, s.source_id, s.is_active, s.market_cap, s.volume_24h,
			MAX(dp.date) AS last_date
		FROM symbols s
		LEFT JOIN daily_prices dp ON dp.symbol_id = s.id
		WHERE s.is_active = 1
		GROUP BY s.id, s.symbol, s.name, s.source_id, s.is_active, s.market_cap, s.volume_24h
		ORDER BY s.market_cap DESC NULLS LAST, s.id ASC`
)

// SQLStore is a Store backed by a local SQLite or DuckDB file. Each Open creates
// a new connection pool that the returned session closes.
type SQLStore struct {
	dialect dialect
	path    string
	logger  *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a store for storageType ("sqlite" or "duckdb") at path.
func NewSQLStore(storageType, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, NewStorageError("open", "", "", fmt.Errorf("database path is required"))
	}

	d, err := dialectFor(storageType)
	if err != nil {
		return nil, NewStorageError("open", "", "", err)
	}

	return &SQLStore{
		dialect: d,
		path:    path,
		logger:  logger.With("dialect", d.name),
	}, nil
}

// Path returns the database file path
func (s *SQLStore) Path() string {
	return s.path
}

// Open implements Store.Open
func (s *SQLStore) Open(ctx context.Context) (Session, error) {
	db, err := s.openDB(ctx)
	if err != nil {
		return nil, err
	}
	return &sqlSession{db: db, logger: s.logger}, nil
}

// Initialize creates the database directory and applies pending migrations.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if err := EnsureDir(s.path); err != nil {
		return err
	}

	db, err := s.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	mm, err := NewMigrationManager(db, s.dialect.name, s.logger)
	if err != nil {
		return NewSchemaError("", err)
	}
	if err := mm.MigrateToLatest(ctx); err != nil {
		return err
	}

	s.logger.Debug("storage initialized", "path", s.path)
	return nil
}

// MigrationStatus reports the schema version of the database file.
func (s *SQLStore) MigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	db, err := s.openDB(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	mm, err := NewMigrationManager(db, s.dialect.name, s.logger)
	if err != nil {
		return nil, NewSchemaError("", err)
	}
	return mm.GetStatus(ctx)
}

// Close implements Store.Close. Sessions own their connections, so there is
// nothing to release here.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) openDB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open(s.dialect.driver, s.dialect.dsn(s.path))
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open %s database %s: %w", s.dialect.name, s.path, err))
	}

	db.SetMaxOpenConns(s.dialect.maxOpenConns)
	db.SetMaxIdleConns(s.dialect.maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to connect to %s database %s: %w", s.dialect.name, s.path, err))
	}

	return db, nil
}

// sqlSession implements Session over one *sql.DB
type sqlSession struct {
	db     *sql.DB
	logger *slog.Logger
}

// InsertAssets implements AssetStorer.InsertAssets
func (s *sqlSession) InsertAssets(ctx context.Context, assets []models.Asset) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(TableSymbols, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertAssetQuery)
	if err != nil {
		return 0, &StorageError{Operation: "insert", Table: TableSymbols, Query: insertAssetQuery, Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, asset := range assets {
		res, err := stmt.ExecContext(ctx,
			asset.Symbol,
			asset.Name,
			asset.SourceID,
			boolToInt(asset.IsActive),
			nullFloat(asset.MarketCap),
			nullFloat(asset.Volume24h),
		)
		if err != nil {
			return 0, NewInsertError(TableSymbols, fmt.Errorf("failed to insert %s: %w", asset.Key(), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, NewInsertError(TableSymbols, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(TableSymbols, fmt.Errorf("failed to commit: %w", err))
	}

	s.logger.DebugContext(ctx, "assets inserted", "offered", len(assets), "inserted", inserted)
	return inserted, nil
}

// ResumePoints implements ResumeReader.ResumePoints
func (s *sqlSession) ResumePoints(ctx context.Context) ([]models.ResumePoint, error) {
	rows, err := s.db.QueryContext(ctx, resumePointsQuery)
	if err != nil {
		return nil, NewQueryError(TableSymbols, resumePointsQuery, err)
	}
	defer rows.Close()

	var points []models.ResumePoint
	for rows.Next() {
		var (
			asset     models.Asset
			isActive  int64
			marketCap sql.NullFloat64
			volume    sql.NullFloat64
			lastDate  sql.NullString
		)
		if err := rows.Scan(&asset.ID, &asset.Symbol, &asset.Name, &asset.SourceID,
			&isActive, &marketCap, &volume, &lastDate); err != nil {
			return nil, NewQueryError(TableSymbols, resumePointsQuery, fmt.Errorf("failed to scan resume point: %w", err))
		}

		asset.IsActive = isActive != 0
		asset.MarketCap = nullDecimal(marketCap)
		asset.Volume24h = nullDecimal(volume)

		point := models.ResumePoint{Asset: asset}
		if lastDate.Valid {
			d, err := models.ParseDate(lastDate.String)
			if err != nil {
				return nil, NewQueryError(TableDailyPrices, resumePointsQuery, err)
			}
			point.LastDate = &d
		}
		points = append(points, point)
	}

	if err := rows.Err(); err != nil {
		return nil, NewQueryError(TableSymbols, resumePointsQuery, err)
	}

	return points, nil
}

// InsertDailyPrices implements PriceStorer.InsertDailyPrices
func (s *sqlSession) InsertDailyPrices(ctx context.Context, symbolID int64, records []models.DailyPriceRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewInsertError(TableDailyPrices, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertDailyPriceQuery)
	if err != nil {
		return 0, &StorageError{Operation: "insert", Table: TableDailyPrices, Query: insertDailyPriceQuery, Err: err}
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range records {
		res, err := stmt.ExecContext(ctx,
			symbolID,
			rec.DateString(),
			rec.Open,
			rec.High,
			rec.Low,
			rec.Close,
			floatPtr(rec.Volume),
			rec.LastPrice24h,
			rec.High24h,
			rec.Low24h,
			floatPtr(rec.Volume24h),
			floatPtr(rec.Liquidity),
			rec.Source,
		)
		if err != nil {
			return 0, NewInsertError(TableDailyPrices, fmt.Errorf("failed to insert symbol %d on %s: %w", symbolID, rec.DateString(), err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, NewInsertError(TableDailyPrices, err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, NewInsertError(TableDailyPrices, fmt.Errorf("failed to commit: %w", err))
	}

	return inserted, nil
}

// Stats implements Session.Stats
func (s *sqlSession) Stats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}

	queries := []struct {
		query string
		dest  *int64
		table string
	}{
		{"SELECT COUNT(*) FROM symbols", &stats.TotalAssets, TableSymbols},
		{"SELECT COUNT(*) FROM symbols WHERE is_active = 1", &stats.ActiveAssets, TableSymbols},
		{"SELECT COUNT(*) FROM daily_prices", &stats.TotalRecords, TableDailyPrices},
		{"SELECT COUNT(DISTINCT symbol_id) FROM daily_prices", &stats.AssetsWithHistory, TableDailyPrices},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, NewQueryError(q.table, q.query, err)
		}
	}

	rangeQuery := "SELECT MIN(date), MAX(date) FROM daily_prices"
	var earliest, latest sql.NullString
	if err := s.db.QueryRowContext(ctx, rangeQuery).Scan(&earliest, &latest); err != nil {
		return nil, NewQueryError(TableDailyPrices, rangeQuery, err)
	}

	var err error
	if stats.EarliestDate, err = parseNullDate(earliest); err != nil {
		return nil, NewQueryError(TableDailyPrices, rangeQuery, err)
	}
	if stats.LatestDate, err = parseNullDate(latest); err != nil {
		return nil, NewQueryError(TableDailyPrices, rangeQuery, err)
	}

	return stats, nil
}

// Close implements Session.Close
func (s *sqlSession) Close() error {
	if err := s.db.Close(); err != nil {
		return NewStorageError("close", "", "", fmt.Errorf("failed to close database: %w", err))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullFloat(d decimal.NullDecimal) sql.NullFloat64 {
	if !d.Valid {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: d.Decimal.InexactFloat64(), Valid: true}
}

func nullDecimal(f sql.NullFloat64) decimal.NullDecimal {
	if !f.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(f.Float64))
}

func floatPtr(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func parseNullDate(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := models.ParseDate(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
