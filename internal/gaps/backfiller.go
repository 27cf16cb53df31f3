package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/logger"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
)

const hoursPerDay = 24

// BackfillerImpl fills each asset's history from its resume point up to today,
// one clamped chart request per asset, strictly in the order given.
type BackfillerImpl struct {
	store      storage.Store
	source     exchange.ChartFetcher
	limiter    exchange.Limiter
	classifier *apperrors.ErrorClassifier
	config     BackfillConfig
	logger     *slog.Logger
	now        func() time.Time
}

var _ Backfiller = (*BackfillerImpl)(nil)

// NewBackfiller creates a backfiller. The limiter is waited on before every chart
// request; assets that are already current issue no request and do not wait.
func NewBackfiller(
	store storage.Store,
	source exchange.ChartFetcher,
	limiter exchange.Limiter,
	cfg BackfillConfig,
	logger *slog.Logger,
	classifier *apperrors.ErrorClassifier,
) *BackfillerImpl {
	if logger == nil {
		logger = slog.Default().With("component", "backfill")
	}
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(logger)
	}
	if limiter == nil {
		limiter = &exchange.NoopLimiter{}
	}
	if cfg.MaxSpanDays <= 0 || cfg.MaxSpanDays > exchange.MaxSpanDays {
		cfg.MaxSpanDays = exchange.MaxSpanDays
	}

	return &BackfillerImpl{
		store:      store,
		source:     source,
		limiter:    limiter,
		classifier: classifier,
		config:     cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source used to determine today's date
func (bf *BackfillerImpl) WithClock(now func() time.Time) *BackfillerImpl {
	bf.now = now
	return bf
}

// Backfill implements Backfiller.Backfill
func (bf *BackfillerImpl) Backfill(ctx context.Context, points []models.ResumePoint) (*BackfillResult, error) {
	start := time.Now()
	today := models.TruncateToDate(bf.now())
	result := &BackfillResult{Assets: make([]AssetResult, 0, len(points))}

	bf.logger.InfoContext(ctx, "starting backfill",
		"assets", len(points),
		"today", today.Format(models.DateLayout))

	var runErr error
	for i, point := range points {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		assetCtx := logger.WithAsset(ctx, point.Asset.SourceID)
		ar, requested := bf.backfillAsset(assetCtx, point, today)
		if requested {
			result.Requests++
		}
		result.add(ar)

		if ar.Failed() {
			bf.logger.DebugContext(assetCtx, "asset backfill failed, continuing",
				"position", i+1,
				"remaining", len(points)-i-1)
		}
	}

	result.Duration = time.Since(start)

	bf.logger.InfoContext(ctx, "backfill completed",
		"assets", len(result.Assets),
		"requests", result.Requests,
		"inserted", result.Inserted,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"duration", result.Duration)

	if runErr != nil {
		return result, fmt.Errorf("backfill interrupted after %d of %d assets: %w", len(result.Assets), len(points), runErr)
	}
	return result, nil
}

// RequestWindow computes the first missing date and the number of days to
// request for a resume point. days is zero when the asset is already current.
func (bf *BackfillerImpl) RequestWindow(point models.ResumePoint, today time.Time) (start time.Time, days int, clamped bool) {
	today = models.TruncateToDate(today)

	if point.LastDate != nil {
		start = models.TruncateToDate(*point.LastDate).AddDate(0, 0, 1)
	} else {
		start = today.AddDate(-bf.config.LookbackYears, 0, 0)
	}

	if !start.Before(today) {
		return start, 0, false
	}

	days = int(today.Sub(start).Hours() / hoursPerDay)
	if days > bf.config.MaxSpanDays {
		return start, bf.config.MaxSpanDays, true
	}
	return start, days, false
}

// backfillAsset processes one asset with its own store session. The boolean
// reports whether a chart request was issued.
func (bf *BackfillerImpl) backfillAsset(ctx context.Context, point models.ResumePoint, today time.Time) (AssetResult, bool) {
	asset := point.Asset
	start, days, clamped := bf.RequestWindow(point, today)
	ar := AssetResult{Asset: asset, Start: start, Days: days, Clamped: clamped}

	if days == 0 {
		ar.Skipped = true
		bf.logger.DebugContext(ctx, "asset already current",
			"symbol", asset.Symbol,
			"last_date", point.LastDateString())
		return ar, false
	}

	if err := bf.limiter.Wait(ctx); err != nil {
		ar.Err = bf.fail(ctx, ar, err, "rate_limit_wait")
		return ar, false
	}

	chart, err := bf.source.FetchDailyChart(ctx, exchange.ChartRequest{
		SourceID:   asset.SourceID,
		VsCurrency: bf.config.VsCurrency,
		Days:       days,
	})
	if err != nil {
		ar.Err = bf.fail(ctx, ar, err, "fetch_chart")
		return ar, true
	}
	ar.Fetched = len(chart.Points)

	records := bf.convertChart(asset.ID, start, chart)
	if len(records) == 0 {
		bf.logger.InfoContext(ctx, "no new daily records",
			"symbol", asset.Symbol,
			"fetched", ar.Fetched)
		return ar, true
	}

	inserted, err := bf.persist(ctx, asset.ID, records)
	if err != nil {
		ar.Err = bf.fail(ctx, ar, err, "insert_prices")
		return ar, true
	}
	ar.Inserted = inserted

	bf.logger.InfoContext(ctx, "asset backfilled",
		"symbol", asset.Symbol,
		"start", start.Format(models.DateLayout),
		"days", days,
		"clamped", clamped,
		"fetched", ar.Fetched,
		"inserted", inserted)

	return ar, true
}

// convertChart maps chart points to daily records, dropping dates before start
func (bf *BackfillerImpl) convertChart(symbolID int64, start time.Time, chart *exchange.MarketChart) []models.DailyPriceRecord {
	records := make([]models.DailyPriceRecord, 0, len(chart.Points))
	for _, p := range chart.Points {
		rec := models.NewDailyPriceFromPoint(symbolID, p.Time, p.Price, p.Volume, bf.config.SourceLabel)
		if rec.Date.Before(start) {
			continue
		}
		records = append(records, rec)
	}
	return records
}

func (bf *BackfillerImpl) persist(ctx context.Context, symbolID int64, records []models.DailyPriceRecord) (int, error) {
	session, err := bf.store.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	return session.InsertDailyPrices(ctx, symbolID, records)
}

func (bf *BackfillerImpl) fail(ctx context.Context, ar AssetResult, err error, operation string) error {
	classified := bf.classifier.Classify(err, "backfill", operation)

	attrs := append([]any{
		"symbol", ar.Asset.Symbol,
		"start", ar.Start.Format(models.DateLayout),
		"days", ar.Days,
	}, classified.LogAttrs()...)
	bf.logger.WarnContext(ctx, "asset backfill failed", attrs...)

	return classified
}
