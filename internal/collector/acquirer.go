package collector

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
	"github.com/johnayoung/cryptoscope/internal/validator"
)

// AcquirerConfig configures the symbol acquirer
type AcquirerConfig struct {
	VsCurrency string
	PageSize   int
}

// SymbolAcquirer pages through the ranked market listing, keeps the liquid
// entries and inserts them into the asset catalog.
type SymbolAcquirer struct {
	source     exchange.MarketLister
	limiter    exchange.Limiter
	validator  validator.EntryValidator
	store      storage.Store
	classifier *apperrors.ErrorClassifier
	config     AcquirerConfig
	logger     *slog.Logger
}

var _ Acquirer = (*SymbolAcquirer)(nil)

// NewSymbolAcquirer creates an acquirer. The limiter is waited on before every
// page request.
func NewSymbolAcquirer(
	source exchange.MarketLister,
	limiter exchange.Limiter,
	entryValidator validator.EntryValidator,
	store storage.Store,
	cfg AcquirerConfig,
	logger *slog.Logger,
	classifier *apperrors.ErrorClassifier,
) *SymbolAcquirer {
	if logger == nil {
		logger = slog.Default().With("component", "acquirer")
	}
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(logger)
	}
	if limiter == nil {
		limiter = &exchange.NoopLimiter{}
	}
	if cfg.PageSize <= 0 || cfg.PageSize > exchange.MaxPerPage {
		cfg.PageSize = exchange.MaxPerPage
	}
	if cfg.VsCurrency == "" {
		cfg.VsCurrency = "usd"
	}

	return &SymbolAcquirer{
		source:     source,
		limiter:    limiter,
		validator:  entryValidator,
		store:      store,
		classifier: classifier,
		config:     cfg,
		logger:     logger,
	}
}

// Acquire implements Acquirer.Acquire
func (a *SymbolAcquirer) Acquire(ctx context.Context, targetCount int) (*AcquireResult, error) {
	if targetCount <= 0 {
		return nil, fmt.Errorf("target count must be positive, got %d", targetCount)
	}

	result := &AcquireResult{RejectReasons: make(map[validator.RejectReason]int)}

	a.logger.InfoContext(ctx, "starting symbol acquisition",
		"target", targetCount,
		"page_size", a.config.PageSize,
		"vs_currency", a.config.VsCurrency)

	entries, err := a.collect(ctx, targetCount, result)
	if err != nil {
		return result, err
	}

	if len(entries) > targetCount {
		entries = entries[:targetCount]
	}
	result.Fetched = len(entries)

	assets := a.filter(ctx, entries, result)
	if len(assets) == 0 {
		a.logger.WarnContext(ctx, "no entries passed validation",
			"fetched", result.Fetched,
			"rejected", result.Rejected)
		return result, nil
	}

	inserted, err := a.persist(ctx, assets)
	if err != nil {
		classified := a.classifier.Classify(err, "acquirer", "insert_assets")
		return result, fmt.Errorf("failed to store %d assets: %w", len(assets), classified)
	}
	result.Inserted = inserted

	a.logger.InfoContext(ctx, "symbol acquisition completed",
		"pages", result.Pages,
		"fetched", result.Fetched,
		"accepted", result.Accepted,
		"rejected", result.Rejected,
		"inserted", result.Inserted,
		"partial", result.Partial())

	return result, nil
}

// collect requests successive pages until targetCount entries are gathered, a
// page comes back empty or a request fails. A request failure keeps the pages
// already collected; only cancellation is returned as an error.
func (a *SymbolAcquirer) collect(ctx context.Context, targetCount int, result *AcquireResult) ([]models.MarketEntry, error) {
	entries := make([]models.MarketEntry, 0, targetCount)

	for page := 1; len(entries) < targetCount; page++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return entries, fmt.Errorf("acquisition interrupted before page %d: %w", page, err)
		}

		req := exchange.MarketsRequest{
			VsCurrency: a.config.VsCurrency,
			Page:       page,
			PerPage:    a.config.PageSize,
		}

		batch, err := a.source.ListMarkets(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return entries, fmt.Errorf("acquisition interrupted on page %d: %w", page, ctxErr)
			}

			classified := a.classifier.Classify(err, "acquirer", "list_markets")
			attrs := append([]any{"page", page, "collected", len(entries)}, classified.LogAttrs()...)
			a.logger.WarnContext(ctx, "market page request failed, keeping partial results", attrs...)
			result.StopErr = classified
			break
		}

		if len(batch) == 0 {
			a.logger.InfoContext(ctx, "market listing exhausted",
				"page", page,
				"collected", len(entries))
			break
		}

		result.Pages++
		entries = append(entries, batch...)

		a.logger.DebugContext(ctx, "market page fetched",
			"page", page,
			"entries", len(batch),
			"collected", len(entries))
	}

	return entries, nil
}

// filter validates entries in rank order and normalizes the accepted ones
func (a *SymbolAcquirer) filter(ctx context.Context, entries []models.MarketEntry, result *AcquireResult) []models.Asset {
	assets := make([]models.Asset, 0, len(entries))
	for _, entry := range entries {
		ok, reason := a.validator.Validate(entry)
		if !ok {
			result.Rejected++
			result.RejectReasons[reason]++
			continue
		}
		assets = append(assets, models.NewAssetFromMarket(entry))
	}
	result.Accepted = len(assets)

	if result.Rejected > 0 {
		a.logger.InfoContext(ctx, "entries rejected by validation",
			"rejected", result.Rejected,
			"reasons", result.RejectReasons)
	}
	return assets
}

func (a *SymbolAcquirer) persist(ctx context.Context, assets []models.Asset) (int, error) {
	session, err := a.store.Open(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	return session.InsertAssets(ctx, assets)
}
