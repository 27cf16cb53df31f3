package collector

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cryptoscope/internal/config"
	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/gaps"
	"github.com/johnayoung/cryptoscope/internal/logger"
	"github.com/johnayoung/cryptoscope/internal/storage"
	"github.com/johnayoung/cryptoscope/internal/validator"
)

// PipelineBuilder wires the stages of a pipeline from the application config.
// Every stage shares one limiter, so pacing holds across stage boundaries.
type PipelineBuilder struct {
	config     *config.AppConfig
	store      storage.Store
	source     exchange.MarketDataSource
	limiter    exchange.Limiter
	validator  validator.EntryValidator
	loggers    *logger.LoggerManager
	now        func() time.Time
	classifier *apperrors.ErrorClassifier
}

// NewBuilder creates a pipeline builder
func NewBuilder(cfg *config.AppConfig) *PipelineBuilder {
	return &PipelineBuilder{config: cfg}
}

// WithStore sets the store
func (b *PipelineBuilder) WithStore(store storage.Store) *PipelineBuilder {
	b.store = store
	return b
}

// WithSource sets the market-data source
func (b *PipelineBuilder) WithSource(source exchange.MarketDataSource) *PipelineBuilder {
	b.source = source
	return b
}

// WithLimiter sets the shared request limiter
func (b *PipelineBuilder) WithLimiter(limiter exchange.Limiter) *PipelineBuilder {
	b.limiter = limiter
	return b
}

// WithValidator replaces the liquidity validator built from config
func (b *PipelineBuilder) WithValidator(v validator.EntryValidator) *PipelineBuilder {
	b.validator = v
	return b
}

// WithLoggers sets the logger manager used for component loggers
func (b *PipelineBuilder) WithLoggers(lm *logger.LoggerManager) *PipelineBuilder {
	b.loggers = lm
	return b
}

// WithClock sets the time source the backfill uses for today's date
func (b *PipelineBuilder) WithClock(now func() time.Time) *PipelineBuilder {
	b.now = now
	return b
}

// Build creates the pipeline with the configured options
func (b *PipelineBuilder) Build() (*Pipeline, error) {
	if b.config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if b.source == nil {
		return nil, fmt.Errorf("market data source is required")
	}

	if b.limiter == nil {
		b.limiter = exchange.NewDelayLimiter(b.config.Source.Delay())
	}
	if b.validator == nil {
		b.validator = validator.NewMarketValidator(decimal.NewFromFloat(b.config.Acquirer.MinVolume))
	}

	componentLogger := func(name string) *slog.Logger {
		if b.loggers == nil {
			return slog.Default().With("component", name)
		}
		return b.loggers.GetComponentLogger(name).Logger
	}

	pipelineLogger := componentLogger("pipeline")
	if b.classifier == nil {
		b.classifier = apperrors.NewErrorClassifier(pipelineLogger)
	}

	acquirer := NewSymbolAcquirer(
		b.source,
		b.limiter,
		b.validator,
		b.store,
		AcquirerConfig{
			VsCurrency: b.config.Acquirer.VsCurrency,
			PageSize:   b.config.Acquirer.PageSize,
		},
		componentLogger("acquirer"),
		b.classifier,
	)

	detector := gaps.NewGapDetector(b.store, componentLogger("gap_detector"))

	backfiller := gaps.NewBackfiller(
		b.store,
		b.source,
		b.limiter,
		gaps.NewBackfillConfig(b.config),
		componentLogger("backfill"),
		b.classifier,
	)
	if b.now != nil {
		backfiller.WithClock(b.now)
	}

	return NewPipeline(
		b.store,
		acquirer,
		detector,
		backfiller,
		b.config.Acquirer.TargetCount,
		pipelineLogger,
		b.classifier,
	), nil
}
