package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
	"github.com/johnayoung/cryptoscope/internal/validator"
)

// MockMarketLister serves a fixed ranked listing in pages and records requests
type MockMarketLister struct {
	mu       sync.Mutex
	entries  []models.MarketEntry
	failPage map[int]error
	requests []exchange.MarketsRequest
}

func newMockMarketLister(entries []models.MarketEntry) *MockMarketLister {
	return &MockMarketLister{entries: entries, failPage: make(map[int]error)}
}

func (m *MockMarketLister) ListMarkets(ctx context.Context, req exchange.MarketsRequest) ([]models.MarketEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)
	if err, ok := m.failPage[req.Page]; ok {
		return nil, err
	}

	start := (req.Page - 1) * req.PerPage
	if start >= len(m.entries) {
		return []models.MarketEntry{}, nil
	}
	end := start + req.PerPage
	if end > len(m.entries) {
		end = len(m.entries)
	}
	return append([]models.MarketEntry(nil), m.entries[start:end]...), nil
}

func (m *MockMarketLister) Requests() []exchange.MarketsRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.MarketsRequest(nil), m.requests...)
}

// rankedEntries builds n entries with descending market caps; every entry whose
// rank is a multiple of illiquidEvery trades below the liquidity threshold
func rankedEntries(n, illiquidEvery int) []models.MarketEntry {
	entries := make([]models.MarketEntry, 0, n)
	for i := 1; i <= n; i++ {
		volume := int64(50000)
		if illiquidEvery > 0 && i%illiquidEvery == 0 {
			volume = 500
		}
		entries = append(entries, models.MarketEntry{
			ID:          fmt.Sprintf("coin-%d", i),
			Symbol:      fmt.Sprintf("c%d", i),
			Name:        fmt.Sprintf("Coin %d", i),
			MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(int64(10_000_000 - i))),
			TotalVolume: decimal.NewNullDecimal(decimal.NewFromInt(volume)),
		})
	}
	return entries
}

type acquirerFixture struct {
	store      *storage.MemoryStore
	source     *MockMarketLister
	limiter    *exchange.NoopLimiter
	classifier *apperrors.ErrorClassifier
	acquirer   *SymbolAcquirer
}

func newAcquirerFixture(t *testing.T, entries []models.MarketEntry) *acquirerFixture {
	t.Helper()

	f := &acquirerFixture{
		store:      storage.NewMemoryStore(),
		source:     newMockMarketLister(entries),
		limiter:    &exchange.NoopLimiter{},
		classifier: apperrors.NewErrorClassifier(slog.Default()),
	}
	f.acquirer = NewSymbolAcquirer(
		f.source,
		f.limiter,
		validator.NewMarketValidator(decimal.NewFromInt(1000)),
		f.store,
		AcquirerConfig{VsCurrency: "usd", PageSize: 250},
		slog.Default(),
		f.classifier,
	)
	return f
}

func (f *acquirerFixture) storedAssets(t *testing.T) []models.Asset {
	t.Helper()

	session, err := f.store.Open(context.Background())
	require.NoError(t, err)
	defer session.Close()

	points, err := session.ResumePoints(context.Background())
	require.NoError(t, err)

	assets := make([]models.Asset, 0, len(points))
	for _, p := range points {
		assets = append(assets, p.Asset)
	}
	return assets
}

func TestSymbolAcquirer_FiltersIlliquidEntries(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(2000, 4))

	result, err := f.acquirer.Acquire(context.Background(), 2000)
	require.NoError(t, err)

	assert.Equal(t, 8, result.Pages)
	assert.Equal(t, 2000, result.Fetched)
	assert.Equal(t, 1500, result.Accepted)
	assert.Equal(t, 500, result.Rejected)
	assert.Equal(t, 500, result.RejectReasons[validator.ReasonLowVolume])
	assert.Equal(t, 1500, result.Inserted)
	assert.Equal(t, 1500, result.Persisted())
	assert.False(t, result.Partial())

	assert.Len(t, f.storedAssets(t), 1500)
}

func TestSymbolAcquirer_PacesEveryPageRequest(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(2000, 0))

	_, err := f.acquirer.Acquire(context.Background(), 2000)
	require.NoError(t, err)

	requests := f.source.Requests()
	require.Len(t, requests, 8)
	assert.Equal(t, int64(len(requests)), f.limiter.Calls())

	for i, req := range requests {
		assert.Equal(t, i+1, req.Page)
		assert.Equal(t, 250, req.PerPage)
		assert.Equal(t, "usd", req.VsCurrency)
	}
}

func TestSymbolAcquirer_TruncatesToTarget(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(600, 0))

	result, err := f.acquirer.Acquire(context.Background(), 300)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 300, result.Fetched)
	assert.Equal(t, 300, result.Inserted)

	assets := f.storedAssets(t)
	require.Len(t, assets, 300)
	// Highest market cap first; rank 301 and below were cut
	assert.Equal(t, "coin-1", assets[0].SourceID)
	assert.Equal(t, "coin-300", assets[len(assets)-1].SourceID)
}

func TestSymbolAcquirer_TruncatesBeforeValidating(t *testing.T) {
	// Ranks 2 and 4 are illiquid; a target of 4 must not reach past rank 4
	f := newAcquirerFixture(t, rankedEntries(10, 2))

	result, err := f.acquirer.Acquire(context.Background(), 4)
	require.NoError(t, err)

	assert.Equal(t, 4, result.Fetched)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
}

func TestSymbolAcquirer_StopsOnEmptyPage(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(100, 0))

	result, err := f.acquirer.Acquire(context.Background(), 1000)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 100, result.Fetched)
	assert.Equal(t, 100, result.Inserted)
	assert.Len(t, f.source.Requests(), 2)
	assert.Equal(t, int64(2), f.limiter.Calls())
}

func TestSymbolAcquirer_KeepsPartialResultsOnRequestFailure(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(1000, 0))
	f.source.failPage[3] = &exchange.APIError{StatusCode: 429, Endpoint: "/coins/markets", Body: "Too Many Requests"}

	result, err := f.acquirer.Acquire(context.Background(), 1000)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Pages)
	assert.Equal(t, 500, result.Fetched)
	assert.Equal(t, 500, result.Inserted)
	assert.True(t, result.Partial())
	assert.Equal(t, apperrors.ErrorTypeRateLimit, apperrors.GetErrorType(result.StopErr))

	// No page after the failed one is requested
	assert.Len(t, f.source.Requests(), 3)
	assert.Len(t, f.storedAssets(t), 500)
}

func TestSymbolAcquirer_FirstPageFailureStoresNothing(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(100, 0))
	f.source.failPage[1] = errors.New("connection refused")

	result, err := f.acquirer.Acquire(context.Background(), 100)
	require.NoError(t, err)

	assert.Zero(t, result.Fetched)
	assert.Zero(t, result.Inserted)
	assert.True(t, result.Partial())
	assert.Empty(t, f.storedAssets(t))
}

func TestSymbolAcquirer_IsIdempotent(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(300, 3))

	first, err := f.acquirer.Acquire(context.Background(), 300)
	require.NoError(t, err)
	second, err := f.acquirer.Acquire(context.Background(), 300)
	require.NoError(t, err)

	assert.Equal(t, 200, first.Inserted)
	assert.Equal(t, 200, second.Accepted)
	assert.Zero(t, second.Inserted)
	assert.Len(t, f.storedAssets(t), 200)
}

func TestSymbolAcquirer_NormalizesSymbols(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(3, 0))

	_, err := f.acquirer.Acquire(context.Background(), 3)
	require.NoError(t, err)

	for _, asset := range f.storedAssets(t) {
		assert.Equal(t, "C", asset.Symbol[:1])
		assert.True(t, asset.IsActive)
		assert.True(t, asset.MarketCap.Valid)
		assert.True(t, asset.Volume24h.Valid)
	}
}

func TestSymbolAcquirer_StorageFailureIsReturned(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(10, 0))
	require.NoError(t, f.store.Close())

	result, err := f.acquirer.Acquire(context.Background(), 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	assert.Equal(t, apperrors.ErrorTypeStorage, apperrors.GetErrorType(err))
	assert.Equal(t, 10, result.Accepted)
	assert.Zero(t, result.Inserted)
}

func TestSymbolAcquirer_StopsOnCancellation(t *testing.T) {
	f := newAcquirerFixture(t, rankedEntries(10, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.acquirer.Acquire(ctx, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.source.Requests())
}

func TestSymbolAcquirer_RejectsInvalidTarget(t *testing.T) {
	f := newAcquirerFixture(t, nil)

	for _, target := range []int{0, -5} {
		_, err := f.acquirer.Acquire(context.Background(), target)
		assert.Error(t, err, "target %d", target)
	}
	assert.Empty(t, f.source.Requests())
}

func TestSymbolAcquirer_ClampsPageSize(t *testing.T) {
	a := NewSymbolAcquirer(newMockMarketLister(nil), nil, validator.NewMarketValidator(decimal.Zero),
		storage.NewMemoryStore(), AcquirerConfig{PageSize: 1000}, nil, nil)

	assert.Equal(t, exchange.MaxPerPage, a.config.PageSize)
	assert.Equal(t, "usd", a.config.VsCurrency)
}

func TestSymbolAcquirer_BlankSymbolDoesNotSinkBatch(t *testing.T) {
	entries := []models.MarketEntry{
		{
			ID:          "bitcoin",
			Symbol:      "btc",
			Name:        "Bitcoin",
			MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(1_000_000)),
			TotalVolume: decimal.NewNullDecimal(decimal.NewFromInt(50_000)),
		},
		{
			ID:          "blank-coin",
			Symbol:      "   ",
			Name:        "Blank",
			MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(900_000)),
			TotalVolume: decimal.NewNullDecimal(decimal.NewFromInt(50_000)),
		},
	}
	f := newAcquirerFixture(t, entries)

	result, err := f.acquirer.Acquire(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.RejectReasons[validator.ReasonMissingSymbol])
	assert.Equal(t, 1, result.Inserted)

	assets := f.storedAssets(t)
	require.Len(t, assets, 1)
	assert.Equal(t, "BTC", assets[0].Symbol)
}
