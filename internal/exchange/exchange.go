// Package exchange defines the market-data source interfaces used by the pipeline and
// provides the CoinGecko implementation plus the request limiter abstraction.
//
// The interfaces are small and focused: the acquirer only needs a MarketLister and the
// backfill stage only needs a ChartFetcher, so tests can substitute tiny fakes.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/cryptoscope/internal/models"
)

// Bounds enforced by the public market-data API
const (
	MaxPerPage  = 250
	MaxSpanDays = 365
)

// MarketLister retrieves ranked asset summaries.
type MarketLister interface {
	// ListMarkets returns one page of assets ordered by market capitalization,
	// highest first. An empty slice signals the end of available data.
	//
	// Implementations issue exactly one request per call and never retry; callers
	// are responsible for pacing successive calls.
	ListMarkets(ctx context.Context, req MarketsRequest) ([]models.MarketEntry, error)
}

// ChartFetcher retrieves daily price history for a single asset.
type ChartFetcher interface {
	// FetchDailyChart returns the daily points covering the last req.Days days.
	// Implementations issue exactly one request per call and never retry.
	FetchDailyChart(ctx context.Context, req ChartRequest) (*MarketChart, error)
}

// MarketDataSource combines the capabilities the pipeline needs from an API.
type MarketDataSource interface {
	MarketLister
	ChartFetcher
}

// MarketsRequest addresses one page of the ranked market listing
type MarketsRequest struct {
	VsCurrency string
	Page       int // 1-based
	PerPage    int
}

// Validate checks that the request respects the API bounds
func (r MarketsRequest) Validate() error {
	if r.VsCurrency == "" {
		return &ValidationError{Field: "vs_currency", Message: "vs_currency is required"}
	}
	if r.Page < 1 {
		return &ValidationError{Field: "page", Message: "page must be at least 1"}
	}
	if r.PerPage < 1 || r.PerPage > MaxPerPage {
		return &ValidationError{Field: "per_page", Message: fmt.Sprintf("per_page must be between 1 and %d", MaxPerPage)}
	}
	return nil
}

// ChartRequest addresses the daily history of one asset
type ChartRequest struct {
	SourceID   string
	VsCurrency string
	Days       int
}

// Validate checks that the request respects the API bounds
func (r ChartRequest) Validate() error {
	if r.SourceID == "" {
		return &ValidationError{Field: "source_id", Message: "source_id is required"}
	}
	if r.VsCurrency == "" {
		return &ValidationError{Field: "vs_currency", Message: "vs_currency is required"}
	}
	if r.Days < 1 || r.Days > MaxSpanDays {
		return &ValidationError{Field: "days", Message: fmt.Sprintf("days must be between 1 and %d", MaxSpanDays)}
	}
	return nil
}

// ChartPoint is one index-aligned (price, volume) sample. Volume is nil when the
// API returned fewer volume samples than prices.
type ChartPoint struct {
	Time   time.Time
	Price  float64
	Volume *float64
}

// MarketChart is the decoded daily history of one asset
type MarketChart struct {
	SourceID string
	Points   []ChartPoint
}

// ValidationError reports an invalid request parameter.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// APIError is returned for non-success HTTP responses
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	kind := "client error"
	if e.StatusCode >= 500 {
		kind = "server error"
	}
	return fmt.Sprintf("%s %d from %s: %s", kind, e.StatusCode, e.Endpoint, e.Body)
}

// HTTPStatus exposes the response status for error classification
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}
