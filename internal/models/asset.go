// Package models provides the data structures shared by the cryptoscope pipeline stages:
// the asset catalog, market summaries fetched from the API, daily price records and the
// per-asset resume points produced by gap detection.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date format persisted for daily records
const DateLayout = "2006-01-02"

// MarketEntry is one ranked asset summary returned by the market listing endpoint.
// MarketCap and TotalVolume are null when the API has no figure for the asset.
type MarketEntry struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Name        string              `json:"name"`
	MarketCap   decimal.NullDecimal `json:"market_cap"`
	TotalVolume decimal.NullDecimal `json:"total_volume"`
}

// Asset represents one cryptocurrency tracked in the catalog.
// (Symbol, SourceID) is unique; Symbol alone is not.
type Asset struct {
	ID        int64               `json:"id" db:"id"`
	Symbol    string              `json:"symbol" db:"symbol"`
	Name      string              `json:"name" db:"name"`
	SourceID  string              `json:"source_id" db:"source_id"`
	IsActive  bool                `json:"is_active" db:"is_active"`
	MarketCap decimal.NullDecimal `json:"market_cap" db:"market_cap"`
	Volume24h decimal.NullDecimal `json:"volume_24h" db:"volume_24h"`
}

// NewAssetFromMarket normalizes a market entry into a catalog row
func NewAssetFromMarket(e MarketEntry) Asset {
	return Asset{
		Symbol:    strings.ToUpper(strings.TrimSpace(e.Symbol)),
		Name:      strings.TrimSpace(e.Name),
		SourceID:  strings.TrimSpace(e.ID),
		IsActive:  true,
		MarketCap: e.MarketCap,
		Volume24h: e.TotalVolume,
	}
}

// Key returns the catalog uniqueness key
func (a Asset) Key() string {
	return a.Symbol + "|" + a.SourceID
}

// Validate checks the fields required before an asset can be persisted
func (a Asset) Validate() error {
	if a.SourceID == "" {
		return &ValidationError{Field: "source_id", Message: "source_id cannot be empty"}
	}
	if a.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if a.Symbol != strings.ToUpper(a.Symbol) {
		return &ValidationError{Field: "symbol", Message: fmt.Sprintf("symbol %q must be upper-case", a.Symbol)}
	}
	if a.Name == "" {
		return &ValidationError{Field: "name", Message: "name cannot be empty"}
	}
	return nil
}

// ResumePoint is the gap detection result for one asset: the last date with a
// stored daily record, or nil when the asset has no history yet.
type ResumePoint struct {
	Asset    Asset      `json:"asset"`
	LastDate *time.Time `json:"last_date,omitempty"`
}

// HasHistory reports whether any daily record exists for the asset
func (r ResumePoint) HasHistory() bool {
	return r.LastDate != nil
}

// LastDateString renders the resume date, or "none"
func (r ResumePoint) LastDateString() string {
	if r.LastDate == nil {
		return "none"
	}
	return r.LastDate.Format(DateLayout)
}

// ValidationError represents a validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}
