package models

import (
	"fmt"
	"time"
)

// DailyPriceRecord is one day's OHLCV snapshot for one asset. (SymbolID, Date) is
// unique and records are never rewritten once stored.
type DailyPriceRecord struct {
	SymbolID     int64     `json:"symbol_id" db:"symbol_id"`
	Date         time.Time `json:"date" db:"date"`
	Open         float64   `json:"open" db:"open"`
	High         float64   `json:"high" db:"high"`
	Low          float64   `json:"low" db:"low"`
	Close        float64   `json:"close" db:"close"`
	Volume       *float64  `json:"volume,omitempty" db:"volume"`
	LastPrice24h float64   `json:"last_price_24h" db:"last_price_24h"`
	High24h      float64   `json:"high_24h" db:"high_24h"`
	Low24h       float64   `json:"low_24h" db:"low_24h"`
	Volume24h    *float64  `json:"volume_24h,omitempty" db:"volume_24h"`
	Liquidity    *float64  `json:"liquidity,omitempty" db:"liquidity"`
	Source       string    `json:"source" db:"source"`
}

// NewDailyPriceFromPoint builds a record from a single point-in-time price, which
// the daily chart endpoint reports in place of a full OHLC bar. volume may be nil
// when the API returned fewer volume points than prices.
func NewDailyPriceFromPoint(symbolID int64, at time.Time, price float64, volume *float64, source string) DailyPriceRecord {
	return DailyPriceRecord{
		SymbolID:     symbolID,
		Date:         TruncateToDate(at),
		Open:         price,
		High:         price,
		Low:          price,
		Close:        price,
		Volume:       volume,
		LastPrice24h: price,
		High24h:      price,
		Low24h:       price,
		Volume24h:    volume,
		Liquidity:    volume,
		Source:       source,
	}
}

// DateString renders the record date in the persisted layout
func (r DailyPriceRecord) DateString() string {
	return r.Date.Format(DateLayout)
}

// Validate checks the fields required before a record can be persisted
func (r DailyPriceRecord) Validate() error {
	if r.SymbolID <= 0 {
		return &ValidationError{Field: "symbol_id", Message: "symbol_id must reference a stored asset"}
	}
	if r.Date.IsZero() {
		return &ValidationError{Field: "date", Message: "date cannot be zero"}
	}
	if r.Close < 0 {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("close price %v cannot be negative", r.Close)}
	}
	return nil
}

// TruncateToDate returns midnight UTC of t's UTC calendar date
func TruncateToDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a persisted YYYY-MM-DD date as midnight UTC
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}
