// Package validator provides the acceptance rules applied to ranked market entries
// before they enter the asset catalog.
//
// An entry is accepted when it has a non-empty identifier, symbol and display name,
// reports both a market capitalization and a 24h volume, and that volume clears the
// configured liquidity threshold. Text fields that are blank after trimming count
// as missing. Rejections are not errors: the acquirer tallies them by reason and
// logs them in aggregate.
package validator

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cryptoscope/internal/models"
)

// RejectReason names the rule an entry failed
type RejectReason string

const (
	ReasonMissingID        RejectReason = "missing_id"
	ReasonMissingSymbol    RejectReason = "missing_symbol"
	ReasonMissingName      RejectReason = "missing_name"
	ReasonMissingMarketCap RejectReason = "missing_market_cap"
	ReasonMissingVolume    RejectReason = "missing_volume"
	ReasonLowVolume        RejectReason = "low_volume"
)

// EntryValidator decides whether a market entry may be stored.
type EntryValidator interface {
	// Validate returns true when the entry is accepted, otherwise false and the
	// first rule it failed.
	Validate(entry models.MarketEntry) (bool, RejectReason)
}

// MarketValidator applies the completeness and liquidity rules
type MarketValidator struct {
	minVolume decimal.Decimal
}

// NewMarketValidator creates a validator rejecting entries whose 24h volume is
// below minVolume.
func NewMarketValidator(minVolume decimal.Decimal) *MarketValidator {
	return &MarketValidator{minVolume: minVolume}
}

// MinVolume returns the liquidity threshold in use
func (v *MarketValidator) MinVolume() decimal.Decimal {
	return v.minVolume
}

// Validate implements EntryValidator
func (v *MarketValidator) Validate(entry models.MarketEntry) (bool, RejectReason) {
	if reason := v.check(entry); reason != "" {
		return false, reason
	}
	return true, ""
}

func (v *MarketValidator) check(entry models.MarketEntry) RejectReason {
	switch {
	case strings.TrimSpace(entry.ID) == "":
		return ReasonMissingID
	case strings.TrimSpace(entry.Symbol) == "":
		return ReasonMissingSymbol
	case strings.TrimSpace(entry.Name) == "":
		return ReasonMissingName
	case !entry.MarketCap.Valid:
		return ReasonMissingMarketCap
	case !entry.TotalVolume.Valid:
		return ReasonMissingVolume
	case entry.TotalVolume.Decimal.LessThan(v.minVolume):
		return ReasonLowVolume
	}
	return ""
}
