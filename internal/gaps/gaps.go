// Package gaps finds where each asset's stored history ends and backfills the
// missing days from the market data source.
package gaps

import (
	"context"
	"time"

	"github.com/johnayoung/cryptoscope/internal/config"
	"github.com/johnayoung/cryptoscope/internal/models"
)

// GapDetector computes resume points for the asset catalog.
type GapDetector interface {
	// Detect returns every active asset with its last stored date (or none),
	// highest market cap first. It never writes to the store.
	Detect(ctx context.Context) ([]models.ResumePoint, error)
}

// Backfiller fetches and stores the history missing after each resume point.
type Backfiller interface {
	// Backfill processes points in order. A failing asset is recorded in its
	// AssetResult and never stops the batch; only cancellation returns an error.
	Backfill(ctx context.Context, points []models.ResumePoint) (*BackfillResult, error)
}

// BackfillConfig holds the policy for one backfill run
type BackfillConfig struct {
	VsCurrency    string
	LookbackYears int
	MaxSpanDays   int
	SourceLabel   string
}

// NewBackfillConfig extracts the backfill policy from the application config
func NewBackfillConfig(cfg *config.AppConfig) BackfillConfig {
	return BackfillConfig{
		VsCurrency:    cfg.Acquirer.VsCurrency,
		LookbackYears: cfg.Backfill.LookbackYears,
		MaxSpanDays:   cfg.Backfill.MaxSpanDays,
		SourceLabel:   cfg.Backfill.SourceLabel,
	}
}

// AssetResult is the outcome of backfilling one asset.
type AssetResult struct {
	Asset models.Asset `json:"asset"`

	// Start is the first missing date; Days is the span actually requested
	Start time.Time `json:"start"`
	Days  int       `json:"days"`

	// Clamped reports that the gap was longer than one request may cover. Only
	// the most recent Days were requested; the older part of the gap stays
	// unfilled because the next resume point starts after the stored span.
	Clamped bool `json:"clamped,omitempty"`

	// Skipped reports that the asset was already current and no request was made
	Skipped bool `json:"skipped,omitempty"`

	Fetched  int   `json:"fetched"`
	Inserted int   `json:"inserted"`
	Err      error `json:"-"`
}

// Failed reports whether the asset could not be backfilled
func (r AssetResult) Failed() bool {
	return r.Err != nil
}

// BackfillResult summarizes one backfill run.
type BackfillResult struct {
	Assets   []AssetResult `json:"assets"`
	Requests int           `json:"requests"`
	Inserted int           `json:"inserted"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

func (r *BackfillResult) add(ar AssetResult) {
	r.Assets = append(r.Assets, ar)
	r.Inserted += ar.Inserted
	switch {
	case ar.Skipped:
		r.Skipped++
	case ar.Failed():
		r.Failed++
	}
}
