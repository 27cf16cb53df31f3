package gaps

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
)

// GapDetectorImpl answers gap detection with a single store query.
type GapDetectorImpl struct {
	store  storage.Store
	logger *slog.Logger
}

var _ GapDetector = (*GapDetectorImpl)(nil)

// NewGapDetector creates a gap detector over the given store.
func NewGapDetector(store storage.Store, logger *slog.Logger) *GapDetectorImpl {
	if logger == nil {
		logger = slog.Default().With("component", "gap_detector")
	}
	return &GapDetectorImpl{
		store:  store,
		logger: logger,
	}
}

// Detect implements GapDetector.Detect
func (gd *GapDetectorImpl) Detect(ctx context.Context) ([]models.ResumePoint, error) {
	session, err := gd.store.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer session.Close()

	points, err := session.ResumePoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute resume points: %w", err)
	}

	withHistory := 0
	for _, p := range points {
		if p.HasHistory() {
			withHistory++
		}
	}

	gd.logger.InfoContext(ctx, "gap detection completed",
		"assets", len(points),
		"with_history", withHistory,
		"without_history", len(points)-withHistory)

	return points, nil
}
