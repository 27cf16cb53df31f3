package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/cryptoscope/internal/errors"
	"github.com/johnayoung/cryptoscope/internal/gaps"
	"github.com/johnayoung/cryptoscope/internal/logger"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
)

// Pipeline runs the three ingestion stages in order against one store. Each
// stage finishes, persistence included, before the next one starts.
type Pipeline struct {
	store       storage.Store
	acquirer    Acquirer
	detector    gaps.GapDetector
	backfiller  gaps.Backfiller
	classifier  *apperrors.ErrorClassifier
	logger      *slog.Logger
	targetCount int
}

// RunSummary reports what one pipeline invocation did.
type RunSummary struct {
	RunID string `json:"run_id"`

	Acquire      *AcquireResult       `json:"acquire,omitempty"`
	ResumePoints int                  `json:"resume_points"`
	Backfill     *gaps.BackfillResult `json:"backfill,omitempty"`

	StageDurations map[string]time.Duration `json:"stage_durations"`
	Total          time.Duration            `json:"total"`

	// Errors renders per-unit failure counts by type, or "none"
	Errors string `json:"errors"`
}

func newRunSummary(runID string) *RunSummary {
	return &RunSummary{
		RunID:          runID,
		StageDurations: make(map[string]time.Duration),
	}
}

// NewPipeline assembles a pipeline from its stages
func NewPipeline(
	store storage.Store,
	acquirer Acquirer,
	detector gaps.GapDetector,
	backfiller gaps.Backfiller,
	targetCount int,
	logger *slog.Logger,
	classifier *apperrors.ErrorClassifier,
) *Pipeline {
	if logger == nil {
		logger = slog.Default().With("component", "pipeline")
	}
	if classifier == nil {
		classifier = apperrors.NewErrorClassifier(logger)
	}
	return &Pipeline{
		store:       store,
		acquirer:    acquirer,
		detector:    detector,
		backfiller:  backfiller,
		classifier:  classifier,
		logger:      logger,
		targetCount: targetCount,
	}
}

// Initialize prepares the store location and schema
func (p *Pipeline) Initialize(ctx context.Context) error {
	if err := p.store.Initialize(ctx); err != nil {
		return &StageError{Stage: "initialize", Err: err}
	}
	return nil
}

// Run executes acquisition, gap detection and backfill. Per-asset and per-page
// failures are counted in the summary; the returned error is reserved for
// failures that prevent a stage from completing, and for cancellation.
func (p *Pipeline) Run(ctx context.Context) (*RunSummary, error) {
	return p.run(ctx, true)
}

// RunBackfill executes gap detection and backfill against the existing catalog
func (p *Pipeline) RunBackfill(ctx context.Context) (*RunSummary, error) {
	return p.run(ctx, false)
}

// RunAcquire executes only the acquisition stage with the given target
func (p *Pipeline) RunAcquire(ctx context.Context, targetCount int) (*RunSummary, error) {
	ctx, summary := p.begin(ctx)
	started := time.Now()

	if err := p.Initialize(ctx); err != nil {
		return p.finish(ctx, summary, started, err)
	}
	err := p.acquireStage(ctx, summary, targetCount)
	return p.finish(ctx, summary, started, err)
}

// RunGaps executes gap detection only and returns the resume points
func (p *Pipeline) RunGaps(ctx context.Context) ([]models.ResumePoint, error) {
	ctx, summary := p.begin(ctx)
	started := time.Now()

	if err := p.Initialize(ctx); err != nil {
		_, err = p.finish(ctx, summary, started, err)
		return nil, err
	}
	points, err := p.detectStage(ctx, summary)
	_, err = p.finish(ctx, summary, started, err)
	return points, err
}

func (p *Pipeline) run(ctx context.Context, acquire bool) (*RunSummary, error) {
	ctx, summary := p.begin(ctx)
	started := time.Now()

	p.logger.InfoContext(ctx, "pipeline starting",
		"acquire", acquire,
		"target", p.targetCount)

	if err := p.Initialize(ctx); err != nil {
		return p.finish(ctx, summary, started, err)
	}

	if acquire {
		if err := p.acquireStage(ctx, summary, p.targetCount); err != nil {
			return p.finish(ctx, summary, started, err)
		}
	}

	points, err := p.detectStage(ctx, summary)
	if err != nil {
		return p.finish(ctx, summary, started, err)
	}

	err = p.backfillStage(ctx, summary, points)
	return p.finish(ctx, summary, started, err)
}

func (p *Pipeline) begin(ctx context.Context) (context.Context, *RunSummary) {
	runID := logger.GetRunID(ctx)
	if runID == "" {
		runID = logger.NewRunID()
		ctx = logger.WithRunID(ctx, runID)
	}
	return ctx, newRunSummary(runID)
}

func (p *Pipeline) finish(ctx context.Context, summary *RunSummary, started time.Time, err error) (*RunSummary, error) {
	summary.Total = time.Since(started)
	summary.Errors = p.classifier.Summary()

	attrs := []any{
		"total", summary.Total,
		"errors", summary.Errors,
	}
	for stage, d := range summary.StageDurations {
		attrs = append(attrs, stage, d)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		p.logger.ErrorContext(ctx, "pipeline stopped", attrs...)
		return summary, err
	}

	p.logger.InfoContext(ctx, "pipeline completed", attrs...)
	return summary, nil
}

func (p *Pipeline) acquireStage(ctx context.Context, summary *RunSummary, targetCount int) error {
	ctx = logger.WithStage(ctx, StageAcquire)

	d, err := logger.TimedOperation(ctx, p.logger, StageAcquire, func() error {
		result, err := p.acquirer.Acquire(ctx, targetCount)
		summary.Acquire = result
		return err
	})
	summary.StageDurations[StageAcquire] = d
	if err != nil {
		return &StageError{Stage: StageAcquire, Err: err}
	}
	return nil
}

func (p *Pipeline) detectStage(ctx context.Context, summary *RunSummary) ([]models.ResumePoint, error) {
	ctx = logger.WithStage(ctx, StageGaps)

	var points []models.ResumePoint
	d, err := logger.TimedOperation(ctx, p.logger, StageGaps, func() error {
		var err error
		points, err = p.detector.Detect(ctx)
		return err
	})
	summary.StageDurations[StageGaps] = d
	if err != nil {
		return nil, &StageError{Stage: StageGaps, Err: err}
	}
	summary.ResumePoints = len(points)
	return points, nil
}

func (p *Pipeline) backfillStage(ctx context.Context, summary *RunSummary, points []models.ResumePoint) error {
	ctx = logger.WithStage(ctx, StageBackfill)

	d, err := logger.TimedOperation(ctx, p.logger, StageBackfill, func() error {
		result, err := p.backfiller.Backfill(ctx, points)
		summary.Backfill = result
		return err
	})
	summary.StageDurations[StageBackfill] = d
	if err != nil {
		return &StageError{Stage: StageBackfill, Err: err}
	}
	return nil
}

// String renders a short human-readable account of the run
func (s *RunSummary) String() string {
	out := fmt.Sprintf("run %s finished in %s\n", s.RunID, s.Total.Round(time.Millisecond))

	if s.Acquire != nil {
		out += fmt.Sprintf("  acquire:  %s, pages=%d fetched=%d accepted=%d rejected=%d inserted=%d\n",
			s.StageDurations[StageAcquire].Round(time.Millisecond),
			s.Acquire.Pages, s.Acquire.Fetched, s.Acquire.Accepted, s.Acquire.Rejected, s.Acquire.Inserted)
	}
	if d, ok := s.StageDurations[StageGaps]; ok {
		out += fmt.Sprintf("  gaps:     %s, assets=%d\n", d.Round(time.Millisecond), s.ResumePoints)
	}
	if s.Backfill != nil {
		out += fmt.Sprintf("  backfill: %s, requests=%d inserted=%d current=%d failed=%d\n",
			s.StageDurations[StageBackfill].Round(time.Millisecond),
			s.Backfill.Requests, s.Backfill.Inserted, s.Backfill.Skipped, s.Backfill.Failed)
	}
	out += fmt.Sprintf("  errors:   %s\n", s.Errors)
	return out
}
