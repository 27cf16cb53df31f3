package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cryptoscope/internal/config"
	"github.com/johnayoung/cryptoscope/internal/exchange"
	"github.com/johnayoung/cryptoscope/internal/gaps"
	"github.com/johnayoung/cryptoscope/internal/logger"
	"github.com/johnayoung/cryptoscope/internal/models"
	"github.com/johnayoung/cryptoscope/internal/storage"
)

var pipelineToday = time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

const pipelineMarkets = `[
	{"id":"bitcoin","symbol":"btc","name":"Bitcoin","market_cap":1200000000000,"total_volume":35000000000},
	{"id":"ethereum","symbol":"eth","name":"Ethereum","market_cap":400000000000,"total_volume":15000000000},
	{"id":"dusty","symbol":"dst","name":"Dusty","market_cap":1000000,"total_volume":12}
]`

// fakeCoinGecko serves one page of markets and daily charts ending at today
func fakeCoinGecko(t *testing.T, today time.Time, chartCalls *atomic.Int64) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/coins/markets":
			if r.URL.Query().Get("page") == "1" {
				_, _ = w.Write([]byte(pipelineMarkets))
				return
			}
			_, _ = w.Write([]byte(`[]`))

		case strings.HasPrefix(r.URL.Path, "/coins/") && strings.HasSuffix(r.URL.Path, "/market_chart"):
			chartCalls.Add(1)
			days, err := strconv.Atoi(r.URL.Query().Get("days"))
			if err != nil {
				http.Error(w, "bad days", http.StatusBadRequest)
				return
			}

			day := models.TruncateToDate(today)
			var prices, volumes []string
			for i := days; i >= 0; i-- {
				ms := day.AddDate(0, 0, -i).UnixMilli()
				prices = append(prices, fmt.Sprintf("[%d,%d]", ms, 100+i))
				volumes = append(volumes, fmt.Sprintf("[%d,%d]", ms, 5000+i))
			}
			fmt.Fprintf(w, `{"prices":[%s],"total_volumes":[%s]}`,
				strings.Join(prices, ","), strings.Join(volumes, ","))

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPipeline_RunEndToEnd(t *testing.T) {
	var chartCalls atomic.Int64
	server := fakeCoinGecko(t, pipelineToday, &chartCalls)

	cfg := config.DefaultConfig()
	cfg.Source.BaseURL = server.URL
	cfg.Source.Timeout = "5s"
	cfg.Acquirer.TargetCount = 10
	cfg.Storage.Path = filepath.Join(t.TempDir(), "db", "crypto.db")

	store, err := storage.New(storage.TypeSQLite, cfg.Storage.Path, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	limiter := &exchange.NoopLimiter{}
	pipeline, err := NewBuilder(cfg).
		WithStore(store).
		WithSource(exchange.NewCoinGeckoClient(cfg.Source, slog.Default())).
		WithLimiter(limiter).
		WithLoggers(logger.NewWithWriter(cfg.Logging, &strings.Builder{})).
		WithClock(func() time.Time { return pipelineToday }).
		Build()
	require.NoError(t, err)

	summary, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, summary.Acquire)
	assert.Equal(t, 3, summary.Acquire.Fetched)
	assert.Equal(t, 2, summary.Acquire.Accepted)
	assert.Equal(t, 1, summary.Acquire.Rejected)
	assert.Equal(t, 2, summary.Acquire.Inserted)
	assert.Equal(t, 2, summary.ResumePoints)

	require.NotNil(t, summary.Backfill)
	assert.Equal(t, 2, summary.Backfill.Requests)
	assert.Equal(t, 2*(cfg.Backfill.MaxSpanDays+1), summary.Backfill.Inserted)
	assert.Zero(t, summary.Backfill.Failed)
	assert.Equal(t, "none", summary.Errors)
	assert.NotEmpty(t, summary.RunID)

	for _, stage := range []string{StageAcquire, StageGaps, StageBackfill} {
		assert.Contains(t, summary.StageDurations, stage)
	}

	// Two market pages and two charts, each paced
	assert.Equal(t, int64(4), limiter.Calls())
	assert.Equal(t, int64(2), chartCalls.Load())

	// A second run finds everything current
	again, err := pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Acquire.Inserted)
	assert.Zero(t, again.Backfill.Requests)
	assert.Zero(t, again.Backfill.Inserted)
	assert.Equal(t, 2, again.Backfill.Skipped)
	assert.Equal(t, int64(2), chartCalls.Load())

	points, err := pipeline.RunGaps(context.Background())
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "BTC", points[0].Asset.Symbol)
	assert.Equal(t, "2024-03-15", points[0].LastDateString())
}

// stubAcquirer, stubDetector and stubBackfiller record calls for orchestration tests
type stubAcquirer struct {
	result *AcquireResult
	err    error
	calls  int
	target int
}

func (s *stubAcquirer) Acquire(ctx context.Context, targetCount int) (*AcquireResult, error) {
	s.calls++
	s.target = targetCount
	return s.result, s.err
}

type stubDetector struct {
	points []models.ResumePoint
	err    error
	calls  int
}

func (s *stubDetector) Detect(ctx context.Context) ([]models.ResumePoint, error) {
	s.calls++
	return s.points, s.err
}

type stubBackfiller struct {
	result *gaps.BackfillResult
	err    error
	got    []models.ResumePoint
	calls  int
}

func (s *stubBackfiller) Backfill(ctx context.Context, points []models.ResumePoint) (*gaps.BackfillResult, error) {
	s.calls++
	s.got = points
	return s.result, s.err
}

func newStubPipeline(acq *stubAcquirer, det *stubDetector, bf *stubBackfiller) *Pipeline {
	return NewPipeline(storage.NewMemoryStore(), acq, det, bf, 1000, slog.Default(), nil)
}

func TestPipeline_RunsStagesInOrder(t *testing.T) {
	points := []models.ResumePoint{{Asset: models.Asset{ID: 1, Symbol: "BTC", SourceID: "bitcoin"}}}
	acq := &stubAcquirer{result: &AcquireResult{Accepted: 1, Inserted: 1}}
	det := &stubDetector{points: points}
	bf := &stubBackfiller{result: &gaps.BackfillResult{Requests: 1, Inserted: 10}}

	summary, err := newStubPipeline(acq, det, bf).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, acq.calls)
	assert.Equal(t, 1000, acq.target)
	assert.Equal(t, 1, det.calls)
	assert.Equal(t, points, bf.got)
	assert.Equal(t, 1, summary.ResumePoints)
	assert.Equal(t, 10, summary.Backfill.Inserted)
}

func TestPipeline_AcquireFailureStopsRun(t *testing.T) {
	acq := &stubAcquirer{result: &AcquireResult{Accepted: 5}, err: errors.New("disk full")}
	det := &stubDetector{}
	bf := &stubBackfiller{}

	summary, err := newStubPipeline(acq, det, bf).Run(context.Background())
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageAcquire, stageErr.Stage)
	assert.Zero(t, det.calls)
	assert.Zero(t, bf.calls)
	assert.Equal(t, 5, summary.Acquire.Accepted)
}

func TestPipeline_DetectFailureSkipsBackfill(t *testing.T) {
	acq := &stubAcquirer{result: &AcquireResult{}}
	det := &stubDetector{err: errors.New("query failed")}
	bf := &stubBackfiller{}

	_, err := newStubPipeline(acq, det, bf).Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageGaps, stageErr.Stage)
	assert.Zero(t, bf.calls)
}

func TestPipeline_BackfillCancellationKeepsResult(t *testing.T) {
	acq := &stubAcquirer{result: &AcquireResult{}}
	det := &stubDetector{}
	bf := &stubBackfiller{
		result: &gaps.BackfillResult{Inserted: 3},
		err:    fmt.Errorf("backfill interrupted: %w", context.Canceled),
	}

	summary, err := newStubPipeline(acq, det, bf).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, summary.Backfill.Inserted)
}

func TestPipeline_RunBackfillSkipsAcquisition(t *testing.T) {
	acq := &stubAcquirer{}
	det := &stubDetector{}
	bf := &stubBackfiller{result: &gaps.BackfillResult{}}

	summary, err := newStubPipeline(acq, det, bf).RunBackfill(context.Background())
	require.NoError(t, err)

	assert.Zero(t, acq.calls)
	assert.Equal(t, 1, bf.calls)
	assert.Nil(t, summary.Acquire)
	assert.NotContains(t, summary.StageDurations, StageAcquire)
}

func TestPipeline_RunAcquireUsesGivenTarget(t *testing.T) {
	acq := &stubAcquirer{result: &AcquireResult{}}
	det := &stubDetector{}
	bf := &stubBackfiller{}

	_, err := newStubPipeline(acq, det, bf).RunAcquire(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, 42, acq.target)
	assert.Zero(t, det.calls)
	assert.Zero(t, bf.calls)
}

func TestPipeline_KeepsRunIDFromContext(t *testing.T) {
	ctx := logger.WithRunID(context.Background(), "run-123")
	bf := &stubBackfiller{result: &gaps.BackfillResult{}}

	summary, err := newStubPipeline(&stubAcquirer{result: &AcquireResult{}}, &stubDetector{}, bf).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-123", summary.RunID)
}

func TestPipeline_InitializeFailure(t *testing.T) {
	store := storage.NewMemoryStore()
	acq := &stubAcquirer{}
	p := NewPipeline(store, acq, &stubDetector{}, &stubBackfiller{}, 10, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Run(ctx)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "initialize", stageErr.Stage)
	assert.Zero(t, acq.calls)
}

func TestRunSummary_String(t *testing.T) {
	summary := &RunSummary{
		RunID:   "abc",
		Acquire: &AcquireResult{Pages: 4, Fetched: 1000, Accepted: 800, Rejected: 200, Inserted: 12},
		Backfill: &gaps.BackfillResult{
			Requests: 7, Inserted: 90, Skipped: 793, Failed: 1,
		},
		ResumePoints: 800,
		StageDurations: map[string]time.Duration{
			StageAcquire:  40 * time.Second,
			StageGaps:     20 * time.Millisecond,
			StageBackfill: 70 * time.Second,
		},
		Total:  110 * time.Second,
		Errors: "rate_limit=1",
	}

	out := summary.String()
	assert.Contains(t, out, "run abc finished in 1m50s")
	assert.Contains(t, out, "accepted=800 rejected=200 inserted=12")
	assert.Contains(t, out, "assets=800")
	assert.Contains(t, out, "current=793 failed=1")
	assert.Contains(t, out, "errors:   rate_limit=1")
}

func TestPipelineBuilder_RequiresDependencies(t *testing.T) {
	cfg := config.DefaultConfig()

	_, err := NewBuilder(nil).Build()
	assert.Error(t, err)

	_, err = NewBuilder(cfg).WithSource(exchange.NewCoinGeckoClient(cfg.Source, nil)).Build()
	assert.ErrorContains(t, err, "store")

	_, err = NewBuilder(cfg).WithStore(storage.NewMemoryStore()).Build()
	assert.ErrorContains(t, err, "source")
}
