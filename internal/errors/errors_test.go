package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type httpErr struct{ status int }

func (e httpErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e httpErr) HTTPStatus() int { return e.status }

type dbErr struct{}

func (dbErr) Error() string            { return "disk I/O error" }
func (dbErr) StorageOperation() string { return "insert" }

type netTimeout struct{ timeout bool }

func (e netTimeout) Error() string   { return "dial tcp: i/o" }
func (e netTimeout) Timeout() bool   { return e.timeout }
func (e netTimeout) Temporary() bool { return false }

func TestErrorClassification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	classifier := NewErrorClassifier(logger)

	var syntaxTarget map[string]any
	syntaxErr := json.Unmarshal([]byte("{broken"), &syntaxTarget)
	require.Error(t, syntaxErr)

	tests := []struct {
		name             string
		err              error
		expectedType     ErrorType
		expectedSeverity Severity
	}{
		{
			name:             "http 429",
			err:              fmt.Errorf("failed to fetch markets: %w", httpErr{429}),
			expectedType:     ErrorTypeRateLimit,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "http 503",
			err:              httpErr{503},
			expectedType:     ErrorTypeServerError,
			expectedSeverity: SeverityMedium,
		},
		{
			name:             "http 404",
			err:              httpErr{404},
			expectedType:     ErrorTypeBadRequest,
			expectedSeverity: SeverityMedium,
		},
		{
			name:             "storage failure",
			err:              fmt.Errorf("failed to insert prices: %w", dbErr{}),
			expectedType:     ErrorTypeStorage,
			expectedSeverity: SeverityHigh,
		},
		{
			name:             "net timeout",
			err:              netTimeout{timeout: true},
			expectedType:     ErrorTypeTimeout,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "net failure",
			err:              netTimeout{timeout: false},
			expectedType:     ErrorTypeNetwork,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "deadline exceeded",
			err:              fmt.Errorf("request: %w", context.DeadlineExceeded),
			expectedType:     ErrorTypeTimeout,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "canceled",
			err:              context.Canceled,
			expectedType:     ErrorTypeCanceled,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "json syntax",
			err:              fmt.Errorf("failed to decode chart: %w", syntaxErr),
			expectedType:     ErrorTypeParse,
			expectedSeverity: SeverityMedium,
		},
		{
			name:             "connection refused by message",
			err:              fmt.Errorf("dial tcp 127.0.0.1:1: connection refused"),
			expectedType:     ErrorTypeNetwork,
			expectedSeverity: SeverityLow,
		},
		{
			name:             "permission denied",
			err:              fmt.Errorf("mkdir /root/db: permission denied"),
			expectedType:     ErrorTypeConfiguration,
			expectedSeverity: SeverityCritical,
		},
		{
			name:             "unknown error",
			err:              fmt.Errorf("something went wrong"),
			expectedType:     ErrorTypeUnknown,
			expectedSeverity: SeverityMedium,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.err, "backfill", "fetch_chart")
			require.NotNil(t, classified)
			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, "backfill", classified.Component)
			assert.ErrorIs(t, classified, tt.err)
		})
	}
}

func TestClassifyNil(t *testing.T) {
	classifier := NewErrorClassifier(nil)
	assert.Nil(t, classifier.Classify(nil, "acquirer", "list_markets"))
	assert.Equal(t, int64(0), classifier.Total())
}

func TestClassifyAlreadyClassified(t *testing.T) {
	classifier := NewErrorClassifier(nil)
	first := classifier.Classify(httpErr{500}, "acquirer", "list_markets")
	second := classifier.Classify(fmt.Errorf("wrapped: %w", first), "pipeline", "run")

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), classifier.Total())
}

func TestErrorStatistics(t *testing.T) {
	classifier := NewErrorClassifier(nil)

	classifier.Classify(httpErr{429}, "backfill", "fetch_chart")
	classifier.Classify(httpErr{429}, "backfill", "fetch_chart")
	classifier.Classify(dbErr{}, "backfill", "insert_prices")

	stats := classifier.GetStats()
	assert.Equal(t, int64(2), stats[ErrorTypeRateLimit].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeStorage].Count)
	assert.False(t, stats[ErrorTypeRateLimit].FirstSeen.After(stats[ErrorTypeRateLimit].LastSeen))
	assert.Equal(t, int64(3), classifier.Total())
	assert.Equal(t, "rate_limit=2 storage=1", classifier.Summary())
}

func TestSummaryEmpty(t *testing.T) {
	assert.Equal(t, "none", NewErrorClassifier(nil).Summary())
}

func TestUtilityFunctions(t *testing.T) {
	t.Run("GetErrorType", func(t *testing.T) {
		classifier := NewErrorClassifier(nil)
		classified := classifier.Classify(httpErr{502}, "backfill", "fetch_chart")

		assert.Equal(t, ErrorTypeServerError, GetErrorType(fmt.Errorf("outer: %w", classified)))
		assert.Equal(t, ErrorTypeUnknown, GetErrorType(fmt.Errorf("plain")))
	})

	t.Run("LogAttrs", func(t *testing.T) {
		classified := NewErrorClassifier(nil).Classify(httpErr{404}, "backfill", "fetch_chart")
		assert.Len(t, classified.LogAttrs(), 3)
	})

	t.Run("Severity strings", func(t *testing.T) {
		assert.Equal(t, "low", SeverityLow.String())
		assert.Equal(t, "critical", SeverityCritical.String())
		assert.Equal(t, "unknown", Severity(42).String())
	})
}
