// Package errors provides error classification and structured error reporting for the
// cryptoscope pipeline. Failures of a single unit of work (one page, one asset) are
// classified for logging and aggregate counts; nothing here retries.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeNetwork       ErrorType = "network"       // Network connectivity issues
	ErrorTypeTimeout       ErrorType = "timeout"       // Request timeout
	ErrorTypeRateLimit     ErrorType = "rate_limit"    // HTTP 429 from the market-data API
	ErrorTypeServerError   ErrorType = "server_error"  // HTTP 5xx errors
	ErrorTypeBadRequest    ErrorType = "bad_request"   // HTTP 4xx errors (except rate limit)
	ErrorTypeParse         ErrorType = "parse"         // Malformed response payload
	ErrorTypeStorage       ErrorType = "storage"       // Database failures
	ErrorTypeConfiguration ErrorType = "configuration" // Configuration or filesystem errors
	ErrorTypeCanceled      ErrorType = "canceled"      // Interrupted by the caller
	ErrorTypeUnknown       ErrorType = "unknown"       // Unclassified errors
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ClassifiedError represents an error with metadata for reporting
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// LogAttrs returns the slog attributes describing the error
func (ce *ClassifiedError) LogAttrs() []any {
	return []any{
		slog.String("error_type", string(ce.Type)),
		slog.String("severity", ce.Severity.String()),
		slog.Any("error", ce.Err),
	}
}

// statusCoder is implemented by errors that carry an HTTP status
type statusCoder interface {
	HTTPStatus() int
}

// storageFailure is implemented by errors raised by the storage layer
type storageFailure interface {
	StorageOperation() string
}

// ErrorClassifier classifies errors and keeps per-type counts for a run
type ErrorClassifier struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  map[ErrorType]ErrorStats
}

// ErrorStats tracks error statistics for reporting
type ErrorStats struct {
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{
		logger: logger,
		stats:  make(map[ErrorType]ErrorStats),
	}
}

// Classify analyzes an error and returns a ClassifiedError
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var existing *ClassifiedError
	if errors.As(err, &existing) {
		return existing
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.updateStats(errorType, classified.Timestamp)

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"component", component,
		"operation", operation)

	return classified
}

// classifyErrorType determines the error type, preferring typed errors over message patterns
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		switch {
		case status == http.StatusTooManyRequests:
			return ErrorTypeRateLimit
		case status >= 500:
			return ErrorTypeServerError
		case status >= 400:
			return ErrorTypeBadRequest
		}
	}

	var sf storageFailure
	if errors.As(err, &sf) {
		return ErrorTypeStorage
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ErrorTypeParse
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case containsAny(errStr, "connection refused", "connection reset", "no such host", "network is unreachable"):
		return ErrorTypeNetwork
	case containsAny(errStr, "timeout", "deadline exceeded"):
		return ErrorTypeTimeout
	case containsAny(errStr, "too many requests", "rate limit"):
		return ErrorTypeRateLimit
	case containsAny(errStr, "malformed", "unexpected end of json", "invalid character"):
		return ErrorTypeParse
	case containsAny(errStr, "config", "permission denied", "read-only file system"):
		return ErrorTypeConfiguration
	}

	return ErrorTypeUnknown
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeConfiguration:
		return SeverityCritical
	case ErrorTypeStorage:
		return SeverityHigh
	case ErrorTypeBadRequest, ErrorTypeParse, ErrorTypeServerError, ErrorTypeUnknown:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (ec *ErrorClassifier) updateStats(errorType ErrorType, at time.Time) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	stats := ec.stats[errorType]
	stats.Count++
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = at
	}
	stats.LastSeen = at
	ec.stats[errorType] = stats
}

// GetStats returns a copy of the per-type statistics
func (ec *ErrorClassifier) GetStats() map[ErrorType]ErrorStats {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	out := make(map[ErrorType]ErrorStats, len(ec.stats))
	for k, v := range ec.stats {
		out[k] = v
	}
	return out
}

// Total returns the number of errors classified so far
func (ec *ErrorClassifier) Total() int64 {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	var total int64
	for _, s := range ec.stats {
		total += s.Count
	}
	return total
}

// Summary renders the counts as "type=n" pairs sorted by type, for end-of-run logging
func (ec *ErrorClassifier) Summary() string {
	stats := ec.GetStats()
	if len(stats) == 0 {
		return "none"
	}

	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, stats[ErrorType(k)].Count))
	}
	return strings.Join(parts, " ")
}

// GetErrorType extracts the error type from a classified error
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
