package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cryptoscope/internal/config"
	"github.com/johnayoung/cryptoscope/internal/models"
)

const (
	// API endpoints
	marketsEndpoint     = "/coins/markets"
	marketChartEndpoint = "/coins/%s/market_chart"

	// Header used by the CoinGecko demo plan
	demoAPIKeyHeader = "x-cg-demo-api-key"

	// Error bodies are truncated to this length in APIError
	maxErrorBody = 512
)

// CoinGeckoClient implements MarketDataSource against the CoinGecko public API.
// It performs a single attempt per call; pacing belongs to the caller's Limiter.
type CoinGeckoClient struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	apiKey     string
	logger     *slog.Logger
}

var _ MarketDataSource = (*CoinGeckoClient)(nil)

// coingeckoMarket mirrors one element of the /coins/markets response
type coingeckoMarket struct {
	ID          string              `json:"id"`
	Symbol      string              `json:"symbol"`
	Name        string              `json:"name"`
	MarketCap   decimal.NullDecimal `json:"market_cap"`
	TotalVolume decimal.NullDecimal `json:"total_volume"`
}

// coingeckoChart mirrors the /coins/{id}/market_chart response. Each sample is
// [epoch_ms, value].
type coingeckoChart struct {
	Prices       [][]float64 `json:"prices"`
	TotalVolumes [][]float64 `json:"total_volumes"`
}

// NewCoinGeckoClient creates a client from the source configuration.
func NewCoinGeckoClient(cfg config.SourceConfig, logger *slog.Logger) *CoinGeckoClient {
	if logger == nil {
		logger = slog.Default()
	}

	return &CoinGeckoClient{
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout(),
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		apiKey:    cfg.APIKey,
		logger:    logger,
	}
}

// ListMarkets implements MarketLister.
func (c *CoinGeckoClient) ListMarkets(ctx context.Context, req MarketsRequest) ([]models.MarketEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	params := url.Values{}
	params.Set("vs_currency", req.VsCurrency)
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(req.PerPage))
	params.Set("page", strconv.Itoa(req.Page))
	params.Set("sparkline", "false")

	body, err := c.get(ctx, marketsEndpoint, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets page %d: %w", req.Page, err)
	}

	var raw []coingeckoMarket
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode markets page %d: %w", req.Page, err)
	}

	entries := make([]models.MarketEntry, 0, len(raw))
	for _, m := range raw {
		entries = append(entries, c.convertMarketToModel(m))
	}

	c.logger.DebugContext(ctx, "fetched markets page",
		"page", req.Page,
		"per_page", req.PerPage,
		"entries", len(entries))

	return entries, nil
}

// FetchDailyChart implements ChartFetcher.
func (c *CoinGeckoClient) FetchDailyChart(ctx context.Context, req ChartRequest) (*MarketChart, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	params := url.Values{}
	params.Set("vs_currency", req.VsCurrency)
	params.Set("days", strconv.Itoa(req.Days))
	params.Set("interval", "daily")

	endpoint := fmt.Sprintf(marketChartEndpoint, url.PathEscape(req.SourceID))
	body, err := c.get(ctx, endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chart for %s: %w", req.SourceID, err)
	}

	var raw coingeckoChart
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode chart for %s: %w", req.SourceID, err)
	}

	chart := c.convertChartToModel(req.SourceID, raw)

	c.logger.DebugContext(ctx, "fetched daily chart",
		"source_id", req.SourceID,
		"days", req.Days,
		"points", len(chart.Points))

	return chart, nil
}

// get issues one GET request and returns the body of a 2xx response
func (c *CoinGeckoClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	fullURL := c.baseURL + endpoint
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(demoAPIKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(body)
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Body:       snippet,
		}
	}

	return body, nil
}

func (c *CoinGeckoClient) convertMarketToModel(m coingeckoMarket) models.MarketEntry {
	return models.MarketEntry{
		ID:          m.ID,
		Symbol:      m.Symbol,
		Name:        m.Name,
		MarketCap:   m.MarketCap,
		TotalVolume: m.TotalVolume,
	}
}

// convertChartToModel zips prices with volumes by index. Malformed samples are skipped.
func (c *CoinGeckoClient) convertChartToModel(sourceID string, raw coingeckoChart) *MarketChart {
	chart := &MarketChart{
		SourceID: sourceID,
		Points:   make([]ChartPoint, 0, len(raw.Prices)),
	}

	for i, sample := range raw.Prices {
		if len(sample) < 2 {
			c.logger.Warn("skipping malformed price sample", "source_id", sourceID, "index", i)
			continue
		}

		point := ChartPoint{
			Time:  time.UnixMilli(int64(sample[0])).UTC(),
			Price: sample[1],
		}
		if i < len(raw.TotalVolumes) && len(raw.TotalVolumes[i]) >= 2 {
			v := raw.TotalVolumes[i][1]
			point.Volume = &v
		}
		chart.Points = append(chart.Points, point)
	}

	return chart
}
