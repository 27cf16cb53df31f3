package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarketEntryDecodesNullableNumbers(t *testing.T) {
	payload := `[
		{"id":"bitcoin","symbol":"btc","name":"Bitcoin","market_cap":1.2e12,"total_volume":35000000000},
		{"id":"ghost","symbol":"gst","name":"Ghost","market_cap":null,"total_volume":null}
	]`

	var entries []MarketEntry
	require.NoError(t, json.Unmarshal([]byte(payload), &entries))
	require.Len(t, entries, 2)

	assert.True(t, entries[0].MarketCap.Valid)
	assert.True(t, entries[0].MarketCap.Decimal.Equal(decimal.NewFromInt(1_200_000_000_000)))
	assert.True(t, entries[0].TotalVolume.Valid)

	assert.False(t, entries[1].MarketCap.Valid)
	assert.False(t, entries[1].TotalVolume.Valid)
}

func TestNewAssetFromMarket(t *testing.T) {
	entry := MarketEntry{
		ID:          "ethereum",
		Symbol:      " eth ",
		Name:        "Ethereum",
		MarketCap:   decimal.NewNullDecimal(decimal.NewFromInt(400)),
		TotalVolume: decimal.NewNullDecimal(decimal.NewFromInt(20)),
	}

	asset := NewAssetFromMarket(entry)
	assert.Equal(t, "ETH", asset.Symbol)
	assert.Equal(t, "ethereum", asset.SourceID)
	assert.True(t, asset.IsActive)
	assert.Equal(t, "ETH|ethereum", asset.Key())
	assert.NoError(t, asset.Validate())
}

func TestAssetValidate(t *testing.T) {
	tests := []struct {
		name  string
		asset Asset
		field string
	}{
		{"missing source id", Asset{Symbol: "BTC", Name: "Bitcoin"}, "source_id"},
		{"missing symbol", Asset{SourceID: "bitcoin", Name: "Bitcoin"}, "symbol"},
		{"lower-case symbol", Asset{SourceID: "bitcoin", Symbol: "btc", Name: "Bitcoin"}, "symbol"},
		{"missing name", Asset{SourceID: "bitcoin", Symbol: "BTC"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.asset.Validate()
			require.Error(t, err)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNewDailyPriceFromPoint(t *testing.T) {
	at := time.Date(2023, 6, 2, 23, 59, 59, 0, time.UTC)
	volume := 1500.0

	rec := NewDailyPriceFromPoint(7, at, 27000.5, &volume, "coingecko")

	assert.Equal(t, "2023-06-02", rec.DateString())
	assert.Equal(t, int64(7), rec.SymbolID)
	for _, v := range []float64{rec.Open, rec.High, rec.Low, rec.Close, rec.LastPrice24h, rec.High24h, rec.Low24h} {
		assert.Equal(t, 27000.5, v)
	}
	require.NotNil(t, rec.Volume)
	assert.Equal(t, 1500.0, *rec.Volume)
	assert.Equal(t, rec.Volume, rec.Liquidity)
	assert.Equal(t, rec.Volume, rec.Volume24h)
	assert.NoError(t, rec.Validate())
}

func TestTruncateToDateUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 2023-06-02 03:00 in UTC+9 is 2023-06-01 18:00 UTC
	at := time.Date(2023, 6, 2, 3, 0, 0, 0, loc)

	got := TruncateToDate(at)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), got)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2023-01-03")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC), d)

	_, err = ParseDate("03/01/2023")
	assert.Error(t, err)
}

func TestDailyPriceValidate(t *testing.T) {
	assert.Error(t, DailyPriceRecord{Date: time.Now()}.Validate())
	assert.Error(t, DailyPriceRecord{SymbolID: 1}.Validate())
	assert.Error(t, DailyPriceRecord{SymbolID: 1, Date: time.Now(), Close: -1}.Validate())
}

func TestResumePoint(t *testing.T) {
	none := ResumePoint{Asset: Asset{SourceID: "bitcoin"}}
	assert.False(t, none.HasHistory())
	assert.Equal(t, "none", none.LastDateString())

	last := time.Date(2023, 1, 3, 0, 0, 0, 0, time.UTC)
	some := ResumePoint{Asset: Asset{SourceID: "bitcoin"}, LastDate: &last}
	assert.True(t, some.HasHistory())
	assert.Equal(t, "2023-01-03", some.LastDateString())
}
