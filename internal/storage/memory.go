package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/cryptoscope/internal/models"
)

// ErrStoreClosed is returned by sessions of a closed MemoryStore
var ErrStoreClosed = errors.New("store is closed")

// MemoryStore provides an in-memory Store with the same uniqueness, foreign key
// and ordering rules as the SQL backends. Sessions share the store's data.
type MemoryStore struct {
	mu sync.RWMutex

	// Catalog storage: id -> asset, plus the (symbol, source_id) uniqueness index
	assets   map[int64]*models.Asset
	assetKey map[string]int64
	nextID   int64

	// Price storage: symbol_id -> date -> record
	prices map[int64]map[string]models.DailyPriceRecord

	closed bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:   make(map[int64]*models.Asset),
		assetKey: make(map[string]int64),
		prices:   make(map[int64]map[string]models.DailyPriceRecord),
	}
}

// Open implements Store.Open
func (m *MemoryStore) Open(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewStorageError("open", "", "", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, NewStorageError("open", "", "", ErrStoreClosed)
	}
	return &memorySession{store: m}, nil
}

// Initialize implements Store.Initialize
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Close implements Store.Close
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetActive toggles an asset's active flag
func (m *MemoryStore) SetActive(symbolID int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.assets[symbolID]
	if !ok {
		return NewStorageError("update", TableSymbols, "", fmt.Errorf("symbol %d not found", symbolID))
	}
	asset.IsActive = active
	return nil
}

// DeleteAsset removes an asset and, like the SQL cascade, all of its prices
func (m *MemoryStore) DeleteAsset(symbolID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if asset, ok := m.assets[symbolID]; ok {
		delete(m.assetKey, asset.Key())
		delete(m.assets, symbolID)
		delete(m.prices, symbolID)
	}
}

// memorySession implements Session over a MemoryStore
type memorySession struct {
	store  *MemoryStore
	closed bool
}

func (s *memorySession) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed || s.store.closed {
		return ErrStoreClosed
	}
	return nil
}

// InsertAssets implements AssetStorer.InsertAssets
func (s *memorySession) InsertAssets(ctx context.Context, assets []models.Asset) (int, error) {
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return 0, NewInsertError(TableSymbols, err)
	}

	for _, asset := range assets {
		if err := asset.Validate(); err != nil {
			return 0, NewInsertError(TableSymbols, err)
		}
	}

	inserted := 0
	for _, asset := range assets {
		key := asset.Key()
		if _, exists := m.assetKey[key]; exists {
			continue
		}
		m.nextID++
		stored := asset
		stored.ID = m.nextID
		m.assets[stored.ID] = &stored
		m.assetKey[key] = stored.ID
		inserted++
	}

	return inserted, nil
}

// ResumePoints implements ResumeReader.ResumePoints
func (s *memorySession) ResumePoints(ctx context.Context) ([]models.ResumePoint, error) {
	m := s.store
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, NewQueryError(TableSymbols, "", err)
	}

	points := make([]models.ResumePoint, 0, len(m.assets))
	for id, asset := range m.assets {
		if !asset.IsActive {
			continue
		}

		point := models.ResumePoint{Asset: *asset}
		var last string
		for date := range m.prices[id] {
			if date > last {
				last = date
			}
		}
		if last != "" {
			d, err := models.ParseDate(last)
			if err != nil {
				return nil, NewQueryError(TableDailyPrices, "", err)
			}
			point.LastDate = &d
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		a, b := points[i].Asset, points[j].Asset
		switch {
		case a.MarketCap.Valid && b.MarketCap.Valid:
			if c := a.MarketCap.Decimal.Cmp(b.MarketCap.Decimal); c != 0 {
				return c > 0
			}
		case a.MarketCap.Valid != b.MarketCap.Valid:
			return a.MarketCap.Valid
		}
		return a.ID < b.ID
	})

	return points, nil
}

// InsertDailyPrices implements PriceStorer.InsertDailyPrices
func (s *memorySession) InsertDailyPrices(ctx context.Context, symbolID int64, records []models.DailyPriceRecord) (int, error) {
	m := s.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return 0, NewInsertError(TableDailyPrices, err)
	}
	if _, ok := m.assets[symbolID]; !ok {
		return 0, NewInsertError(TableDailyPrices, fmt.Errorf("symbol %d does not exist", symbolID))
	}

	byDate, ok := m.prices[symbolID]
	if !ok {
		byDate = make(map[string]models.DailyPriceRecord)
		m.prices[symbolID] = byDate
	}

	inserted := 0
	for _, rec := range records {
		rec.SymbolID = symbolID
		date := rec.DateString()
		if _, exists := byDate[date]; exists {
			continue
		}
		byDate[date] = rec
		inserted++
	}

	return inserted, nil
}

// Stats implements Session.Stats
func (s *memorySession) Stats(ctx context.Context) (*StorageStats, error) {
	m := s.store
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, NewQueryError("", "", err)
	}

	stats := &StorageStats{TotalAssets: int64(len(m.assets))}
	for _, asset := range m.assets {
		if asset.IsActive {
			stats.ActiveAssets++
		}
	}

	var earliest, latest time.Time
	for _, byDate := range m.prices {
		if len(byDate) == 0 {
			continue
		}
		stats.AssetsWithHistory++
		for _, rec := range byDate {
			stats.TotalRecords++
			if earliest.IsZero() || rec.Date.Before(earliest) {
				earliest = rec.Date
			}
			if rec.Date.After(latest) {
				latest = rec.Date
			}
		}
	}
	if stats.TotalRecords > 0 {
		stats.EarliestDate = &earliest
		stats.LatestDate = &latest
	}

	return stats, nil
}

// Close implements Session.Close
func (s *memorySession) Close() error {
	s.closed = true
	return nil
}
