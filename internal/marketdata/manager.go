// Package marketdata is the Price Cache & Subscription Manager: a
// deduplicated view over live LTP ticks and cached historical series, so
// every collaborator that needs a price reads the same freshest-known
// value instead of issuing its own broker call.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
)

// HistoryFetcher is the broker-facing slice this package depends on for
// historical bars.
type HistoryFetcher interface {
	FetchHistorical(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Bar, error)
}

// StalenessConfig bounds how old a live observation may be before
// GetRealtimePrice falls back to historical data.
type StalenessConfig struct {
	MaxStalenessOpen   time.Duration
	MaxStalenessClosed time.Duration
	HistoryTTLShort    time.Duration
	HistoryTTLLong     time.Duration
}

type cachedSeries struct {
	bars      []domain.Bar
	fetchedAt time.Time
}

type historyKey struct {
	ticker       string
	days         int
	interval     string
	includeToday bool
}

// Manager is the process-wide price cache and subscription tracker for one
// user's broker session.
type Manager struct {
	adapter  broker.Adapter
	history  HistoryFetcher
	cal      *marketcal.Service
	exchange string
	cfg      StalenessConfig
	log      zerolog.Logger

	mu           sync.RWMutex
	realtime     map[string]domain.PriceObservation
	historyCache map[historyKey]cachedSeries
	holders      map[string]map[string]bool // symbol -> set of holder service ids
	handles      map[string]broker.SubscriptionHandle

	disk *DiskCache
}

// UseDiskCache attaches a persistent backing store under the in-memory
// history cache: a miss here is checked against disk (still subject to the
// same TTL) before falling through to a live broker fetch, and every fresh
// fetch is written back for the next process start to find. Optional — a
// Manager with no disk cache attached behaves exactly as before.
func (m *Manager) UseDiskCache(c *DiskCache) {
	m.mu.Lock()
	m.disk = c
	m.mu.Unlock()
}

// New builds a Manager. adapter supplies live subscriptions, history
// supplies historical bars (typically the same adapter).
func New(adapter broker.Adapter, history HistoryFetcher, cal *marketcal.Service, exchange string, cfg StalenessConfig, log zerolog.Logger) *Manager {
	return &Manager{
		adapter: adapter, history: history, cal: cal, exchange: exchange, cfg: cfg,
		log:          log.With().Str("component", "marketdata").Logger(),
		realtime:     map[string]domain.PriceObservation{},
		historyCache: map[historyKey]cachedSeries{},
		holders:      map[string]map[string]bool{},
		handles:      map[string]broker.SubscriptionHandle{},
	}
}

// GetRealtimePrice returns the freshest known observation for symbol. A
// live tick older than the market-hours-aware staleness bound, or no live
// tick at all, falls back to the latest historical bar's close with
// Stale=true.
func (m *Manager) GetRealtimePrice(ctx context.Context, symbol string) (domain.PriceObservation, error) {
	m.mu.RLock()
	obs, ok := m.realtime[symbol]
	m.mu.RUnlock()

	if ok && !m.isStale(obs) {
		return obs, nil
	}

	bars, err := m.GetHistorical(ctx, symbol, 1, "1d", true)
	if err != nil || len(bars) == 0 {
		if ok {
			obs.Stale = true
			return obs, nil
		}
		return domain.PriceObservation{}, fmt.Errorf("marketdata: no price available for %s", symbol)
	}
	last := bars[len(bars)-1]
	return domain.PriceObservation{Symbol: symbol, LTP: last.Close, ReceivedAt: last.Time, Source: domain.PriceSourceHistorical, Stale: true}, nil
}

func (m *Manager) isStale(obs domain.PriceObservation) bool {
	bound := m.cfg.MaxStalenessClosed
	if m.cal.IsOpen(m.exchange, time.Now()) {
		bound = m.cfg.MaxStalenessOpen
	}
	return time.Since(obs.ReceivedAt) > bound
}

// GetHistorical returns a cached or freshly fetched historical series for
// (ticker, days, interval, includeToday). TTL shortens to historyTTLShort
// during market hours and historyTTLLong otherwise.
func (m *Manager) GetHistorical(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Bar, error) {
	key := historyKey{ticker: ticker, days: days, interval: interval, includeToday: includeToday}

	m.mu.RLock()
	cached, ok := m.historyCache[key]
	m.mu.RUnlock()

	ttl := m.cfg.HistoryTTLLong
	if m.cal.IsOpen(m.exchange, time.Now()) {
		ttl = m.cfg.HistoryTTLShort
	}
	if ok && time.Since(cached.fetchedAt) < ttl {
		return cached.bars, nil
	}

	m.mu.RLock()
	disk := m.disk
	m.mu.RUnlock()
	if !ok && disk != nil {
		if diskBars, fetchedAt, found := disk.Get(key); found && time.Since(fetchedAt) < ttl {
			cached = cachedSeries{bars: diskBars, fetchedAt: fetchedAt}
			ok = true
			m.mu.Lock()
			m.historyCache[key] = cached
			m.mu.Unlock()
			return cached.bars, nil
		}
	}

	bars, err := m.history.FetchHistorical(ctx, ticker, days, interval, includeToday)
	if err != nil {
		if ok {
			return cached.bars, nil // serve stale cache over a hard failure
		}
		if disk != nil {
			if diskBars, _, found := disk.Get(key); found {
				return diskBars, nil // serve stale disk cache over a hard failure
			}
		}
		return nil, fmt.Errorf("marketdata: fetch historical for %s: %w", ticker, err)
	}

	fetchedAt := time.Now()
	m.mu.Lock()
	m.historyCache[key] = cachedSeries{bars: bars, fetchedAt: fetchedAt}
	m.mu.Unlock()
	if disk != nil {
		disk.Put(key, bars, fetchedAt)
	}
	return bars, nil
}

// Subscribe registers serviceID as a holder of each symbol's live feed.
// Idempotent: a second Subscribe for the same (symbol, serviceID) is a
// no-op. The first holder for a symbol triggers the underlying broker
// subscription.
func (m *Manager) Subscribe(ctx context.Context, symbols []string, serviceID string) error {
	for _, symbol := range symbols {
		if err := m.subscribeOne(ctx, symbol, serviceID); err != nil {
			return fmt.Errorf("marketdata: subscribe %s: %w", symbol, err)
		}
	}
	return nil
}

func (m *Manager) subscribeOne(ctx context.Context, symbol, serviceID string) error {
	m.mu.Lock()
	set, exists := m.holders[symbol]
	if !exists {
		set = map[string]bool{}
		m.holders[symbol] = set
	}
	alreadyHeld := set[serviceID]
	set[serviceID] = true
	firstHolder := len(set) == 1
	m.mu.Unlock()

	if alreadyHeld || !firstHolder {
		return nil
	}

	handle, err := m.adapter.SubscribeLTP(ctx, []string{symbol}, func(update broker.PriceUpdate) {
		m.mu.Lock()
		m.realtime[update.Symbol] = domain.PriceObservation{
			Symbol: update.Symbol, LTP: update.LTP, ReceivedAt: update.ReceivedAt, Source: domain.PriceSourceWebsocket,
		}
		m.mu.Unlock()
	})
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("live feed unavailable, relying on historical fallback")
		return nil // non-fatal: GetRealtimePrice falls back to historical
	}

	m.mu.Lock()
	m.handles[symbol] = handle
	m.mu.Unlock()
	return nil
}

// Unsubscribe removes serviceID from each symbol's holder set, tearing down
// the underlying broker subscription only once the holder set empties.
func (m *Manager) Unsubscribe(symbols []string, serviceID string) {
	for _, symbol := range symbols {
		m.mu.Lock()
		set, exists := m.holders[symbol]
		if !exists {
			m.mu.Unlock()
			continue
		}
		delete(set, serviceID)
		empty := len(set) == 0
		var handle broker.SubscriptionHandle
		if empty {
			delete(m.holders, symbol)
			handle = m.handles[symbol]
			delete(m.handles, symbol)
		}
		m.mu.Unlock()

		if handle != nil {
			if err := handle.Close(); err != nil {
				m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to close live feed subscription")
			}
		}
	}
}

// WarmCache pre-fetches historicals and ensures live subscriptions for a
// given symbol set. Failures are logged, never propagated: a cold symbol
// should not block startup or a scheduled tick.
func (m *Manager) WarmCache(ctx context.Context, symbols []string, serviceID string) {
	for _, symbol := range symbols {
		if _, err := m.GetHistorical(ctx, symbol, 5, "1d", false); err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("warm cache: historical fetch failed")
		}
	}
	if err := m.Subscribe(ctx, symbols, serviceID); err != nil {
		m.log.Warn().Err(err).Msg("warm cache: subscribe failed")
	}
}
