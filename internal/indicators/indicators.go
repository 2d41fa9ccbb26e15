// Package indicators computes RSI/EMA over a provided bar series with a
// per-ticker memoization layer, the same math-heavy, guard-NaN-and-continue
// style the portfolio analytics service already uses.
package indicators

import (
	"context"
	"math"
	"sync"
	"time"

	talib "github.com/markcheno/go-talib"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/order-supervisor/internal/domain"
)

const defaultRSIPeriod = 14
const cacheTTL = time.Minute

// Snapshot is the batch accessor shape AllIndicatorsAsDict returns.
type Snapshot struct {
	Close     float64
	RSI       float64
	EMA9      float64
	EMA200    float64
	AvgVolume float64
}

// HistoryFetcher is the slice of internal/marketdata this package depends
// on for the bar series a ticker's indicators are computed from.
type HistoryFetcher interface {
	GetHistorical(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Bar, error)
}

type cacheEntry struct {
	snapshot Snapshot
	computed time.Time
}

// Service computes and memoizes indicator snapshots per ticker.
type Service struct {
	history HistoryFetcher

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New builds a Service over a history source.
func New(history HistoryFetcher) *Service {
	return &Service{history: history, cache: map[string]cacheEntry{}}
}

// RSI computes a standard (or configurable-period) relative strength index
// over closes. Returns 0 if the series is too short for the period.
func RSI(closes []float64, period int) float64 {
	if period <= 0 {
		period = defaultRSIPeriod
	}
	if len(closes) <= period {
		return 0
	}
	out := talib.Rsi(closes, period)
	return lastValid(out)
}

// EMA computes an exponential moving average over closes. Returns 0 if the
// series is too short for the period.
func EMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	out := talib.Ema(closes, period)
	return lastValid(out)
}

// EMA9Realtime blends yesterday's EMA9 with today's live LTP to produce an
// intra-day target suitable for limit-sell placement: a simple one-step
// exponential update rather than recomputing the whole series on every
// tick.
func EMA9Realtime(previousEMA9, ltp float64) float64 {
	if previousEMA9 <= 0 {
		return ltp
	}
	const period = 9
	alpha := 2.0 / float64(period+1)
	return alpha*ltp + (1-alpha)*previousEMA9
}

// AllIndicatorsAsDict returns the batch snapshot for ticker, serving a
// memoized value when computed within the last minute.
func (s *Service) AllIndicatorsAsDict(ctx context.Context, ticker string) (Snapshot, error) {
	s.mu.RLock()
	entry, ok := s.cache[ticker]
	s.mu.RUnlock()
	if ok && time.Since(entry.computed) < cacheTTL {
		return entry.snapshot, nil
	}

	bars, err := s.history.GetHistorical(ctx, ticker, 210, "1d", true)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := computeSnapshot(bars)

	s.mu.Lock()
	s.cache[ticker] = cacheEntry{snapshot: snapshot, computed: time.Now()}
	s.mu.Unlock()
	return snapshot, nil
}

// AvgDailyNotional estimates average daily traded value (average volume
// times last close) for the volume-ratio pre-trade gate.
func (s *Service) AvgDailyNotional(ctx context.Context, ticker string) (float64, error) {
	snapshot, err := s.AllIndicatorsAsDict(ctx, ticker)
	if err != nil {
		return 0, err
	}
	return snapshot.AvgVolume * snapshot.Close, nil
}

// HasIndicators reports whether a ticker has a usable (non-empty) snapshot,
// served from the memo when fresh and fetched and computed otherwise.
// internal/retry's indicators-available gate uses this to decide eligibility.
func (s *Service) HasIndicators(ctx context.Context, ticker string) bool {
	snapshot, err := s.AllIndicatorsAsDict(ctx, ticker)
	return err == nil && snapshot.Close > 0
}

// Invalidate drops the memoized snapshot for ticker so the next read
// recomputes it. The price cache does not call it; snapshots otherwise
// expire after cacheTTL.
func (s *Service) Invalidate(ticker string) {
	s.mu.Lock()
	delete(s.cache, ticker)
	s.mu.Unlock()
}

func computeSnapshot(bars []domain.Bar) Snapshot {
	if len(bars) == 0 {
		return Snapshot{}
	}
	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	snapshot := Snapshot{Close: closes[len(closes)-1]}
	snapshot.RSI = RSI(closes, defaultRSIPeriod)
	snapshot.EMA9 = EMA(closes, 9)
	snapshot.EMA200 = EMA(closes, 200)
	if len(volumes) > 0 {
		snapshot.AvgVolume = stat.Mean(volumes, nil)
	}
	return snapshot
}

// lastValid returns the last non-NaN, non-Inf value in series, or 0 if none
// exists. go-talib pads the warm-up window with NaN rather than trimming
// it.
func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		v := series[i]
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v
		}
	}
	return 0
}
