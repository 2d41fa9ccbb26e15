// Package validation runs the pre-trade gate chain every placement or retry
// attempt must clear before it is dispatched to the broker. No gate has a
// side effect; all mutation is performed by the caller based on the result.
package validation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/orders"
)

// Request is everything a gate chain needs to evaluate one placement
// attempt.
type Request struct {
	UserID            string
	Symbol            string
	Side              domain.Side
	Quantity          float64
	Price             float64 // reference price, 0 if unknown
	SystemInitiatedExit bool  // true for an automated exit-at-target sell
}

// Result is the gate chain's tagged outcome.
type Result struct {
	OK     bool
	Reason string
	Detail string
}

func ok() Result { return Result{OK: true} }

func rejected(reason, detail string) Result {
	return Result{OK: false, Reason: reason, Detail: detail}
}

// PriceSource is the slice of internal/marketdata the validation gates need
// for a reference price.
type PriceSource interface {
	GetRealtimePrice(ctx context.Context, symbol string) (domain.PriceObservation, error)
}

// IndicatorSource is the slice of internal/indicators the "indicators
// present" and volume-ratio gates need.
type IndicatorSource interface {
	HasIndicators(ctx context.Context, symbol string) bool
	AvgDailyNotional(ctx context.Context, symbol string) (float64, error)
}

// Config bounds the gate chain's thresholds.
type Config struct {
	MaxPortfolioSize  int
	BuyCooldown       time.Duration
	MinHoldTime       time.Duration
}

// VolumeTier maps a reference price to its maximum order-value-to-average-
// daily-notional ratio.
func VolumeTier(price float64) float64 {
	switch {
	case price < 100:
		return 0.0005
	case price <= 1000:
		return 0.001
	default:
		return 0.002
	}
}

// Service runs the nine-gate chain, sharing a short per-user cache of
// broker-state reads (holdings, limits) across gates within one request.
type Service struct {
	orderRepo *orders.Repository
	positions *orders.PositionRepository
	adapter     broker.Adapter
	prices      PriceSource
	indicators  IndicatorSource
	instruments *InstrumentMaster
	cfg         Config
	log         zerolog.Logger

	cache *gateCache
}

// New builds a Service for one user's collaborators. instruments is the
// process-wide instrument master shared across every user; a nil master
// makes Gate 1 fall back to a bare non-empty check.
func New(orderRepo *orders.Repository, positions *orders.PositionRepository, adapter broker.Adapter, prices PriceSource, indicators IndicatorSource, instruments *InstrumentMaster, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		orderRepo: orderRepo, positions: positions, adapter: adapter,
		prices: prices, indicators: indicators, instruments: instruments, cfg: cfg,
		log:   log.With().Str("component", "validation").Logger(),
		cache: newGateCache(2 * time.Minute),
	}
}

// ValidatePlacement runs every applicable gate in order, short-circuiting
// on the first rejection.
func (s *Service) ValidatePlacement(ctx context.Context, sess broker.Session, req Request) Result {
	if req.Symbol == "" {
		return rejected("invalid_symbol", "symbol is empty")
	}
	if !s.instruments.Known(req.Symbol) {
		return rejected("invalid_symbol", "symbol is not in the loaded instrument master")
	}

	active, err := s.orderRepo.ListActiveBySymbolSide(req.UserID, req.Symbol, req.Side)
	if err != nil {
		return rejected("internal_error", err.Error())
	}
	if len(active) > 0 {
		return rejected("duplicate_active_order", "a pending order already exists for this symbol and side")
	}

	if req.Side == domain.SideBuy {
		if r := s.checkBuyCooldown(req); !r.OK {
			return r
		}
	}

	open, err := s.positions.ListOpen(req.UserID)
	if err != nil {
		return rejected("internal_error", err.Error())
	}
	if req.Side == domain.SideBuy && len(open) >= s.cfg.MaxPortfolioSize {
		return rejected("portfolio_full", "open position count has reached max_portfolio_size")
	}

	heldQty := heldQuantity(open, req.Symbol)
	if req.Side == domain.SideBuy && heldQty > 0 {
		return rejected("already_held", "a position is already open for this symbol")
	}

	if req.Side == domain.SideSell && !req.SystemInitiatedExit {
		if r := s.checkMinHoldTime(req, open); !r.OK {
			return r
		}
	}

	limits, err := s.cachedLimits(ctx, sess, req.UserID)
	if err != nil {
		return rejected("internal_error", err.Error())
	}
	if req.Side == domain.SideBuy {
		if req.Price <= 0 {
			return rejected("invalid_price", "no reference price available")
		}
		if req.Quantity*req.Price > limits.AvailableCash {
			return rejected("insufficient_balance", "order value exceeds available cash")
		}
	}

	if r := s.checkVolumeRatio(ctx, req); !r.OK {
		return r
	}

	if !s.indicators.HasIndicators(ctx, req.Symbol) {
		return rejected("indicators_unavailable", "required indicators are not yet available")
	}

	return ok()
}

func (s *Service) checkBuyCooldown(req Request) Result {
	if s.cfg.BuyCooldown <= 0 {
		return ok()
	}
	last, err := s.orderRepo.ListAllForUser(req.UserID, "", "", nil, nil)
	if err != nil {
		return ok() // fail open on a lookup error: cooldown is a soft gate
	}
	var mostRecent time.Time
	for _, o := range last {
		if o.Symbol == req.Symbol && o.Side == domain.SideBuy && o.PlacedAt.After(mostRecent) {
			mostRecent = o.PlacedAt
		}
	}
	if !mostRecent.IsZero() && time.Since(mostRecent) < s.cfg.BuyCooldown {
		return rejected("buy_cooldown_active", "buy_cooldown_seconds has not elapsed since the last buy")
	}
	return ok()
}

func (s *Service) checkMinHoldTime(req Request, open []*domain.Position) Result {
	for _, p := range open {
		if p.Symbol != req.Symbol {
			continue
		}
		if time.Since(p.OpenedAt) < s.cfg.MinHoldTime {
			return rejected("too_soon_to_sell", "min_hold_seconds has not elapsed since position open")
		}
	}
	return ok()
}

func (s *Service) checkVolumeRatio(ctx context.Context, req Request) Result {
	if req.Side != domain.SideBuy || req.Price <= 0 {
		return ok()
	}
	avgDailyNotional, err := s.indicators.AvgDailyNotional(ctx, req.Symbol)
	if err != nil || avgDailyNotional <= 0 {
		return ok() // no basis to compute a ratio; the indicators-present gate catches this symbol separately
	}
	ratio := (req.Quantity * req.Price) / avgDailyNotional
	if ratio > VolumeTier(req.Price) {
		return rejected("volume_ratio_exceeded", "order value exceeds the allowed share of average daily notional")
	}
	return ok()
}

func (s *Service) cachedLimits(ctx context.Context, sess broker.Session, userID string) (broker.Limits, error) {
	if limits, ok := s.cache.getLimits(userID); ok {
		return limits, nil
	}
	limits, err := s.adapter.GetLimits(ctx, sess)
	if err != nil {
		return broker.Limits{}, err
	}
	s.cache.putLimits(userID, limits)
	return limits, nil
}

func heldQuantity(open []*domain.Position, symbol string) float64 {
	for _, p := range open {
		if p.Symbol == symbol {
			return p.Quantity
		}
	}
	return 0
}

// gateCache holds a short-lived, per-user copy of broker.Limits so a single
// ValidatePlacement call (and back-to-back calls across one retry or
// reconcile cycle) don't each pay for a fresh limits round-trip.
type gateCache struct {
	ttl time.Duration

	mu      sync.Mutex
	limits  map[string]cachedLimitsEntry
}

type cachedLimitsEntry struct {
	limits   broker.Limits
	fetched  time.Time
}

func newGateCache(ttl time.Duration) *gateCache {
	return &gateCache{ttl: ttl, limits: map[string]cachedLimitsEntry{}}
}

func (c *gateCache) getLimits(userID string) (broker.Limits, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.limits[userID]
	if !ok || time.Since(entry.fetched) >= c.ttl {
		return broker.Limits{}, false
	}
	return entry.limits, true
}

func (c *gateCache) putLimits(userID string, limits broker.Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limits[userID] = cachedLimitsEntry{limits: limits, fetched: time.Now()}
}
