// Package retry selects and re-dispatches failed orders at the
// premarket_retry trigger (or an equivalent run_once call), applying an
// eligibility query followed by a per-order runtime filter chain.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
	"github.com/aristath/order-supervisor/internal/orders"
)

// PriceSource is the slice of internal/marketdata the queue depends on: a
// valid reference price gate.
type PriceSource interface {
	GetRealtimePrice(ctx context.Context, symbol string) (domain.PriceObservation, error)
}

// IndicatorSource is the slice of internal/indicators the queue depends on:
// whether risk-sizing inputs are available for a symbol yet.
type IndicatorSource interface {
	HasIndicators(ctx context.Context, symbol string) bool
}

// VolumeSource reports a position's value as a share of the symbol's average
// daily notional, to cap how much of a thin symbol's liquidity one retry can
// consume. The queue compares it with Config.MaxPositionVolumeRatio, a single
// cap that does not vary by price tier.
type VolumeSource interface {
	PositionToVolumeRatio(symbol string, quantity float64) (float64, error)
}

// Config bounds the runtime filter chain's thresholds.
type Config struct {
	MaxPortfolioSize      int
	MaxPositionVolumeRatio float64 // e.g. 0.01 = position may not exceed 1% of ADV
}

// SkipReason explains why an otherwise-eligible order was left in failed
// for this cycle rather than re-dispatched or cancelled.
type SkipReason string

const (
	SkipCapacityFull        SkipReason = "portfolio at capacity"
	SkipIndicatorsUnavailable SkipReason = "indicators unavailable"
	SkipInvalidPrice        SkipReason = "no valid reference price"
	SkipDuplicateBuy        SkipReason = "active buy order already exists for symbol"
	SkipVolumeRatio         SkipReason = "position would exceed volume ratio cap"
	SkipInsufficientBalance SkipReason = "insufficient available balance"
)

// Outcome records what the queue did with one eligible order.
type Outcome struct {
	LocalID string
	Action  string // "requeued", "cancelled", "skipped", "linked_manual"
	Reason  string
}

// Queue re-dispatches eligible failed orders.
type Queue struct {
	repo      *orders.Repository
	positions *orders.PositionRepository
	cal       *marketcal.Service
	adapter   broker.Adapter
	prices    PriceSource
	indicators IndicatorSource
	volume    VolumeSource
	cfg       Config
	log       zerolog.Logger
}

// New builds a Queue for one user's collaborators.
func New(repo *orders.Repository, positions *orders.PositionRepository, cal *marketcal.Service, adapter broker.Adapter, prices PriceSource, indicators IndicatorSource, volume VolumeSource, cfg Config, log zerolog.Logger) *Queue {
	return &Queue{
		repo: repo, positions: positions, cal: cal, adapter: adapter,
		prices: prices, indicators: indicators, volume: volume, cfg: cfg,
		log: log.With().Str("component", "retry").Logger(),
	}
}

// RunOnce performs the eligibility query, expires any order past its
// next-trading-day boundary, and runs the runtime filter chain over the
// remaining eligible orders in placed_at order.
func (q *Queue) RunOnce(ctx context.Context, sess broker.Session, userID, exchange string) ([]Outcome, error) {
	failed, err := q.repo.RetryEligibleFailed(userID)
	if err != nil {
		return nil, fmt.Errorf("retry: list failed orders: %w", err)
	}

	var eligible []*domain.Order
	var outcomes []Outcome
	now := time.Now()

	for _, o := range failed {
		if o.FirstFailedAt == nil {
			continue
		}
		expiry := q.cal.NextTradingDayClose(exchange, *o.FirstFailedAt)
		if now.After(expiry) {
			if err := orders.Transition(q.repo, o, domain.StatusCancelled, orders.TransitionOpts{Reason: "expired at next-trading-day market close"}); err != nil {
				q.log.Error().Err(err).Str("local_id", o.LocalID).Msg("failed to expire order")
				continue
			}
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "cancelled", Reason: "expired at next-trading-day market close"})
			continue
		}
		if orders.Classify(o.Reason) != domain.RetryClassTransient {
			continue // permanent failures stay in failed and are never re-dispatched; the expiry check above cancels them
		}
		eligible = append(eligible, o)
	}

	holdings, err := q.adapter.ListHoldings(ctx, sess)
	if err != nil {
		return outcomes, fmt.Errorf("retry: fetch holdings: %w", err)
	}
	bookSnapshot, err := q.adapter.ListOrders(ctx, sess)
	if err != nil {
		return outcomes, fmt.Errorf("retry: fetch order book: %w", err)
	}
	limits, err := q.adapter.GetLimits(ctx, sess)
	if err != nil {
		return outcomes, fmt.Errorf("retry: fetch limits: %w", err)
	}

	for _, o := range eligible {
		open, err := q.positions.ListOpen(userID)
		if err != nil {
			return outcomes, fmt.Errorf("retry: list open positions: %w", err)
		}
		if len(open) >= q.cfg.MaxPortfolioSize {
			q.log.Info().Str("reason", string(SkipCapacityFull)).Msg("retry queue halted: portfolio at capacity")
			break
		}

		if held(holdings, o.Symbol) {
			if err := orders.Transition(q.repo, o, domain.StatusCancelled, orders.TransitionOpts{Reason: "already in holdings"}); err != nil {
				q.log.Error().Err(err).Str("local_id", o.LocalID).Msg("failed to cancel already-held order")
				continue
			}
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "cancelled", Reason: "already in holdings"})
			continue
		}

		if !q.indicators.HasIndicators(ctx, o.Symbol) {
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "skipped", Reason: string(SkipIndicatorsUnavailable)})
			continue
		}

		priceObs, err := q.prices.GetRealtimePrice(ctx, o.Symbol)
		if err != nil || priceObs.LTP <= 0 {
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "skipped", Reason: string(SkipInvalidPrice)})
			continue
		}

		if hasActiveBuy(q.repo, userID, o.Symbol, o.LocalID) {
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "skipped", Reason: string(SkipDuplicateBuy)})
			continue
		}

		if manual, ok := manualOrder(bookSnapshot, o.Symbol); ok {
			linked, err := q.repo.Create(&domain.Order{
				UserID: userID, LocalID: manual.BrokerOrderID, BrokerOrderID: manual.BrokerOrderID,
				Symbol: o.Symbol, Side: manual.Side, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular,
				Quantity: manual.Quantity, IsManual: true,
			})
			if err != nil {
				q.log.Error().Err(err).Msg("failed to link manual order")
				continue
			}
			outcomes = append(outcomes, Outcome{LocalID: linked.LocalID, Action: "linked_manual"})
			continue
		}

		if q.volume != nil && q.cfg.MaxPositionVolumeRatio > 0 {
			ratio, err := q.volume.PositionToVolumeRatio(o.Symbol, o.Quantity)
			if err == nil && ratio > q.cfg.MaxPositionVolumeRatio {
				outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "skipped", Reason: string(SkipVolumeRatio)})
				continue
			}
		}

		requiredCapital := o.Quantity * priceObs.LTP
		if limits.AvailableCash < requiredCapital {
			outcomes = append(outcomes, Outcome{LocalID: o.LocalID, Action: "skipped", Reason: string(SkipInsufficientBalance)})
			continue
		}

		requeued, err := orders.Requeue(q.repo, o)
		if err != nil {
			q.log.Error().Err(err).Str("local_id", o.LocalID).Msg("failed to requeue order")
			continue
		}
		outcomes = append(outcomes, Outcome{LocalID: requeued.LocalID, Action: "requeued"})
	}

	return outcomes, nil
}

func held(snapshot broker.HoldingsSnapshot, symbol string) bool {
	for _, h := range snapshot.Holdings {
		if h.Symbol == symbol && h.Quantity > 0 {
			return true
		}
	}
	return false
}

func manualOrder(snapshot broker.OrderBookSnapshot, symbol string) (broker.OrderBookEntry, bool) {
	for _, e := range snapshot.Orders {
		if e.Symbol == symbol && (e.Status == broker.BrokerStatusOpen || e.Status == broker.BrokerStatusTriggerPending) {
			return e, true
		}
	}
	return broker.OrderBookEntry{}, false
}

func hasActiveBuy(repo *orders.Repository, userID, symbol, excludeLocalID string) bool {
	active, err := repo.ListActiveBySymbolSide(userID, symbol, domain.SideBuy)
	if err != nil {
		return false
	}
	for _, o := range active {
		if o.LocalID != excludeLocalID {
			return true
		}
	}
	return false
}
