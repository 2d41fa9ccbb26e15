package reconcile

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/orders"
)

const (
	priceTolerance = 0.01
	qtyTolerance   = 0.0
)

// Notifier is the slice of internal/notify the reconciliation engine
// depends on: user-visible activity surfacing, never a hard dependency the
// engine blocks on.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, message string) error
}

// Engine detects out-of-band broker activity and absorbs it into local
// state. A reconciliation cycle is best-effort and idempotent: a partial
// failure on one symbol or order is logged and left for the next cycle,
// never aborting the whole pass.
type Engine struct {
	orderRepo *orders.Repository
	positions *orders.PositionRepository
	tracking  *TrackingRepository
	adapter   broker.Adapter
	notifier  Notifier
	log       zerolog.Logger
}

// New builds an Engine for one user's collaborators.
func New(orderRepo *orders.Repository, positions *orders.PositionRepository, tracking *TrackingRepository, adapter broker.Adapter, notifier Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		orderRepo: orderRepo, positions: positions, tracking: tracking,
		adapter: adapter, notifier: notifier,
		log: log.With().Str("component", "reconcile").Logger(),
	}
}

// RunOnce fetches one holdings snapshot and one order book snapshot and
// reconciles both against tracked state. Failures for individual symbols or
// orders are logged and skipped; the cycle always returns nil unless the
// broker fetch itself fails.
func (e *Engine) RunOnce(ctx context.Context, sess broker.Session, userID string) error {
	holdings, err := e.adapter.ListHoldings(ctx, sess)
	if err != nil {
		return err
	}
	book, err := e.adapter.ListOrders(ctx, sess)
	if err != nil {
		return err
	}

	for _, h := range holdings.Holdings {
		e.reconcileHolding(ctx, userID, h)
	}
	for _, entry := range book.Orders {
		e.reconcileOrderEntry(ctx, userID, entry)
	}
	return nil
}

func (e *Engine) reconcileHolding(ctx context.Context, userID string, h broker.Holding) {
	ts, err := e.tracking.Get(userID, h.Symbol)
	if err != nil {
		e.log.Error().Err(err).Str("symbol", h.Symbol).Msg("failed to load tracking scope")
		return
	}

	if ts == nil {
		// First observation of a symbol the system never placed an order for:
		// record it as pre-existing so it is never attributed to the system.
		ts = &domain.TrackingScope{UserID: userID, Symbol: h.Symbol, PreExistingQty: h.Quantity, Status: domain.TrackingActive}
		if err := e.tracking.Upsert(ts); err != nil {
			e.log.Error().Err(err).Str("symbol", h.Symbol).Msg("failed to record pre-existing holding")
		}
		return
	}

	trackedTotal := ts.CurrentTrackedQty + ts.PreExistingQty
	switch {
	case h.Quantity > trackedTotal+1e-9:
		delta := h.Quantity - trackedTotal
		ts.CurrentTrackedQty += delta
		e.notify(ctx, userID, "manual_activity_detected", "manual buy detected for "+h.Symbol)
	case h.Quantity < trackedTotal-1e-9:
		delta := trackedTotal - h.Quantity
		ts.CurrentTrackedQty = math.Max(0, ts.CurrentTrackedQty-delta)
		if ts.Complete() {
			ts.Status = domain.TrackingCompleted
			if err := e.closePosition(userID, h.Symbol); err != nil {
				e.log.Error().Err(err).Str("symbol", h.Symbol).Msg("failed to close position on manual sell")
			}
		}
		e.notify(ctx, userID, "manual_activity_detected", "manual sell detected for "+h.Symbol)
	default:
		return // no drift, nothing to persist
	}

	if err := e.tracking.Upsert(ts); err != nil {
		e.log.Error().Err(err).Str("symbol", h.Symbol).Msg("failed to persist tracking scope update")
	}
}

func (e *Engine) closePosition(userID, symbol string) error {
	p, err := e.positions.Get(userID, symbol)
	if err != nil {
		return err
	}
	if p == nil || !p.IsOpen() {
		return nil
	}
	p.Quantity = 0
	now := time.Now().UTC()
	p.ClosedAt = &now
	return e.positions.Upsert(p)
}

func (e *Engine) reconcileOrderEntry(ctx context.Context, userID string, entry broker.OrderBookEntry) {
	o, err := e.orderRepo.GetByBrokerOrderID(userID, entry.BrokerOrderID)
	if err != nil {
		e.log.Error().Err(err).Str("broker_order_id", entry.BrokerOrderID).Msg("failed to load order for reconciliation")
		return
	}
	if o == nil || o.Status.IsTerminal() {
		return // untracked or already finalized: outside the mutation scope
	}

	if entry.Status == broker.BrokerStatusCancelled {
		if err := orders.Transition(e.orderRepo, o, domain.StatusCancelled, orders.TransitionOpts{Reason: "manual cancellation"}); err != nil {
			e.log.Error().Err(err).Str("local_id", o.LocalID).Msg("failed to apply external cancellation")
			return
		}
		e.notify(ctx, userID, "manual_activity_detected", "order "+o.LocalID+" cancelled externally")
		return
	}

	priceDrifted := o.OriginalPrice != nil && math.Abs(entry.Price-*o.OriginalPrice) > priceTolerance
	qtyDrifted := o.OriginalQuantity != nil && math.Abs(entry.Quantity-*o.OriginalQuantity) > qtyTolerance
	if priceDrifted || qtyDrifted {
		price := entry.Price
		qty := entry.Quantity
		o.OriginalPrice = &price
		o.OriginalQuantity = &qty
		o.IsManual = true
		if err := e.orderRepo.Update(o); err != nil {
			e.log.Error().Err(err).Str("local_id", o.LocalID).Msg("failed to persist externally modified order")
			return
		}
		e.notify(ctx, userID, "manual_activity_detected", "order "+o.LocalID+" modified externally")
	}
}

func (e *Engine) notify(ctx context.Context, userID, kind, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, userID, kind, message); err != nil {
		e.log.Warn().Err(err).Msg("notification delivery failed")
	}
}
