// Package monitor owns the single broker order-book fetch per tick: every
// pending/ongoing order for a user is reconciled against one snapshot, so no
// other collaborator polls the broker independently within the same tick.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/orders"
)

// VerificationResult is published once per local order id per tick; other
// collaborators (retry, reconcile) read it instead of issuing their own
// broker call.
type VerificationResult struct {
	LocalID       string
	BrokerOrderID string
	Status        domain.OrderStatus
	ExecutedQty   float64
	ExecutedPrice float64
	Reason        string
}

// Monitor reconciles one user's broker order book against the local order
// repository.
type Monitor struct {
	repo      *orders.Repository
	positions *orders.PositionRepository
	adapter   broker.Adapter
	log       zerolog.Logger
}

// New builds a Monitor for one user's repository/adapter pair.
func New(repo *orders.Repository, positions *orders.PositionRepository, adapter broker.Adapter, log zerolog.Logger) *Monitor {
	return &Monitor{repo: repo, positions: positions, adapter: adapter, log: log.With().Str("component", "monitor").Logger()}
}

// MonitorAllOrders fetches the broker's order book once, diffs it against
// every pending/ongoing order on file, drives state transitions, and
// returns the per-tick verification map keyed by local order id.
//
// A transient fetch error aborts the tick with no partial repository
// writes. A session-expiry error is returned wrapped; broker.IsSessionExpired
// still recognizes it, so the caller can trigger re-authentication and skip
// the rest of this tick.
func (m *Monitor) MonitorAllOrders(ctx context.Context, sess broker.Session, userID string, tickTime time.Time) (map[string]VerificationResult, error) {
	snapshot, err := m.adapter.ListOrders(ctx, sess)
	if err != nil {
		if broker.IsSessionExpired(err) {
			return nil, fmt.Errorf("monitor: session expired fetching order book: %w", err)
		}
		return nil, fmt.Errorf("monitor: fetch order book: %w", err)
	}

	local, err := m.repo.ListByStatus(userID, domain.StatusPending, domain.StatusOngoing)
	if err != nil {
		return nil, fmt.Errorf("monitor: list local orders: %w", err)
	}

	byBrokerID := map[string]*domain.Order{}
	for _, o := range local {
		if o.BrokerOrderID != "" {
			byBrokerID[o.BrokerOrderID] = o
		}
	}

	results := make(map[string]VerificationResult, len(local))
	seen := map[string]bool{}

	for _, entry := range snapshot.Orders {
		o, ok := byBrokerID[entry.BrokerOrderID]
		if !ok {
			continue // unmatched broker order: internal/reconcile's concern, not the monitor's
		}
		seen[o.LocalID] = true

		result, err := m.applyEntry(o, entry, tickTime)
		if err != nil {
			m.log.Error().Err(err).Str("local_id", o.LocalID).Str("broker_order_id", entry.BrokerOrderID).Msg("failed to apply order book entry")
			continue
		}
		results[o.LocalID] = result
	}

	for _, o := range local {
		if !seen[o.LocalID] {
			results[o.LocalID] = VerificationResult{LocalID: o.LocalID, BrokerOrderID: o.BrokerOrderID, Status: o.Status}
		}
	}

	return results, nil
}

// applyEntry maps one broker order-book row to an internal status and
// drives the corresponding transition, at most once per (local_id,
// broker_order_id) per tick.
func (m *Monitor) applyEntry(o *domain.Order, entry broker.OrderBookEntry, tickTime time.Time) (VerificationResult, error) {
	target, executedQty, executedPrice := mapBrokerStatus(o, entry)
	result := VerificationResult{
		LocalID:       o.LocalID,
		BrokerOrderID: entry.BrokerOrderID,
		Status:        target,
		ExecutedQty:   executedQty,
		ExecutedPrice: executedPrice,
		Reason:        entry.Reason,
	}

	if target == o.Status {
		return result, nil
	}

	opts := orders.TransitionOpts{
		BrokerOrderID:  entry.BrokerOrderID,
		Reason:         entry.Reason,
		ExecutionPrice: nonZeroPtr(executedPrice),
		ExecutionQty:   nonZeroPtr(executedQty),
		ExecutionTime:  &tickTime,
	}

	if err := orders.Transition(m.repo, o, target, opts); err != nil {
		return result, fmt.Errorf("monitor: transition: %w", err)
	}

	if err := m.applyPositionEffect(o, target, executedQty, executedPrice, tickTime); err != nil {
		return result, fmt.Errorf("monitor: position effect: %w", err)
	}
	return result, nil
}

// mapBrokerStatus implements the broker→internal status table: only a
// genuinely complete fill moves a buy to ongoing or closes a sell; partial
// fills stay pending with an updated execution quantity.
func mapBrokerStatus(o *domain.Order, entry broker.OrderBookEntry) (status domain.OrderStatus, execQty, execPrice float64) {
	switch entry.Status {
	case broker.BrokerStatusExecuted, broker.BrokerStatusComplete:
		if o.Side == domain.SideSell {
			return domain.StatusClosed, entry.ExecutedQty, entry.ExecutedPrice
		}
		return domain.StatusOngoing, entry.ExecutedQty, entry.ExecutedPrice
	case broker.BrokerStatusRejected:
		return domain.StatusFailed, 0, 0
	case broker.BrokerStatusCancelled:
		return domain.StatusCancelled, 0, 0
	case broker.BrokerStatusPartiallyFilled:
		return domain.StatusPending, entry.ExecutedQty, entry.ExecutedPrice
	case broker.BrokerStatusOpen, broker.BrokerStatusTriggerPending, broker.BrokerStatusAMOReceived:
		return domain.StatusPending, 0, 0
	default:
		return o.Status, 0, 0
	}
}

func (m *Monitor) applyPositionEffect(o *domain.Order, target domain.OrderStatus, qty, price float64, at time.Time) error {
	if qty <= 0 {
		return nil
	}
	switch {
	case o.Side == domain.SideBuy && target == domain.StatusOngoing:
		_, err := m.positions.ApplyBuyFill(o.UserID, o.Symbol, qty, price, at)
		return err
	case o.Side == domain.SideSell && target == domain.StatusClosed:
		_, err := m.positions.ApplySellFill(o.UserID, o.Symbol, qty, at)
		return err
	}
	return nil
}

func nonZeroPtr(v float64) *float64 {
	if v == 0 {
		return nil
	}
	return &v
}

// VerifyAfterPlacement performs a single blocking poll of one order's
// broker status, for use 10-30s after a fresh placement to catch immediate
// rejection without waiting for the next scheduled tick. It never retries
// more than once and never blocks the scheduler's own loop: callers run it
// from their own goroutine.
func (m *Monitor) VerifyAfterPlacement(ctx context.Context, sess broker.Session, o *domain.Order) (VerificationResult, error) {
	snapshot, err := m.adapter.ListOrders(ctx, sess)
	if err != nil {
		if !broker.IsTransient(err) {
			return VerificationResult{}, fmt.Errorf("monitor: verify after placement: %w", err)
		}
		// single bounded retry on a transient fetch error
		snapshot, err = m.adapter.ListOrders(ctx, sess)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("monitor: verify after placement retry: %w", err)
		}
	}

	for _, entry := range snapshot.Orders {
		if entry.BrokerOrderID != o.BrokerOrderID {
			continue
		}
		return m.applyEntry(o, entry, time.Now().UTC())
	}
	return VerificationResult{LocalID: o.LocalID, BrokerOrderID: o.BrokerOrderID, Status: o.Status}, nil
}
