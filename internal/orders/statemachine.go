package orders

import (
	"fmt"
	"time"

	"github.com/aristath/order-supervisor/internal/domain"
)

// allowedTransitions is the order lifecycle's transition table. pending is
// the only entry state; closed and cancelled are terminal and accept
// nothing further.
var allowedTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending: {domain.StatusOngoing, domain.StatusFailed, domain.StatusClosed, domain.StatusCancelled},
	domain.StatusOngoing: {domain.StatusClosed, domain.StatusCancelled, domain.StatusFailed},
	domain.StatusFailed:  {domain.StatusPending, domain.StatusCancelled},
}

// TransitionOpts carries the fields a transition may need to stamp,
// depending on the target status.
type TransitionOpts struct {
	Reason         string
	BrokerOrderID  string
	ExecutionPrice *float64
	ExecutionQty   *float64
	ExecutionTime  *time.Time
}

// Transition moves o to the target status if the transition is legal,
// persists it through repo, and stamps the status-appropriate fields.
// Re-requesting the status the order is already in is a no-op success,
// which is what makes retried monitor ticks idempotent against a crash
// mid-transition.
func Transition(repo *Repository, o *domain.Order, to domain.OrderStatus, opts TransitionOpts) error {
	if o.Status == to {
		return nil
	}
	if o.Status.IsTerminal() {
		return fmt.Errorf("orders: order %s/%s is terminal at %s, cannot move to %s", o.UserID, o.LocalID, o.Status, to)
	}
	allowed := allowedTransitions[o.Status]
	ok := false
	for _, s := range allowed {
		if s == to {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("orders: illegal transition %s -> %s for order %s/%s", o.Status, to, o.UserID, o.LocalID)
	}

	now := time.Now().UTC()
	switch to {
	case domain.StatusOngoing:
		if opts.BrokerOrderID != "" {
			o.BrokerOrderID = opts.BrokerOrderID
		}
		if opts.ExecutionPrice != nil {
			o.ExecutionPrice = opts.ExecutionPrice
		}
		if opts.ExecutionQty != nil {
			o.ExecutionQty = opts.ExecutionQty
		}
		if opts.ExecutionTime != nil {
			o.ExecutionTime = opts.ExecutionTime
		}
	case domain.StatusFailed:
		o.Reason = opts.Reason
		if o.FirstFailedAt == nil {
			o.FirstFailedAt = &now
		}
		o.LastRetryAttempt = &now
	case domain.StatusClosed:
		o.ExecutionPrice = opts.ExecutionPrice
		o.ExecutionQty = opts.ExecutionQty
		if opts.ExecutionTime != nil {
			o.ExecutionTime = opts.ExecutionTime
		} else {
			o.ExecutionTime = &now
		}
	case domain.StatusCancelled:
		if opts.Reason != "" {
			o.Reason = opts.Reason
		}
	}

	o.Status = to
	o.LastStatusCheck = &now
	return repo.Update(o)
}

// Requeue moves a failed order back to pending in place for a retry
// dispatch: the same row transitions failed -> pending, with retry_count
// incremented and source_order_id stamped to itself so the order's own
// history records that this pending state is a retry dispatch rather than
// its original placement.
func Requeue(repo *Repository, o *domain.Order) (*domain.Order, error) {
	if o.Status != domain.StatusFailed {
		return nil, fmt.Errorf("orders: only failed orders can be requeued, order %s/%s is %s", o.UserID, o.LocalID, o.Status)
	}
	now := time.Now().UTC()
	o.RetryCount++
	o.SourceOrderID = o.LocalID
	o.LastRetryAttempt = &now
	if err := Transition(repo, o, domain.StatusPending, TransitionOpts{}); err != nil {
		return nil, fmt.Errorf("orders: requeue: %w", err)
	}
	return o, nil
}
