// Package broker defines the abstract interface the supervisor depends on
// for all broker I/O. The broker's own HTTP/WebSocket API is treated as an
// external collaborator; only this interface and its satellite types are
// specified here. Concrete implementations live in httpadapter and wsfeed.
package broker

import (
	"context"
	"time"

	"github.com/aristath/order-supervisor/internal/domain"
)

// Session is an opaque, broker-specific authenticated session handle.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the session should be treated as no longer valid.
func (s Session) Expired() bool {
	return !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt)
}

// PlaceOrderRequest is everything needed to place one order.
type PlaceOrderRequest struct {
	LocalID  string
	Symbol   string
	Side     domain.Side
	Type     domain.OrderType
	Variety  domain.Variety
	Quantity float64
	Price    *float64
}

// PlaceOrderResult is the broker's synchronous acknowledgement of a
// placement attempt.
type PlaceOrderResult struct {
	LocalAckID      string
	BrokerOrderID   string
	ImmediateStatus BrokerOrderStatus
}

// BrokerOrderStatus is the closed set of statuses the broker itself reports,
// mapped into domain.OrderStatus by internal/monitor before any decision is
// made — callers never branch on a raw string from the broker.
type BrokerOrderStatus string

const (
	BrokerStatusExecuted        BrokerOrderStatus = "executed"
	BrokerStatusComplete        BrokerOrderStatus = "complete"
	BrokerStatusRejected        BrokerOrderStatus = "rejected"
	BrokerStatusCancelled       BrokerOrderStatus = "cancelled"
	BrokerStatusOpen            BrokerOrderStatus = "open"
	BrokerStatusTriggerPending  BrokerOrderStatus = "trigger_pending"
	BrokerStatusAMOReceived     BrokerOrderStatus = "amo_received"
	BrokerStatusPartiallyFilled BrokerOrderStatus = "partially_filled"
)

// OrderBookEntry is one row of the broker's order book, as reported at
// ListOrders time.
type OrderBookEntry struct {
	BrokerOrderID string
	Symbol        string
	Side          domain.Side
	Status        BrokerOrderStatus
	Price         float64
	Quantity      float64
	ExecutedQty   float64
	ExecutedPrice float64
	Reason        string
	UpdatedAt     time.Time
}

// OrderBookSnapshot is the full order book fetched once per tick.
type OrderBookSnapshot struct {
	FetchedAt time.Time
	Orders    []OrderBookEntry
}

// Holding is one broker-reported holding.
type Holding struct {
	Symbol       string
	Quantity     float64
	AvgPrice     float64
	CurrentPrice float64
}

// HoldingsSnapshot is the full holdings list fetched during reconciliation.
type HoldingsSnapshot struct {
	FetchedAt time.Time
	Holdings  []Holding
}

// Limits reports the account's tradeable capacity.
type Limits struct {
	AvailableCash float64
	Currency      string
}

// PriceUpdate is one LTP tick delivered by SubscribeLTP's callback.
type PriceUpdate struct {
	Symbol     string
	LTP        float64
	ReceivedAt time.Time
}

// SubscriptionHandle lets a caller tear down a live subscription.
type SubscriptionHandle interface {
	Close() error
}

// Credentials is the opaque, adapter-specific login payload.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Adapter is the full surface the supervisor requires of a broker
// integration. Every method that talks to the network takes a context so
// the caller can enforce the broker_call_timeout_seconds deadline.
type Adapter interface {
	Authenticate(ctx context.Context, creds Credentials) (Session, error)

	PlaceOrder(ctx context.Context, sess Session, req PlaceOrderRequest) (PlaceOrderResult, error)
	ModifyOrder(ctx context.Context, sess Session, brokerOrderID string, price *float64, quantity *float64) error
	CancelOrder(ctx context.Context, sess Session, brokerOrderID string) error

	ListOrders(ctx context.Context, sess Session) (OrderBookSnapshot, error)
	ListHoldings(ctx context.Context, sess Session) (HoldingsSnapshot, error)
	GetLimits(ctx context.Context, sess Session) (Limits, error)

	SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(PriceUpdate)) (SubscriptionHandle, error)
}

// IsSessionExpired reports whether err represents the broker's out-of-band
// session-expiry signal (HTTP 401 or adapter-specific equivalent), looking
// through any %w wrapping added by callers.
func IsSessionExpired(err error) bool {
	for err != nil {
		if se, ok := err.(interface{ SessionExpired() bool }); ok && se.SessionExpired() {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsTransient reports whether err is a network/5xx/timeout/rate-limit class
// of failure eligible for the operation's own bounded retry.
func IsTransient(err error) bool {
	te, ok := err.(interface{ Transient() bool })
	return ok && te.Transient()
}
