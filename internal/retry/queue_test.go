package retry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/storage"
)

type fakeAdapter struct {
	holdings broker.HoldingsSnapshot
	book     broker.OrderBookSnapshot
	limits   broker.Limits
}

func (f *fakeAdapter) Authenticate(ctx context.Context, c broker.Credentials) (broker.Session, error) {
	return broker.Session{}, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, s broker.Session, r broker.PlaceOrderRequest) (broker.PlaceOrderResult, error) {
	return broker.PlaceOrderResult{}, nil
}
func (f *fakeAdapter) ModifyOrder(ctx context.Context, s broker.Session, id string, p, q *float64) error {
	return nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, s broker.Session, id string) error { return nil }
func (f *fakeAdapter) ListOrders(ctx context.Context, s broker.Session) (broker.OrderBookSnapshot, error) {
	return f.book, nil
}
func (f *fakeAdapter) ListHoldings(ctx context.Context, s broker.Session) (broker.HoldingsSnapshot, error) {
	return f.holdings, nil
}
func (f *fakeAdapter) GetLimits(ctx context.Context, s broker.Session) (broker.Limits, error) {
	return f.limits, nil
}
func (f *fakeAdapter) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	return nil, nil
}

type fakePrices struct{ ltp float64 }

func (f fakePrices) GetRealtimePrice(ctx context.Context, symbol string) (domain.PriceObservation, error) {
	return domain.PriceObservation{Symbol: symbol, LTP: f.ltp}, nil
}

type fakeIndicators struct{ available bool }

func (f fakeIndicators) HasIndicators(ctx context.Context, symbol string) bool { return f.available }

func newTestQueue(t *testing.T, adapter broker.Adapter, prices PriceSource, indicators IndicatorSource, cfg Config) (*Queue, *orders.Repository) {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/retry.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := orders.NewRepository(db)
	positions := orders.NewPositionRepository(db)
	cal, err := marketcal.New(zerolog.Nop(), "Asia/Kolkata", "09:15", "15:30", nil)
	require.NoError(t, err)
	q := New(repo, positions, cal, adapter, prices, indicators, nil, cfg, zerolog.Nop())
	return q, repo
}

func failedOrder(t *testing.T, repo *orders.Repository, localID string, firstFailedAt time.Time) *domain.Order {
	t.Helper()
	o, err := repo.Create(&domain.Order{UserID: "u1", LocalID: localID, Symbol: "ACME", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular, Quantity: 10})
	require.NoError(t, err)
	require.NoError(t, orders.Transition(repo, o, domain.StatusFailed, orders.TransitionOpts{Reason: "connection reset"}))
	o.FirstFailedAt = &firstFailedAt
	require.NoError(t, repo.Update(o))
	return o
}

func TestRunOnce_RequeuesEligibleOrder(t *testing.T) {
	adapter := &fakeAdapter{limits: broker.Limits{AvailableCash: 100000}}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: true}, Config{MaxPortfolioSize: 6})
	failedOrder(t, repo, "lo-1", time.Now())

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "requeued", outcomes[0].Action)
}

func TestRunOnce_ExpiresOrderPastNextTradingDayClose(t *testing.T) {
	adapter := &fakeAdapter{limits: broker.Limits{AvailableCash: 100000}}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: true}, Config{MaxPortfolioSize: 6})
	failedOrder(t, repo, "lo-1", time.Now().AddDate(0, 0, -30))

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, "cancelled", outcomes[0].Action)
	require.Contains(t, outcomes[0].Reason, "expired")
}

func TestRunOnce_AlreadyHeldCancelsOrder(t *testing.T) {
	adapter := &fakeAdapter{
		holdings: broker.HoldingsSnapshot{Holdings: []broker.Holding{{Symbol: "ACME", Quantity: 10}}},
		limits:   broker.Limits{AvailableCash: 100000},
	}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: true}, Config{MaxPortfolioSize: 6})
	failedOrder(t, repo, "lo-1", time.Now())

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Equal(t, "cancelled", outcomes[0].Action)
	require.Equal(t, "already in holdings", outcomes[0].Reason)
}

func TestRunOnce_MissingIndicatorsSkips(t *testing.T) {
	adapter := &fakeAdapter{limits: broker.Limits{AvailableCash: 100000}}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: false}, Config{MaxPortfolioSize: 6})
	failedOrder(t, repo, "lo-1", time.Now())

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Equal(t, "skipped", outcomes[0].Action)
	require.Equal(t, string(SkipIndicatorsUnavailable), outcomes[0].Reason)
}

func TestRunOnce_InsufficientBalanceSkips(t *testing.T) {
	adapter := &fakeAdapter{limits: broker.Limits{AvailableCash: 1}}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: true}, Config{MaxPortfolioSize: 6})
	failedOrder(t, repo, "lo-1", time.Now())

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Equal(t, "skipped", outcomes[0].Action)
	require.Equal(t, string(SkipInsufficientBalance), outcomes[0].Reason)
}

func TestRunOnce_PermanentFailureNeverReturnedEligible(t *testing.T) {
	adapter := &fakeAdapter{limits: broker.Limits{AvailableCash: 100000}}
	q, repo := newTestQueue(t, adapter, fakePrices{ltp: 100}, fakeIndicators{available: true}, Config{MaxPortfolioSize: 6})
	o, err := repo.Create(&domain.Order{UserID: "u1", LocalID: "lo-1", Symbol: "ACME", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular, Quantity: 10})
	require.NoError(t, err)
	require.NoError(t, orders.Transition(repo, o, domain.StatusFailed, orders.TransitionOpts{Reason: "invalid symbol"}))

	outcomes, err := q.RunOnce(context.Background(), broker.Session{}, "u1", "DEFAULT")
	require.NoError(t, err)
	require.Empty(t, outcomes)
}
