package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/storage"
)

type fakeAdapter struct {
	snapshot broker.OrderBookSnapshot
	err      error
}

func (f *fakeAdapter) Authenticate(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	return broker.Session{}, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, sess broker.Session, req broker.PlaceOrderRequest) (broker.PlaceOrderResult, error) {
	return broker.PlaceOrderResult{}, nil
}
func (f *fakeAdapter) ModifyOrder(ctx context.Context, sess broker.Session, brokerOrderID string, price, qty *float64) error {
	return nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, sess broker.Session, brokerOrderID string) error {
	return nil
}
func (f *fakeAdapter) ListOrders(ctx context.Context, sess broker.Session) (broker.OrderBookSnapshot, error) {
	return f.snapshot, f.err
}
func (f *fakeAdapter) ListHoldings(ctx context.Context, sess broker.Session) (broker.HoldingsSnapshot, error) {
	return broker.HoldingsSnapshot{}, nil
}
func (f *fakeAdapter) GetLimits(ctx context.Context, sess broker.Session) (broker.Limits, error) {
	return broker.Limits{}, nil
}
func (f *fakeAdapter) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	return nil, nil
}

func newTestMonitor(t *testing.T, adapter broker.Adapter) (*Monitor, *orders.Repository) {
	t.Helper()
	db, err := storage.Open(t.TempDir() + "/monitor.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := orders.NewRepository(db)
	positions := orders.NewPositionRepository(db)
	return New(repo, positions, adapter, zerolog.Nop()), repo
}

func TestMonitorAllOrders_ExecutedBuyMovesToOngoingAndOpensPosition(t *testing.T) {
	adapter := &fakeAdapter{snapshot: broker.OrderBookSnapshot{
		Orders: []broker.OrderBookEntry{
			{BrokerOrderID: "B1", Symbol: "ACME", Side: domain.SideBuy, Status: broker.BrokerStatusComplete, ExecutedQty: 10, ExecutedPrice: 101.5},
		},
	}}
	m, repo := newTestMonitor(t, adapter)

	o, err := repo.Create(&domain.Order{UserID: "u1", LocalID: "lo-1", Symbol: "ACME", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular, Quantity: 10, BrokerOrderID: "B1"})
	require.NoError(t, err)
	require.Equal(t, "B1", o.BrokerOrderID)
	require.Equal(t, domain.StatusPending, o.Status)

	results, err := m.MonitorAllOrders(context.Background(), broker.Session{}, "u1", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusOngoing, results["lo-1"].Status)

	p, err := m.positions.Get("u1", "ACME")
	require.NoError(t, err)
	require.Equal(t, 10.0, p.Quantity)
}

func TestMonitorAllOrders_RejectedMovesToFailed(t *testing.T) {
	adapter := &fakeAdapter{snapshot: broker.OrderBookSnapshot{
		Orders: []broker.OrderBookEntry{
			{BrokerOrderID: "B1", Side: domain.SideBuy, Status: broker.BrokerStatusRejected, Reason: "invalid symbol"},
		},
	}}
	m, repo := newTestMonitor(t, adapter)

	o, err := repo.Create(&domain.Order{UserID: "u1", LocalID: "lo-1", Symbol: "ACME", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular, Quantity: 10, BrokerOrderID: "B1"})
	require.NoError(t, err)
	require.Equal(t, "B1", o.BrokerOrderID)
	require.Equal(t, domain.StatusPending, o.Status)

	results, err := m.MonitorAllOrders(context.Background(), broker.Session{}, "u1", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, results["lo-1"].Status)

	reloaded, err := repo.GetByLocalID("u1", "lo-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, reloaded.Status)
}

func TestMonitorAllOrders_UnseenOrderKeepsStatus(t *testing.T) {
	adapter := &fakeAdapter{snapshot: broker.OrderBookSnapshot{}}
	m, repo := newTestMonitor(t, adapter)

	_, err := repo.Create(&domain.Order{UserID: "u1", LocalID: "lo-1", Symbol: "ACME", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Variety: domain.VarietyRegular, Quantity: 10})
	require.NoError(t, err)

	results, err := m.MonitorAllOrders(context.Background(), broker.Session{}, "u1", time.Now())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, results["lo-1"].Status)
}

func TestMonitorAllOrders_SessionExpiredErrorPropagates(t *testing.T) {
	adapter := &fakeAdapter{err: sessionExpiredErr{}}
	m, _ := newTestMonitor(t, adapter)

	_, err := m.MonitorAllOrders(context.Background(), broker.Session{}, "u1", time.Now())
	require.Error(t, err)
}

type sessionExpiredErr struct{}

func (sessionExpiredErr) Error() string        { return "session expired" }
func (sessionExpiredErr) SessionExpired() bool { return true }
