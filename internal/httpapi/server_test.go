package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/marketcal"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/scheduler"
	"github.com/aristath/order-supervisor/internal/servicemgr"
	"github.com/aristath/order-supervisor/internal/storage"
)

// fakeAdapter is a minimal broker.Adapter stub exercising only what the
// control surface itself calls: authentication and cancellation.
type fakeAdapter struct {
	cancelled  []string
	failCancel bool
}

func (f *fakeAdapter) Authenticate(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	return broker.Session{UserID: creds.APIKey, Token: "tok", ExpiresAt: timeNowPlus1h()}, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, sess broker.Session, req broker.PlaceOrderRequest) (broker.PlaceOrderResult, error) {
	return broker.PlaceOrderResult{}, nil
}
func (f *fakeAdapter) ModifyOrder(ctx context.Context, sess broker.Session, brokerOrderID string, price, quantity *float64) error {
	return nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, sess broker.Session, brokerOrderID string) error {
	if f.failCancel {
		return errCancelFailed
	}
	f.cancelled = append(f.cancelled, brokerOrderID)
	return nil
}
func (f *fakeAdapter) ListOrders(ctx context.Context, sess broker.Session) (broker.OrderBookSnapshot, error) {
	return broker.OrderBookSnapshot{}, nil
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

var errCancelFailed = fmt.Errorf("httpapi test: cancel failed")

func timeNowPlus1h() time.Time { return time.Now().Add(time.Hour) }

type noopJob struct{ name domain.TaskName }

func (j *noopJob) Name() domain.TaskName         { return j.name }
func (j *noopJob) Run(ctx context.Context) error { return nil }

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	t.Helper()
	cal, err := marketcal.New(zerolog.Nop(), "Asia/Kolkata", "09:15", "15:30", nil)
	require.NoError(t, err)
	sched := scheduler.New("u1", "DEFAULT", cal, zerolog.Nop())
	for _, task := range domain.AllTasks {
		require.NoError(t, sched.AddJob(&noopJob{name: task}, domain.Schedule{TaskName: task, ScheduleTime: "09:00", Enabled: true}))
	}
	return sched
}

func newTestServer(t *testing.T) *Server {
	s, _ := newTestServerWithAdapter(t)
	return s
}

func newTestServerWithAdapter(t *testing.T) (*Server, *fakeAdapter) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "httpapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ordersRepo := orders.NewRepository(db)

	schedules := servicemgr.NewScheduleRepository(db)
	require.NoError(t, schedules.SeedDefaults())
	status := servicemgr.NewStatusRepository(db)
	services := servicemgr.New(schedules, status, zerolog.Nop())

	adapter := &fakeAdapter{}
	creds := func(userID string) broker.Credentials { return broker.Credentials{APIKey: userID} }

	return New(Config{Addr: ":0", DevMode: true}, ordersRepo, services, adapter, creds, zerolog.Nop()), adapter
}

func sampleOrder(localID string) *domain.Order {
	return &domain.Order{
		UserID:   "u1",
		LocalID:  localID,
		Symbol:   "acme",
		Ticker:   "ACME",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Variety:  domain.VarietyRegular,
		Quantity: 10,
	}
}

func TestHandleListOrders_RequiresUserID(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleListOrders_ReturnsCreatedOrder(t *testing.T) {
	s := newTestServer(t)
	_, err := s.orders.Create(sampleOrder("lo-1"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders?user_id=u1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ACME")
}

func TestHandleCancelOrder_TransitionsToCancelled(t *testing.T) {
	s := newTestServer(t)
	_, err := s.orders.Create(sampleOrder("lo-1"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/orders/u1/lo-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)

	o, err := s.orders.GetByLocalID("u1", "lo-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, o.Status)
}

func TestHandleCancelOrder_CancelsAtBrokerFirst(t *testing.T) {
	s, adapter := newTestServerWithAdapter(t)
	o := sampleOrder("lo-1")
	o.BrokerOrderID = "bo-1"
	_, err := s.orders.Create(o)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/orders/u1/lo-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, []string{"bo-1"}, adapter.cancelled)
}

func TestHandleCancelOrder_BrokerCancelFailureBlocksLocalTransition(t *testing.T) {
	s, adapter := newTestServerWithAdapter(t)
	adapter.failCancel = true
	o := sampleOrder("lo-1")
	o.BrokerOrderID = "bo-1"
	_, err := s.orders.Create(o)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/orders/u1/lo-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadGateway, w.Code)

	got, err := s.orders.GetByLocalID("u1", "lo-1")
	require.NoError(t, err)
	require.NotEqual(t, domain.StatusCancelled, got.Status)
}

func TestHandleCancelOrder_UnknownOrderIs404(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/orders/u1/missing", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleRetryOrder_RejectsNonFailedOrder(t *testing.T) {
	s := newTestServer(t)
	_, err := s.orders.Create(sampleOrder("lo-1"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/orders/u1/lo-1/retry", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleRetryOrder_RequeuesFailedOrder(t *testing.T) {
	s := newTestServer(t)
	o, err := s.orders.Create(sampleOrder("lo-1"))
	require.NoError(t, err)
	require.NoError(t, orders.Transition(s.orders, o, domain.StatusFailed, orders.TransitionOpts{Reason: "broker timeout"}))

	req := httptest.NewRequest(http.MethodPost, "/orders/u1/lo-1/retry", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleOrderStatistics_CountsByStatus(t *testing.T) {
	s := newTestServer(t)
	_, err := s.orders.Create(sampleOrder("lo-1"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/orders/statistics?user_id=u1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "pending")
}

func TestHandleStartStopService_UnifiedLifecycle(t *testing.T) {
	s := newTestServer(t)
	sched := newTestScheduler(t)
	s.services.RegisterUser("u1", sched)

	req := httptest.NewRequest(http.MethodPost, "/services/u1/start", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/services/u1/stop", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandleRunOnce_RequiresTask(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/services/u1/run-once", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSchedules_GetThenPut(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/schedules", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	body := `{"TaskName":"analysis","ScheduleTime":"17:45","Enabled":true}`
	req = httptest.NewRequest(http.MethodPut, "/schedules", strings.NewReader(body))
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleHealth_ReturnsOK(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "goroutine_count")
}
