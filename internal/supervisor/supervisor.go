// Package supervisor is the per-user composition root: it owns one user's
// broker session and wires the scheduler, monitor, retry queue,
// reconciliation engine, validation service and notifier against it,
// in place of process-wide singleton wiring, as a struct that
// cmd/supervisor instantiates once per user.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/audit"
	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/indicators"
	"github.com/aristath/order-supervisor/internal/marketcal"
	"github.com/aristath/order-supervisor/internal/marketdata"
	"github.com/aristath/order-supervisor/internal/monitor"
	"github.com/aristath/order-supervisor/internal/notify"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/reconcile"
	"github.com/aristath/order-supervisor/internal/retry"
	"github.com/aristath/order-supervisor/internal/validation"
)

// RecommendationSource is the opaque analysis pipeline this codebase treats
// as an external collaborator: the supervisor never re-derives a verdict,
// only consumes one.
type RecommendationSource interface {
	FetchRecommendations(ctx context.Context) ([]domain.Recommendation, error)
}

// Config bounds sizing and timing knobs the supervisor applies across jobs.
type Config struct {
	Exchange          string
	CapitalPerTrade   float64
	PlaceVerifyDelay  time.Duration
	BrokerCallTimeout time.Duration
}

// Supervisor owns one user's broker session and drives every collaborator
// against it. Within one tick, all work runs sequentially on the calling
// goroutine to preserve repository write ordering; cross-user parallelism is
// achieved by running one Supervisor (and its scheduler) per goroutine.
type Supervisor struct {
	userID string
	cfg    Config

	adapter broker.Adapter
	creds   broker.Credentials

	sessMu sync.Mutex
	sess   broker.Session

	orderRepo *orders.Repository
	positions *orders.PositionRepository

	monitor         *monitor.Monitor
	retryQueue      *retry.Queue
	reconcileEngine *reconcile.Engine
	validation      *validation.Service
	notifier        *notify.Channel
	prices          *marketdata.Manager
	indicators      *indicators.Service
	cal             *marketcal.Service
	recommendations RecommendationSource
	audit           *audit.Exporter

	recMu   sync.Mutex
	pending []domain.Recommendation

	log zerolog.Logger
}

// New builds a Supervisor for one user from its already-constructed
// collaborators. Every collaborator is single-user scoped except prices,
// indicators, cal and the notifier, which may be shared process-wide.
func New(
	userID string,
	cfg Config,
	adapter broker.Adapter,
	creds broker.Credentials,
	orderRepo *orders.Repository,
	positions *orders.PositionRepository,
	mon *monitor.Monitor,
	retryQueue *retry.Queue,
	reconcileEngine *reconcile.Engine,
	validationSvc *validation.Service,
	notifier *notify.Channel,
	prices *marketdata.Manager,
	indicatorSvc *indicators.Service,
	cal *marketcal.Service,
	recommendations RecommendationSource,
	auditExporter *audit.Exporter,
	log zerolog.Logger,
) *Supervisor {
	return &Supervisor{
		userID:          userID,
		cfg:             cfg,
		adapter:         adapter,
		creds:           creds,
		orderRepo:       orderRepo,
		positions:       positions,
		monitor:         mon,
		retryQueue:      retryQueue,
		reconcileEngine: reconcileEngine,
		validation:      validationSvc,
		notifier:        notifier,
		prices:          prices,
		indicators:      indicatorSvc,
		cal:             cal,
		recommendations: recommendations,
		audit:           auditExporter,
		log:             log.With().Str("component", "supervisor").Str("user_id", userID).Logger(),
	}
}

// session returns a live broker session, authenticating (or re-
// authenticating) exactly once if none is cached or the cached one is
// expired. Concurrent callers within one user serialize on sessMu, so a
// single in-flight refresh backs every caller rather than one per caller.
func (s *Supervisor) session(ctx context.Context) (broker.Session, error) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()

	if s.sess.Token != "" && !s.sess.Expired() {
		return s.sess, nil
	}

	sess, err := s.adapter.Authenticate(ctx, s.creds)
	if err != nil {
		return broker.Session{}, fmt.Errorf("supervisor: authenticate: %w", err)
	}
	s.sess = sess
	s.log.Info().Msg("broker session refreshed")
	s.emit(context.Background(), notify.EventAuthRefreshed, map[string]string{"user_id": s.userID})
	return sess, nil
}

// invalidateSession drops the cached session so the next call re-
// authenticates, used when a collaborator reports a session-expiry error
// mid-tick.
func (s *Supervisor) invalidateSession() {
	s.sessMu.Lock()
	s.sess = broker.Session{}
	s.sessMu.Unlock()
}

func (s *Supervisor) emit(ctx context.Context, kind notify.EventKind, payload interface{}) {
	if s.notifier == nil {
		return
	}
	outcome := s.notifier.Notify(kind, s.userID, payload)
	if outcome != notify.OutcomeSent {
		s.log.Debug().Str("kind", string(kind)).Str("outcome", string(outcome)).Msg("notification not sent")
	}
}

// placeOrder runs a validated order through placement: create the pending
// row, call the broker, and fold the broker's synchronous acknowledgement
// back into the order before a bounded follow-up verification.
func (s *Supervisor) placeOrder(ctx context.Context, sess broker.Session, side domain.Side, symbol string, qty float64, price *float64, orderType domain.OrderType, variety domain.Variety) {
	localID := uuid.New().String()
	o := &domain.Order{
		UserID:   s.userID,
		LocalID:  localID,
		Symbol:   symbol,
		Ticker:   symbol,
		Side:     side,
		Type:     orderType,
		Variety:  variety,
		Quantity: qty,
		Price:    price,
	}
	created, err := s.orderRepo.Create(o)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("failed to persist order before placement")
		return
	}

	placeCtx, cancel := context.WithTimeout(ctx, s.cfg.BrokerCallTimeout)
	result, err := s.adapter.PlaceOrder(placeCtx, sess, broker.PlaceOrderRequest{
		LocalID: localID, Symbol: symbol, Side: side, Type: orderType, Variety: variety, Quantity: qty, Price: price,
	})
	cancel()
	if err != nil {
		if txErr := orders.Transition(s.orderRepo, created, domain.StatusFailed, orders.TransitionOpts{Reason: err.Error()}); txErr != nil {
			s.log.Error().Err(txErr).Str("local_id", localID).Msg("failed to record placement failure")
		}
		s.emit(ctx, notify.EventOrderRejected, map[string]string{"local_id": localID, "symbol": symbol, "reason": err.Error()})
		return
	}

	created.BrokerOrderID = result.BrokerOrderID
	if err := s.orderRepo.Update(created); err != nil {
		s.log.Error().Err(err).Str("local_id", localID).Msg("failed to stamp broker order id")
	}
	s.emit(ctx, notify.EventOrderPlaced, map[string]string{"local_id": localID, "symbol": symbol, "side": string(side)})

	go s.verifyAfterDelay(created)
}

// verifyAfterDelay runs the single bounded follow-up poll 10-30s after
// placement from its own goroutine so a slow or stuck verification never
// blocks the scheduler's own tick loop.
func (s *Supervisor) verifyAfterDelay(o *domain.Order) {
	time.Sleep(s.cfg.PlaceVerifyDelay)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.BrokerCallTimeout)
	defer cancel()

	sess, err := s.session(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("local_id", o.LocalID).Msg("post-placement verification skipped: no session")
		return
	}
	if _, err := s.monitor.VerifyAfterPlacement(ctx, sess, o); err != nil {
		s.log.Warn().Err(err).Str("local_id", o.LocalID).Msg("post-placement verification failed")
	}
}

// buildDailySummary assembles the eod_cleanup notification/export payload
// from the order and position repositories, the shape this component design
// supplements since the distilled spec names the event but not its fields.
func (s *Supervisor) buildDailySummary(date string) (notify.DailySummary, error) {
	stats, err := s.orderRepo.StatisticsByStatus(s.userID)
	if err != nil {
		return notify.DailySummary{}, err
	}
	open, err := s.positions.ListOpen(s.userID)
	if err != nil {
		return notify.DailySummary{}, err
	}
	retryEligible, err := s.orderRepo.RetryEligibleFailed(s.userID)
	if err != nil {
		return notify.DailySummary{}, err
	}

	var notionalOpen float64
	for _, p := range open {
		notionalOpen += p.Quantity * p.AvgPrice
	}

	return notify.DailySummary{
		Date:            date,
		OrdersPlaced:    stats[domain.StatusPending] + stats[domain.StatusOngoing] + stats[domain.StatusClosed] + stats[domain.StatusFailed] + stats[domain.StatusCancelled],
		OrdersExecuted:  stats[domain.StatusClosed],
		OrdersFailed:    stats[domain.StatusFailed],
		OrdersCancelled: stats[domain.StatusCancelled],
		RetryQueueDepth: len(retryEligible),
		PositionsOpen:   len(open),
		NotionalOpen:    notionalOpen,
	}, nil
}
