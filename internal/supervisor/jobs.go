package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/indicators"
	"github.com/aristath/order-supervisor/internal/notify"
	"github.com/aristath/order-supervisor/internal/validation"
)

// Jobs builds the fixed task set (internal/domain.AllTasks) as
// scheduler.Job values bound to this Supervisor, in scheduler trigger
// order.
func (s *Supervisor) Jobs() []job {
	return []job{
		&premarketRetryJob{s},
		&sellMonitorJob{s},
		&positionMonitorJob{s},
		&analysisJob{s},
		&buyOrdersJob{s},
		&eodCleanupJob{s},
	}
}

// job is scheduler.Job's shape, named locally to avoid an import cycle back
// into internal/scheduler from this file's doc comments; internal/scheduler
// consumes the *Supervisor job values directly since Go interfaces are
// structural.
type job interface {
	Name() domain.TaskName
	Run(ctx context.Context) error
}

// orderVariety picks the broker order variety for a placement happening at
// t: amo once the exchange has closed for the day (e.g. a buy dispatch
// running at 16:05, after the 15:30 close), regular while it's still open.
func (s *Supervisor) orderVariety(t time.Time) domain.Variety {
	if s.cal.IsOpen(s.cfg.Exchange, t) {
		return domain.VarietyRegular
	}
	return domain.VarietyAMO
}

func (s *Supervisor) withSession(ctx context.Context, fn func(sess broker.Session) error) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}
	err = fn(sess)
	if broker.IsSessionExpired(err) {
		s.invalidateSession()
	}
	return err
}

type premarketRetryJob struct{ s *Supervisor }

func (j *premarketRetryJob) Name() domain.TaskName { return domain.TaskPremarketRetry }

func (j *premarketRetryJob) Run(ctx context.Context) error {
	return j.s.withSession(ctx, func(sess broker.Session) error {
		results, err := j.s.retryQueue.RunOnce(ctx, sess, j.s.userID, j.s.cfg.Exchange)
		if err != nil {
			return fmt.Errorf("premarket_retry: %w", err)
		}
		j.s.emit(ctx, notify.EventRetryQueueUpdated, map[string]interface{}{"processed": len(results)})
		return nil
	})
}

type sellMonitorJob struct{ s *Supervisor }

func (j *sellMonitorJob) Name() domain.TaskName { return domain.TaskSellMonitor }

func (j *sellMonitorJob) Run(ctx context.Context) error {
	return j.s.withSession(ctx, func(sess broker.Session) error {
		if _, err := j.s.monitor.MonitorAllOrders(ctx, sess, j.s.userID, time.Now()); err != nil {
			return fmt.Errorf("sell_monitor: %w", err)
		}
		return j.s.checkExitTargets(ctx, sess)
	})
}

// checkExitTargets evaluates every open position against an EMA9-realtime
// sell target and dispatches a system-initiated exit once price reaches it.
func (s *Supervisor) checkExitTargets(ctx context.Context, sess broker.Session) error {
	open, err := s.positions.ListOpen(s.userID)
	if err != nil {
		return fmt.Errorf("check exit targets: list open positions: %w", err)
	}

	for _, p := range open {
		priceObs, err := s.prices.GetRealtimePrice(ctx, p.Symbol)
		if err != nil || priceObs.LTP <= 0 {
			continue
		}
		snapshot, err := s.indicators.AllIndicatorsAsDict(ctx, p.Symbol)
		if err != nil {
			continue
		}
		target := indicators.EMA9Realtime(snapshot.EMA9, priceObs.LTP)
		if priceObs.LTP < target {
			continue
		}

		result := s.validation.ValidatePlacement(ctx, sess, validation.Request{
			UserID: s.userID, Symbol: p.Symbol, Side: domain.SideSell, Quantity: p.Quantity,
			Price: priceObs.LTP, SystemInitiatedExit: true,
		})
		if !result.OK {
			continue
		}
		s.placeOrder(ctx, sess, domain.SideSell, p.Symbol, p.Quantity, nil, domain.OrderTypeMarket, s.orderVariety(time.Now()))
	}
	return nil
}

type positionMonitorJob struct{ s *Supervisor }

func (j *positionMonitorJob) Name() domain.TaskName { return domain.TaskPositionMonitor }

func (j *positionMonitorJob) Run(ctx context.Context) error {
	return j.s.withSession(ctx, func(sess broker.Session) error {
		if _, err := j.s.monitor.MonitorAllOrders(ctx, sess, j.s.userID, time.Now()); err != nil {
			return fmt.Errorf("position_monitor: %w", err)
		}
		if err := j.s.reconcileEngine.RunOnce(ctx, sess, j.s.userID); err != nil {
			return fmt.Errorf("position_monitor: reconcile: %w", err)
		}
		return nil
	})
}

type analysisJob struct{ s *Supervisor }

func (j *analysisJob) Name() domain.TaskName { return domain.TaskAnalysis }

func (j *analysisJob) Run(ctx context.Context) error {
	if j.s.recommendations == nil {
		j.s.log.Debug().Msg("analysis: no recommendation source configured, nothing to do")
		return nil
	}
	recs, err := j.s.recommendations.FetchRecommendations(ctx)
	if err != nil {
		return fmt.Errorf("analysis: fetch recommendations: %w", err)
	}

	var actionable []domain.Recommendation
	symbols := make([]string, 0, len(recs))
	for _, r := range recs {
		if !r.Actionable() {
			continue
		}
		actionable = append(actionable, r)
		symbols = append(symbols, r.Symbol)
	}

	j.s.prices.WarmCache(ctx, symbols, string(domain.TaskAnalysis))
	for _, symbol := range symbols {
		if _, err := j.s.indicators.AllIndicatorsAsDict(ctx, symbol); err != nil {
			j.s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to warm indicators during analysis")
		}
	}

	j.s.recMu.Lock()
	j.s.pending = actionable
	j.s.recMu.Unlock()
	j.s.log.Info().Int("actionable", len(actionable)).Msg("analysis completed")
	return nil
}

type buyOrdersJob struct{ s *Supervisor }

func (j *buyOrdersJob) Name() domain.TaskName { return domain.TaskBuyOrders }

func (j *buyOrdersJob) Run(ctx context.Context) error {
	j.s.recMu.Lock()
	recs := j.s.pending
	j.s.pending = nil
	j.s.recMu.Unlock()

	if len(recs) == 0 {
		return nil
	}

	return j.s.withSession(ctx, func(sess broker.Session) error {
		for _, rec := range recs {
			j.s.evaluateRecommendation(ctx, sess, rec)
		}
		return nil
	})
}

func (s *Supervisor) evaluateRecommendation(ctx context.Context, sess broker.Session, rec domain.Recommendation) {
	s.evaluateRecommendationAt(ctx, sess, rec, time.Now())
}

// evaluateRecommendationAt is evaluateRecommendation with the placement
// clock pulled out as a parameter so the amo/regular variety decision is
// testable against a fixed instant instead of the wall clock.
func (s *Supervisor) evaluateRecommendationAt(ctx context.Context, sess broker.Session, rec domain.Recommendation, at time.Time) {
	price := rec.EntryPriceHint
	if price <= 0 {
		priceObs, err := s.prices.GetRealtimePrice(ctx, rec.Symbol)
		if err != nil || priceObs.LTP <= 0 {
			return
		}
		price = priceObs.LTP
	}

	qty := 0.0
	switch {
	case rec.SuggestedQty != nil && *rec.SuggestedQty > 0:
		qty = *rec.SuggestedQty
	case rec.SuggestedCapital != nil && *rec.SuggestedCapital > 0:
		qty = float64(int(*rec.SuggestedCapital / price))
	default:
		qty = float64(int(s.cfg.CapitalPerTrade / price))
	}
	if qty <= 0 {
		return
	}

	result := s.validation.ValidatePlacement(ctx, sess, validation.Request{
		UserID: s.userID, Symbol: rec.Symbol, Side: domain.SideBuy, Quantity: qty, Price: price,
	})
	if !result.OK {
		s.log.Info().Str("symbol", rec.Symbol).Str("reason", result.Reason).Msg("buy recommendation rejected at pre-trade gates")
		return
	}
	s.placeOrder(ctx, sess, domain.SideBuy, rec.Symbol, qty, nil, domain.OrderTypeMarket, s.orderVariety(at))
}

type eodCleanupJob struct{ s *Supervisor }

func (j *eodCleanupJob) Name() domain.TaskName { return domain.TaskEODCleanup }

func (j *eodCleanupJob) Run(ctx context.Context) error {
	err := j.s.withSession(ctx, func(sess broker.Session) error {
		return j.s.reconcileEngine.RunOnce(ctx, sess, j.s.userID)
	})
	if err != nil {
		j.s.log.Warn().Err(err).Msg("eod_cleanup: final reconciliation pass failed")
	}

	date := time.Now().UTC().Format("2006-01-02")
	summary, sErr := j.s.buildDailySummary(date)
	if sErr != nil {
		return fmt.Errorf("eod_cleanup: build daily summary: %w", sErr)
	}

	j.s.emit(ctx, notify.EventDailySummary, summary)
	if j.s.audit != nil {
		if aErr := j.s.audit.ExportDailySummary(ctx, j.s.userID, summary); aErr != nil {
			j.s.log.Error().Err(aErr).Msg("eod_cleanup: failed to export daily summary")
		}
	}
	return nil
}
