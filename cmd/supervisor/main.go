package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/order-supervisor/internal/audit"
	"github.com/aristath/order-supervisor/internal/broker"
	"github.com/aristath/order-supervisor/internal/broker/httpadapter"
	"github.com/aristath/order-supervisor/internal/broker/wsfeed"
	"github.com/aristath/order-supervisor/internal/config"
	"github.com/aristath/order-supervisor/internal/domain"
	"github.com/aristath/order-supervisor/internal/httpapi"
	"github.com/aristath/order-supervisor/internal/indicators"
	"github.com/aristath/order-supervisor/internal/marketcal"
	"github.com/aristath/order-supervisor/internal/marketdata"
	"github.com/aristath/order-supervisor/internal/monitor"
	"github.com/aristath/order-supervisor/internal/notify"
	"github.com/aristath/order-supervisor/internal/obslog"
	"github.com/aristath/order-supervisor/internal/orders"
	"github.com/aristath/order-supervisor/internal/reconcile"
	"github.com/aristath/order-supervisor/internal/retry"
	"github.com/aristath/order-supervisor/internal/scheduler"
	"github.com/aristath/order-supervisor/internal/servicemgr"
	"github.com/aristath/order-supervisor/internal/storage"
	"github.com/aristath/order-supervisor/internal/supervisor"
	"github.com/aristath/order-supervisor/internal/validation"
)

func main() {
	log := obslog.New(obslog.Config{Level: "info", Pretty: true})
	obslog.SetGlobal(log)
	log.Info().Msg("starting order supervisor")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log = obslog.New(obslog.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	historyCache, err := marketdata.OpenDiskCache(cfg.HistoryCacheDBPath)
	if err != nil {
		log.Warn().Err(err).Msg("history cache disabled: failed to open cache database")
	} else {
		defer historyCache.Close()
	}

	cal, err := marketcal.New(log, cfg.MarketTimezone, cfg.MarketOpen, cfg.MarketClose, parseHolidays(cfg.HolidayCalendar))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build market calendar")
	}

	orderRepo := orders.NewRepository(db)
	positions := orders.NewPositionRepository(db)
	tracking := reconcile.NewTrackingRepository(db)
	instruments := validation.NewInstrumentMaster(cfg.TradableSymbols)

	scheduleRepo := servicemgr.NewScheduleRepository(db)
	if err := scheduleRepo.SeedDefaults(); err != nil {
		log.Fatal().Err(err).Msg("failed to seed default schedules")
	}
	statusRepo := servicemgr.NewStatusRepository(db)
	svcMgr := servicemgr.New(scheduleRepo, statusRepo, log)

	notifier := notify.New(nil, cfg.NotifyPerMinute, cfg.NotifyPerHour, log)

	var uploader audit.Uploader
	if cfg.AuditS3Bucket != "" {
		s3, err := audit.NewS3Uploader(context.Background(), cfg.AuditS3Bucket, log)
		if err != nil {
			log.Error().Err(err).Msg("audit S3 archival disabled: failed to build uploader")
		} else {
			uploader = s3
		}
	}
	auditExporter := audit.New(cfg.AuditExportPath, uploader, notifier, log)

	brokerCallTimeout := time.Duration(cfg.BrokerCallTimeoutSeconds) * time.Second
	wsClient := wsfeed.New(strings.Replace(cfg.BrokerBaseURL, "http", "ws", 1)+"/ltp", log)

	controlRestClient := httpadapter.New(cfg.BrokerBaseURL, brokerCallTimeout, log)
	httpServer := httpapi.New(httpapi.Config{Addr: fmt.Sprintf(":%d", cfg.Port), DevMode: cfg.DevMode}, orderRepo, svcMgr, controlRestClient, cfg.CredentialsFor, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedules, err := scheduleRepo.List()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load schedules")
	}

	for _, userID := range cfg.UserIDs {
		sup, sched := buildUserSupervisor(cfg, userID, db, cal, orderRepo, positions, tracking, instruments, notifier, auditExporter, wsClient, historyCache, brokerCallTimeout, log)
		svcMgr.RegisterUser(userID, sched)

		for _, j := range sup.Jobs() {
			taskSchedule, found := scheduleFor(schedules, j.Name())
			if !found {
				log.Warn().Str("task", string(j.Name())).Msg("no schedule row found, job registered disabled")
				continue
			}
			if err := sched.AddJob(j, taskSchedule); err != nil {
				log.Error().Err(err).Str("user_id", userID).Str("task", string(j.Name())).Msg("failed to register job")
			}
		}
		if err := svcMgr.StartUnified(userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to start unified service at startup")
		}
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("http control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	gracePeriod := time.Duration(cfg.StopGracePeriodSeconds) * time.Second
	for _, userID := range cfg.UserIDs {
		if err := svcMgr.StopUnified(userID, gracePeriod); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to stop unified service cleanly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	log.Info().Msg("order supervisor stopped")
}

// buildUserSupervisor wires one user's full collaborator graph: broker
// adapter, price cache, indicators, validation, retry queue, reconciliation
// engine, monitor and scheduler, then the Supervisor that drives them.
func buildUserSupervisor(
	cfg *config.Config, userID string, db *storage.DB, cal *marketcal.Service,
	orderRepo *orders.Repository, positions *orders.PositionRepository, tracking *reconcile.TrackingRepository,
	instruments *validation.InstrumentMaster,
	notifier *notify.Channel, auditExporter *audit.Exporter, wsClient *wsfeed.Client, historyCache *marketdata.DiskCache,
	brokerCallTimeout time.Duration,
	log zerolog.Logger,
) (*supervisor.Supervisor, *scheduler.Scheduler) {
	userLog := log.With().Str("user_id", userID).Logger()

	restClient := httpadapter.New(cfg.BrokerBaseURL, brokerCallTimeout, userLog)
	adapter := broker.Adapter(compositeAdapter{rest: restClient, ws: wsClient})

	prices := marketdata.New(adapter, restClient, cal, "DEFAULT", marketdata.StalenessConfig{
		MaxStalenessOpen:   time.Duration(cfg.MaxStalenessSecondsOpen) * time.Second,
		MaxStalenessClosed: time.Duration(cfg.MaxStalenessSecondsClosed) * time.Second,
		HistoryTTLShort:    60 * time.Second,
		HistoryTTLLong:     6 * time.Hour,
	}, userLog)
	if historyCache != nil {
		prices.UseDiskCache(historyCache)
	}
	indicatorSvc := indicators.New(prices)

	validationSvc := validation.New(orderRepo, positions, adapter, prices, indicatorSvc, instruments, validation.Config{
		MaxPortfolioSize: cfg.MaxPortfolioSize,
		BuyCooldown:      time.Duration(cfg.BuyCooldownSeconds) * time.Second,
		MinHoldTime:      time.Duration(cfg.MinHoldSeconds) * time.Second,
	}, userLog)

	mon := monitor.New(orderRepo, positions, adapter, userLog)
	reconcileNotifier := &supervisor.ReconcileNotifier{Channel: notifier}
	reconcileEngine := reconcile.New(orderRepo, positions, tracking, adapter, reconcileNotifier, userLog)

	volumeAdapter := &supervisor.VolumeAdapter{Prices: prices, Indicators: indicatorSvc}
	retryQueue := retry.New(orderRepo, positions, cal, adapter, prices, indicatorSvc, volumeAdapter, retry.Config{
		MaxPortfolioSize:       cfg.MaxPortfolioSize,
		MaxPositionVolumeRatio: cfg.MaxPositionVolumeRatio,
	}, userLog)

	sched := scheduler.New(userID, "DEFAULT", cal, userLog)

	sup := supervisor.New(
		userID,
		supervisor.Config{
			Exchange:          "DEFAULT",
			CapitalPerTrade:   cfg.CapitalPerTrade,
			PlaceVerifyDelay:  time.Duration(cfg.PlaceVerifyDelaySeconds) * time.Second,
			BrokerCallTimeout: brokerCallTimeout,
		},
		adapter, cfg.CredentialsFor(userID),
		orderRepo, positions, mon, retryQueue, reconcileEngine, validationSvc, notifier,
		prices, indicatorSvc, cal,
		nil, // no recommendation source wired: the analysis pipeline this supervisor consumes from is deployed separately
		auditExporter,
		userLog,
	)

	return sup, sched
}

// compositeAdapter satisfies broker.Adapter by routing everything except
// live price subscription through the REST client and SubscribeLTP through
// the WebSocket feed, since the two transports this codebase's broker
// integration uses are never backed by a single connection.
type compositeAdapter struct {
	rest *httpadapter.Client
	ws   *wsfeed.Client
}

func (a compositeAdapter) Authenticate(ctx context.Context, creds broker.Credentials) (broker.Session, error) {
	return a.rest.Authenticate(ctx, creds)
}
func (a compositeAdapter) PlaceOrder(ctx context.Context, sess broker.Session, req broker.PlaceOrderRequest) (broker.PlaceOrderResult, error) {
	return a.rest.PlaceOrder(ctx, sess, req)
}
func (a compositeAdapter) ModifyOrder(ctx context.Context, sess broker.Session, brokerOrderID string, price, quantity *float64) error {
	return a.rest.ModifyOrder(ctx, sess, brokerOrderID, price, quantity)
}
func (a compositeAdapter) CancelOrder(ctx context.Context, sess broker.Session, brokerOrderID string) error {
	return a.rest.CancelOrder(ctx, sess, brokerOrderID)
}
func (a compositeAdapter) ListOrders(ctx context.Context, sess broker.Session) (broker.OrderBookSnapshot, error) {
	return a.rest.ListOrders(ctx, sess)
}
func (a compositeAdapter) ListHoldings(ctx context.Context, sess broker.Session) (broker.HoldingsSnapshot, error) {
	return a.rest.ListHoldings(ctx, sess)
}
func (a compositeAdapter) GetLimits(ctx context.Context, sess broker.Session) (broker.Limits, error) {
	return a.rest.GetLimits(ctx, sess)
}
func (a compositeAdapter) SubscribeLTP(ctx context.Context, symbols []string, onUpdate func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	return a.ws.SubscribeLTP(ctx, symbols, onUpdate)
}

var _ broker.Adapter = compositeAdapter{}

func scheduleFor(schedules []domain.Schedule, task domain.TaskName) (domain.Schedule, bool) {
	for _, s := range schedules {
		if s.TaskName == task {
			return s, true
		}
	}
	return domain.Schedule{}, false
}

func parseHolidays(csv string) []time.Time {
	if csv == "" {
		return nil
	}
	var out []time.Time
	for _, raw := range strings.Split(csv, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}
