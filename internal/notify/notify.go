// Package notify emits rate-limited outbound alerts for operator
// visibility, following this codebase's event-manager shape (event type,
// timestamp, payload, structured log as transport) extended with a
// sliding-window limiter the original manager does not have.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventKind enumerates the events the core emits.
type EventKind string

const (
	EventOrderPlaced           EventKind = "order_placed"
	EventOrderExecuted         EventKind = "order_executed"
	EventOrderRejected         EventKind = "order_rejected"
	EventOrderCancelled        EventKind = "order_cancelled"
	EventRetryQueueUpdated     EventKind = "retry_queue_updated"
	EventManualActivityDetected EventKind = "manual_activity_detected"
	EventTrackingStopped       EventKind = "tracking_stopped"
	EventDailySummary          EventKind = "daily_summary"
	EventAuthRefreshed         EventKind = "auth_refreshed"
)

// Outcome is Notify's tagged result.
type Outcome string

const (
	OutcomeSent               Outcome = "sent"
	OutcomeDroppedRateLimit   Outcome = "dropped_rate_limit"
	OutcomeTransportError     Outcome = "transport_error"
)

// DailySummary is the supplemented payload shape for EventDailySummary,
// named but not shaped in the distilled spec.
type DailySummary struct {
	Date            string  `json:"date"`
	OrdersPlaced    int     `json:"orders_placed"`
	OrdersExecuted  int     `json:"orders_executed"`
	OrdersFailed    int     `json:"orders_failed"`
	OrdersCancelled int     `json:"orders_cancelled"`
	RetryQueueDepth int     `json:"retry_queue_depth"`
	PositionsOpen   int     `json:"positions_open"`
	NotionalOpen    float64 `json:"notional_open"`
}

// event is the wire/log shape for one notification.
type event struct {
	Kind      EventKind   `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	UserID    string      `json:"user_id"`
	Payload   interface{} `json:"payload"`
}

// Transport sends a rendered event to wherever operators actually look
// (chat webhook, email, pager). A transport failure never propagates to
// Notify's caller; it only downgrades the outcome to transport_error.
type Transport interface {
	Send(kind EventKind, userID string, rendered []byte) error
}

// logTransport is the default Transport: a structured log line, the same
// log-as-transport fallback the teacher's event manager uses when no real
// sink is configured.
type logTransport struct {
	log zerolog.Logger
}

func (t logTransport) Send(kind EventKind, userID string, rendered []byte) error {
	t.log.Info().
		Str("event_kind", string(kind)).
		Str("user_id", userID).
		RawJSON("event", rendered).
		Msg("notification")
	return nil
}

// slidingWindow counts timestamps within a rolling duration, evicting
// anything older than the window on every call.
type slidingWindow struct {
	window time.Duration
	limit  int
	hits   []time.Time
}

func (w *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	kept := w.hits[:0]
	for _, t := range w.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.hits = kept
	if len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

// Channel is the rate-limited notification channel, one per process (the
// limits are global, not per-user, matching the spec's single 10/min and
// 100/hour budget).
type Channel struct {
	transport Transport
	log       zerolog.Logger

	mu     sync.Mutex
	minute *slidingWindow
	hour   *slidingWindow
}

// New builds a Channel. A nil transport falls back to structured logging.
func New(transport Transport, perMinute, perHour int, log zerolog.Logger) *Channel {
	if transport == nil {
		transport = logTransport{log: log}
	}
	return &Channel{
		transport: transport,
		log:       log.With().Str("component", "notify").Logger(),
		minute:    &slidingWindow{window: time.Minute, limit: perMinute},
		hour:      &slidingWindow{window: time.Hour, limit: perHour},
	}
}

// Notify sends one event, non-blocking. Over-limit calls are dropped rather
// than queued, logged at warn level and reported back as dropped_rate_limit;
// no running count of drops is kept. Transport failures are logged and reported
// back as transport_error but never returned as a Go error, since a failed
// alert must never stall the caller's tick.
func (c *Channel) Notify(kind EventKind, userID string, payload interface{}) Outcome {
	now := time.Now()

	c.mu.Lock()
	allowed := c.minute.allow(now) && c.hour.allow(now)
	c.mu.Unlock()

	if !allowed {
		c.log.Warn().Str("event_kind", string(kind)).Str("user_id", userID).Msg("notification dropped: rate limit exceeded")
		return OutcomeDroppedRateLimit
	}

	rendered, err := json.Marshal(event{Kind: kind, Timestamp: now, UserID: userID, Payload: payload})
	if err != nil {
		c.log.Error().Err(err).Str("event_kind", string(kind)).Msg("notification marshal failed")
		return OutcomeTransportError
	}
	if err := c.transport.Send(kind, userID, rendered); err != nil {
		c.log.Error().Err(err).Str("event_kind", string(kind)).Msg("notification transport failed")
		return OutcomeTransportError
	}
	return OutcomeSent
}
