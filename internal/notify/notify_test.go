package notify

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	sent []EventKind
	err  error
}

func (r *recordingTransport) Send(kind EventKind, userID string, rendered []byte) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, kind)
	return nil
}

func TestNotify_SendsWithinLimit(t *testing.T) {
	transport := &recordingTransport{}
	c := New(transport, 10, 100, zerolog.Nop())

	outcome := c.Notify(EventOrderPlaced, "u1", map[string]string{"symbol": "ACME"})
	require.Equal(t, OutcomeSent, outcome)
	require.Equal(t, []EventKind{EventOrderPlaced}, transport.sent)
}

func TestNotify_DropsOverPerMinuteLimit(t *testing.T) {
	transport := &recordingTransport{}
	c := New(transport, 2, 100, zerolog.Nop())

	require.Equal(t, OutcomeSent, c.Notify(EventOrderPlaced, "u1", nil))
	require.Equal(t, OutcomeSent, c.Notify(EventOrderPlaced, "u1", nil))
	require.Equal(t, OutcomeDroppedRateLimit, c.Notify(EventOrderPlaced, "u1", nil))
	require.Len(t, transport.sent, 2)
}

func TestNotify_DropsOverPerHourLimitEvenUnderPerMinute(t *testing.T) {
	transport := &recordingTransport{}
	c := New(transport, 100, 1, zerolog.Nop())

	require.Equal(t, OutcomeSent, c.Notify(EventOrderPlaced, "u1", nil))
	require.Equal(t, OutcomeDroppedRateLimit, c.Notify(EventOrderPlaced, "u1", nil))
}

func TestNotify_TransportFailureReturnsTransportErrorNotPanic(t *testing.T) {
	transport := &recordingTransport{err: errors.New("webhook unreachable")}
	c := New(transport, 10, 100, zerolog.Nop())

	outcome := c.Notify(EventOrderExecuted, "u1", DailySummary{Date: "2026-08-01"})
	require.Equal(t, OutcomeTransportError, outcome)
}

func TestNotify_NilTransportFallsBackToLogging(t *testing.T) {
	c := New(nil, 10, 100, zerolog.Nop())
	outcome := c.Notify(EventAuthRefreshed, "u1", nil)
	require.Equal(t, OutcomeSent, outcome)
}
