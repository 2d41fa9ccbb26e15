package wsfeed

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/broker"
)

func TestMarshalForDebug(t *testing.T) {
	b, err := marshalForDebug("subscribe", []string{"ACME", "FOO"})
	require.NoError(t, err)
	require.JSONEq(t, `{"action":"subscribe","symbols":["ACME","FOO"]}`, string(b))
}

func TestBackoffDelay_CapsAtMax(t *testing.T) {
	for attempt := 1; attempt <= 20; attempt++ {
		d := backoffDelay(attempt)
		require.LessOrEqual(t, d, maxReconnectDelay+maxReconnectDelay/2)
		require.GreaterOrEqual(t, d, minReconnectDelay)
	}
}

func TestIsCacheStale(t *testing.T) {
	c := New("wss://example.invalid/feed", zerolog.Nop())
	require.True(t, c.IsCacheStale(time.Second), "never-updated cache is stale")

	c.mu.Lock()
	c.lastUpdate = time.Now()
	c.mu.Unlock()
	require.False(t, c.IsCacheStale(time.Minute))
}

func TestUnsubscribe_DropsSubscriptionOnlyWhenHolderSetEmpties(t *testing.T) {
	c := New("wss://example.invalid/feed", zerolog.Nop())

	noop := func(broker.PriceUpdate) {}
	c.mu.Lock()
	c.subscribers["ACME"] = map[int]func(broker.PriceUpdate){}
	c.nextSubID = 2
	c.subscribers["ACME"][1] = noop
	c.subscribers["ACME"][2] = noop
	c.mu.Unlock()

	c.unsubscribe([]string{"ACME"}, map[string]int{"ACME": 1})
	c.mu.RLock()
	_, stillPresent := c.subscribers["ACME"]
	c.mu.RUnlock()
	require.True(t, stillPresent, "one remaining holder keeps the subscription alive")

	c.unsubscribe([]string{"ACME"}, map[string]int{"ACME": 2})
	c.mu.RLock()
	_, stillPresent = c.subscribers["ACME"]
	c.mu.RUnlock()
	require.False(t, stillPresent, "last holder removal drops the subscription")
}
