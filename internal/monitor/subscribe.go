package monitor

import (
	"context"

	"github.com/aristath/order-supervisor/internal/broker"
)

// SubscribeToOrderBookUpdates attaches a near-real-time price feed for the
// given symbols, invoking onTick whenever a live update arrives. Brokers
// that don't support a live feed return an error from SubscribeLTP; callers
// are expected to fall back to the polling MonitorAllOrders cadence in that
// case rather than treat it as fatal.
func (m *Monitor) SubscribeToOrderBookUpdates(ctx context.Context, symbols []string, onTick func(broker.PriceUpdate)) (broker.SubscriptionHandle, error) {
	handle, err := m.adapter.SubscribeLTP(ctx, symbols, onTick)
	if err != nil {
		m.log.Warn().Err(err).Strs("symbols", symbols).Msg("live order book feed unavailable, falling back to polling")
		return nil, err
	}
	return handle, nil
}
