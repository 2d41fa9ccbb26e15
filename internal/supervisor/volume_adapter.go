package supervisor

import (
	"context"
	"fmt"

	"github.com/aristath/order-supervisor/internal/indicators"
	"github.com/aristath/order-supervisor/internal/marketdata"
)

// VolumeAdapter implements internal/retry's VolumeSource on top of the
// price cache and indicator service, the same average-daily-notional basis
// internal/validation's volume-ratio gate uses, so the retry queue's cap
// and the pre-trade gate agree on what "too large a share of liquidity"
// means.
type VolumeAdapter struct {
	Prices     *marketdata.Manager
	Indicators *indicators.Service
}

// PositionToVolumeRatio reports quantity's share of symbol's average daily
// traded value at the current reference price.
func (a *VolumeAdapter) PositionToVolumeRatio(symbol string, quantity float64) (float64, error) {
	ctx := context.Background()
	priceObs, err := a.Prices.GetRealtimePrice(ctx, symbol)
	if err != nil || priceObs.LTP <= 0 {
		return 0, fmt.Errorf("volume adapter: no reference price for %s", symbol)
	}
	notional, err := a.Indicators.AvgDailyNotional(ctx, symbol)
	if err != nil || notional <= 0 {
		return 0, fmt.Errorf("volume adapter: no average daily notional for %s", symbol)
	}
	return (quantity * priceObs.LTP) / notional, nil
}
