package indicators

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/domain"
)

type fakeHistory struct {
	bars []domain.Bar
	err  error
	hits int
}

func (f *fakeHistory) GetHistorical(ctx context.Context, ticker string, days int, interval string, includeToday bool) ([]domain.Bar, error) {
	f.hits++
	return f.bars, f.err
}

func syntheticBars(n int, start float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	price := start
	for i := 0; i < n; i++ {
		price += 0.5
		bars[i] = domain.Bar{Time: time.Now().AddDate(0, 0, i-n), Close: price, Volume: 1000 + float64(i)}
	}
	return bars
}

func TestRSI_TooShortSeriesReturnsZero(t *testing.T) {
	require.Equal(t, 0.0, RSI([]float64{1, 2, 3}, 14))
}

func TestRSI_ComputesForSufficientSeries(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	v := RSI(closes, 14)
	require.Greater(t, v, 0.0)
	require.LessOrEqual(t, v, 100.0)
}

func TestEMA_TooShortSeriesReturnsZero(t *testing.T) {
	require.Equal(t, 0.0, EMA([]float64{1, 2}, 9))
}

func TestEMA9Realtime_BlendsPreviousAndLTP(t *testing.T) {
	v := EMA9Realtime(100, 110)
	require.Greater(t, v, 100.0)
	require.Less(t, v, 110.0)
}

func TestEMA9Realtime_NoPriorSeedsFromLTP(t *testing.T) {
	require.Equal(t, 105.0, EMA9Realtime(0, 105))
}

func TestAllIndicatorsAsDict_MemoizesWithinTTL(t *testing.T) {
	hist := &fakeHistory{bars: syntheticBars(220, 100)}
	s := New(hist)

	snap1, err := s.AllIndicatorsAsDict(context.Background(), "ACME")
	require.NoError(t, err)
	require.Greater(t, snap1.Close, 0.0)

	_, err = s.AllIndicatorsAsDict(context.Background(), "ACME")
	require.NoError(t, err)
	require.Equal(t, 1, hist.hits, "second call within TTL must hit the memoized value")
}

func TestAllIndicatorsAsDict_EmptySeriesReturnsZeroValueSnapshot(t *testing.T) {
	hist := &fakeHistory{}
	s := New(hist)
	snap, err := s.AllIndicatorsAsDict(context.Background(), "ACME")
	require.NoError(t, err)
	require.Equal(t, Snapshot{}, snap)
}

func TestHasIndicators_FalseWhenNoClose(t *testing.T) {
	s := New(&fakeHistory{})
	require.False(t, s.HasIndicators(context.Background(), "ACME"))
}

func TestHasIndicators_TrueWhenDataAvailable(t *testing.T) {
	s := New(&fakeHistory{bars: syntheticBars(220, 100)})
	require.True(t, s.HasIndicators(context.Background(), "ACME"))
}

func TestInvalidate_ForcesRecompute(t *testing.T) {
	hist := &fakeHistory{bars: syntheticBars(220, 100)}
	s := New(hist)
	_, err := s.AllIndicatorsAsDict(context.Background(), "ACME")
	require.NoError(t, err)
	s.Invalidate("ACME")
	_, err = s.AllIndicatorsAsDict(context.Background(), "ACME")
	require.NoError(t, err)
	require.Equal(t, 2, hist.hits)
}
