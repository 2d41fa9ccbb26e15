package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/domain"
)

func TestDiskCache_PutThenGetRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	c, err := OpenDiskCache(path)
	require.NoError(t, err)
	defer c.Close()

	key := historyKey{ticker: "ACME", days: 5, interval: "1d", includeToday: false}
	bars := []domain.Bar{{Time: time.Now(), Close: 101.5}}
	fetchedAt := time.Now()

	c.Put(key, bars, fetchedAt)

	got, gotFetchedAt, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.Equal(t, 101.5, got[0].Close)
	require.WithinDuration(t, fetchedAt, gotFetchedAt, time.Second)
}

func TestDiskCache_GetMissReturnsFalse(t *testing.T) {
	c, err := OpenDiskCache(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer c.Close()

	_, _, ok := c.Get(historyKey{ticker: "NOPE", days: 1, interval: "1d"})
	require.False(t, ok)
}

func TestDiskCache_PutOverwritesExistingKey(t *testing.T) {
	c, err := OpenDiskCache(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer c.Close()

	key := historyKey{ticker: "ACME", days: 5, interval: "1d"}
	c.Put(key, []domain.Bar{{Close: 1}}, time.Now())
	c.Put(key, []domain.Bar{{Close: 2}}, time.Now())

	got, _, ok := c.Get(key)
	require.True(t, ok)
	require.Len(t, got, 1)
	require.Equal(t, 2.0, got[0].Close)
}

func TestGetHistorical_FallsBackToDiskCacheWhenMemoryMisses(t *testing.T) {
	c, err := OpenDiskCache(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer c.Close()

	key := historyKey{ticker: "ACME", days: 5, interval: "1d", includeToday: false}
	c.Put(key, []domain.Bar{{Close: 55}}, time.Now())

	hist := &fakeHistory{err: errUnavailable{}}
	m := newTestManager(t, &fakeAdapter{}, hist)
	m.UseDiskCache(c)

	bars, err := m.GetHistorical(context.Background(), "ACME", 5, "1d", false)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	require.Equal(t, 55.0, bars[0].Close)
	require.Equal(t, 0, hist.hits, "a fresh disk hit within TTL must not fall through to the broker")
}

func TestGetHistorical_WritesThroughToDiskCacheOnFreshFetch(t *testing.T) {
	c, err := OpenDiskCache(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer c.Close()

	hist := &fakeHistory{bars: []domain.Bar{{Close: 77}}}
	m := newTestManager(t, &fakeAdapter{}, hist)
	m.UseDiskCache(c)

	_, err = m.GetHistorical(context.Background(), "ACME", 5, "1d", false)
	require.NoError(t, err)

	key := historyKey{ticker: "ACME", days: 5, interval: "1d", includeToday: false}
	got, _, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, 77.0, got[0].Close)
}
