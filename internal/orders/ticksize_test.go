package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapToTick_RoundsToGrid(t *testing.T) {
	require.InDelta(t, 100.05, SnapToTick(100.03, "NSE"), 1e-9)
	require.InDelta(t, 100.00, SnapToTick(100.02, "NSE"), 1e-9)
}

func TestTickSize_UnknownExchangeFallsBackToDefault(t *testing.T) {
	require.Equal(t, TickSize("DEFAULT"), TickSize("UNKNOWN"))
}
