package orders

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/order-supervisor/internal/domain"
)

func TestClassify_PermanentReasons(t *testing.T) {
	cases := []string{
		"INVALID SYMBOL: XYZ123",
		"bad lot size for this instrument",
		"margin disabled for this segment",
	}
	for _, reason := range cases {
		require.Equal(t, domain.RetryClassPermanent, Classify(reason), reason)
	}
}

func TestClassify_TransientReasons(t *testing.T) {
	cases := []string{
		"Insufficient Funds in account",
		"connection reset by broker",
		"upstream timeout",
		"",
	}
	for _, reason := range cases {
		require.Equal(t, domain.RetryClassTransient, Classify(reason), reason)
	}
}

func TestIsTransientFailure(t *testing.T) {
	require.True(t, IsTransientFailure("gateway timeout"))
	require.False(t, IsTransientFailure("invalid symbol requested"))
}
