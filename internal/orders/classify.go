package orders

import (
	"strings"

	"github.com/aristath/order-supervisor/internal/domain"
)

// permanentReasonSubstrings catalogs broker rejection reasons that will
// never succeed on a bare retry: the order itself is wrong, not the market.
// Matching is case-insensitive substring, since brokers vary punctuation
// and casing across API versions.
var permanentReasonSubstrings = []string{
	"invalid symbol",
	"invalid instrument",
	"unknown symbol",
	"bad lot size",
	"invalid lot size",
	"unsupported exchange",
	"margin disabled",
	"trading not permitted",
	"account blocked",
	"account suspended",
	"scrip not allowed",
}

// transientReasonSubstrings catalogs broker rejection reasons the retry
// queue should treat as retry-eligible: the order was fine, something about
// the market or the channel to the broker wasn't.
var transientReasonSubstrings = []string{
	"insufficient balance",
	"insufficient funds",
	"rate limit",
	"too many requests",
	"network error",
	"connection reset",
	"timeout",
	"temporarily unavailable",
	"gateway",
}

// Classify maps a broker failure reason to a retry class. An unrecognized
// reason defaults to transient: the retry queue will re-attempt it up to
// its own expiry boundary rather than silently dropping an order the
// catalog doesn't yet know about.
func Classify(reason string) domain.RetryClass {
	lower := strings.ToLower(reason)
	for _, substr := range permanentReasonSubstrings {
		if strings.Contains(lower, substr) {
			return domain.RetryClassPermanent
		}
	}
	for _, substr := range transientReasonSubstrings {
		if strings.Contains(lower, substr) {
			return domain.RetryClassTransient
		}
	}
	return domain.RetryClassTransient
}

// IsTransientFailure is a convenience wrapper over Classify for callers
// that only care about the boolean.
func IsTransientFailure(reason string) bool {
	return Classify(reason) == domain.RetryClassTransient
}
