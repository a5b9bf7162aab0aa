package domain

import "errors"

var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInsufficientRepayment = errors.New("insufficient repayment")
	ErrNotLiquidatable       = errors.New("position not liquidatable")
	ErrLowConfidencePrice    = errors.New("price confidence below accepted minimum")
	ErrOracleUnavailable     = errors.New("oracle unavailable")
	ErrTransactionFailed     = errors.New("transaction failed")
	ErrRateLimited           = errors.New("rate limited")
	ErrLockHeld              = errors.New("lock already held")

	// ErrTxReverted marks a mined transaction that reverted. It is always
	// wrapped together with ErrTransactionFailed.
	ErrTxReverted = errors.New("transaction reverted")
)

// ErrorKind maps err to a stable short label. Unknown errors map to "internal".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientRepayment):
		return "insufficient_repayment"
	case errors.Is(err, ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrLowConfidencePrice):
		return "low_confidence_price"
	case errors.Is(err, ErrOracleUnavailable):
		return "oracle_unavailable"
	case errors.Is(err, ErrTransactionFailed):
		return "transaction_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	default:
		return "internal"
	}
}
