package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the referenced user, request, or report has never
// been provisioned. It is a caller precondition violation and is surfaced
// upward unchanged.
var ErrNotFound = errors.New("not found")

// ErrAlreadyRefunded is the idempotency guard on Refund: a second refund
// attempt for the same request is a no-op, not a fault that doubles credits.
var ErrAlreadyRefunded = errors.New("request already refunded")

// ErrTerminalRequest rejects a status transition on a request that already
// reached completed or failed.
var ErrTerminalRequest = errors.New("request already in terminal status")

// ErrRequestNotFailed rejects a refund referencing a request that exists but
// never reached the failed status. Refunds for requests with no stored record
// remain legal: the deduction committed but the request row never materialized.
var ErrRequestNotFailed = errors.New("request not in failed status")

// InsufficientCreditsError reports a reservation shortfall. It is an expected
// outcome that callers branch on, not a fault.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

// IsInsufficientCredits reports whether err is a reservation shortfall and
// returns the typed error when it is.
func IsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ice *InsufficientCreditsError
	if errors.As(err, &ice) {
		return ice, true
	}
	return nil, false
}
