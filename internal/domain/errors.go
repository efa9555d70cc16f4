package domain

import (
	"errors"
	"fmt"
)

// Error kinds the pipeline distinguishes. Components return these wrapped
// with context; the pipeline converts them into per-user or per-order
// result rows rather than aborting the execution.
var (
	ErrDecryptFailure      = errors.New("credential decrypt failed")
	ErrNoCredentials       = errors.New("no broker credentials")
	ErrEvaluatorFailure    = errors.New("evaluator failed")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrOrderRejected       = errors.New("order rejected")
	ErrBrokerTransient     = errors.New("broker transient error")
	ErrCalendarUnavailable = errors.New("market calendar unavailable")
	ErrConfigInvalid       = errors.New("invalid trading settings")
	ErrExecutionInProgress = errors.New("execution already in progress")
)

// OrderError carries the broker's rejection for one symbol
type OrderError struct {
	Symbol string
	Side   string
	Err    error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s %s: %v", e.Side, e.Symbol, e.Err)
}

func (e *OrderError) Unwrap() error {
	return ErrOrderRejected
}
