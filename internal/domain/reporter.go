package domain

import "time"

// Operation names a pawn service operation for reporting.
type Operation string

const (
	OpCreate    Operation = "create"
	OpRedeem    Operation = "redeem"
	OpLiquidate Operation = "liquidate"
	OpCheck     Operation = "check"
)

// Reporter observes service outcomes. Implementations must be safe for
// concurrent use and must not block.
type Reporter interface {
	OperationFinished(op Operation, err error, elapsed time.Duration)
	TransactionFinished(op Operation, err error)
	PriceServed(p ValidatedPrice, err error)
	ActivePositions(n int64)
}

// NopReporter discards every observation.
type NopReporter struct{}

func (NopReporter) OperationFinished(Operation, error, time.Duration) {}
func (NopReporter) TransactionFinished(Operation, error)              {}
func (NopReporter) PriceServed(ValidatedPrice, error)                 {}
func (NopReporter) ActivePositions(int64)                             {}
