package domain

import (
	"fmt"
	"math/big"
	"time"
)

// PositionState is the lifecycle state of a pawn position.
type PositionState string

const (
	StatePending    PositionState = "pending"
	StateActive     PositionState = "active"
	StateRedeemed   PositionState = "redeemed"
	StateLiquidated PositionState = "liquidated"
)

// Terminal reports whether no further transitions are allowed from s.
func (s PositionState) Terminal() bool {
	return s == StateRedeemed || s == StateLiquidated
}

// ParsePositionState converts a stored or user-supplied string to a state.
func ParsePositionState(s string) (PositionState, error) {
	switch st := PositionState(s); st {
	case StatePending, StateActive, StateRedeemed, StateLiquidated:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown position state %q", ErrInvalidInput, s)
}

// LoanTerms are the loan parameters frozen into a position when it is created.
type LoanTerms struct {
	LTVBps          int64
	InterestRateBps int64
	Term            time.Duration
}

// Position is a single collateralized loan. Amounts are fixed-point integers:
// collateral in wei (18 decimals), principal in stablecoin base units
// (6 decimals), creation price with PriceDecimals.
type Position struct {
	ID               uint64
	Owner            string
	CollateralAmount *big.Int
	Principal        *big.Int
	CreationPrice    *big.Int
	LTVBps           int64
	InterestRateBps  int64
	CreatedAt        time.Time
	MaturityAt       time.Time
	State            PositionState
	CreateTxRef      TxRef
	CloseTxRef       TxRef
	ChainPositionID  uint64
	ClosedAt         *time.Time
	// FailedAt is set on a pending position whose create transaction
	// reverted. Such a reservation is never resumed or activated.
	FailedAt  *time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so callers never share big.Int values with the ledger.
func (p Position) Clone() Position {
	c := p
	c.CollateralAmount = cloneInt(p.CollateralAmount)
	c.Principal = cloneInt(p.Principal)
	c.CreationPrice = cloneInt(p.CreationPrice)
	c.ClosedAt = cloneTime(p.ClosedAt)
	c.FailedAt = cloneTime(p.FailedAt)
	return c
}

// Progress orders states along the lifecycle: pending 0, active 1, terminal 2.
func (s PositionState) Progress() int {
	switch s {
	case StateActive:
		return 1
	case StateRedeemed, StateLiquidated:
		return 2
	}
	return 0
}

// OnChainID is the id the contract knows this position by.
func (p Position) OnChainID() uint64 {
	if p.ChainPositionID != 0 {
		return p.ChainPositionID
	}
	return p.ID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
