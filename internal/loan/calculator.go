// Package loan holds the fixed-point loan arithmetic: principal from
// collateral value, repayment with flat interest, and the liquidation rule.
//
// Collateral is in wei (18 decimals), prices carry 8 decimals and stablecoin
// amounts carry 6 decimals. All results are truncated toward zero.
package loan

import (
	"fmt"
	"math/big"

	"github.com/bullpawn/bullpawn/internal/domain"
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

const (
	CollateralDecimals uint8 = 18
	StableDecimals     uint8 = 6
)

var (
	bpsDen = big.NewInt(BpsDenominator)
	// 10^(18+8-6): collapses wei*price8 down to stablecoin units.
	valueScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(CollateralDecimals+domain.PriceDecimals-StableDecimals)), nil)
)

// CollateralValue returns the stablecoin value (6 decimals) of collateral
// priced at price.
func CollateralValue(collateral, price *big.Int) (*big.Int, error) {
	if err := checkAmount("collateral", collateral); err != nil {
		return nil, err
	}
	if err := checkPrice(price); err != nil {
		return nil, err
	}
	v := new(big.Int).Mul(collateral, price)
	return v.Quo(v, valueScale), nil
}

// ComputeLoanAmount returns floor(collateral * price * ltvBps / 10000 / 1e20).
// The division happens once, after every multiplication.
func ComputeLoanAmount(collateral, price *big.Int, ltvBps int64) (*big.Int, error) {
	if err := checkAmount("collateral", collateral); err != nil {
		return nil, err
	}
	if err := checkPrice(price); err != nil {
		return nil, err
	}
	if err := checkBps("ltv", ltvBps); err != nil {
		return nil, err
	}
	v := new(big.Int).Mul(collateral, price)
	v.Mul(v, big.NewInt(ltvBps))
	den := new(big.Int).Mul(bpsDen, valueScale)
	return v.Quo(v, den), nil
}

// ComputeRepaymentAmount returns floor(principal * (10000 + interestBps) / 10000).
func ComputeRepaymentAmount(principal *big.Int, interestRateBps int64) (*big.Int, error) {
	if err := checkAmount("principal", principal); err != nil {
		return nil, err
	}
	if interestRateBps < 0 {
		return nil, fmt.Errorf("loan: interest rate %d bps: %w", interestRateBps, domain.ErrInvalidInput)
	}
	v := new(big.Int).Mul(principal, big.NewInt(BpsDenominator+interestRateBps))
	return v.Quo(v, bpsDen), nil
}

// ShouldLiquidate reports whether currentPrice has fallen to or below
// thresholdBps of the price the position was opened at:
//
//	currentPrice * 10000 <= creationPrice * thresholdBps
func ShouldLiquidate(pos domain.Position, currentPrice *big.Int, thresholdBps int64) (bool, error) {
	if err := checkPrice(currentPrice); err != nil {
		return false, err
	}
	if err := checkBps("liquidation threshold", thresholdBps); err != nil {
		return false, err
	}
	if pos.CreationPrice == nil || pos.CreationPrice.Sign() <= 0 {
		return false, fmt.Errorf("loan: position %d has no creation price: %w", pos.ID, domain.ErrInvalidInput)
	}
	lhs := new(big.Int).Mul(currentPrice, bpsDen)
	rhs := new(big.Int).Mul(pos.CreationPrice, big.NewInt(thresholdBps))
	return lhs.Cmp(rhs) <= 0, nil
}

// LiquidationPrice is the highest price at which pos becomes liquidatable.
func LiquidationPrice(pos domain.Position, thresholdBps int64) (*big.Int, error) {
	if err := checkBps("liquidation threshold", thresholdBps); err != nil {
		return nil, err
	}
	if pos.CreationPrice == nil || pos.CreationPrice.Sign() <= 0 {
		return nil, fmt.Errorf("loan: position %d has no creation price: %w", pos.ID, domain.ErrInvalidInput)
	}
	v := new(big.Int).Mul(pos.CreationPrice, big.NewInt(thresholdBps))
	return v.Quo(v, bpsDen), nil
}

func checkAmount(name string, v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return fmt.Errorf("loan: %s must be non-negative: %w", name, domain.ErrInvalidInput)
	}
	return nil
}

func checkPrice(v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("loan: price must be positive: %w", domain.ErrInvalidInput)
	}
	return nil
}

func checkBps(name string, bps int64) error {
	if bps < 0 || bps > BpsDenominator {
		return fmt.Errorf("loan: %s %d bps outside [0, %d]: %w", name, bps, BpsDenominator, domain.ErrInvalidInput)
	}
	return nil
}
