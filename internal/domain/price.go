package domain

import (
	"fmt"
	"math/big"
	"time"
)

// AssetETH is the only collateral asset the pawn contract accepts.
const AssetETH = "ETH"

// PriceDecimals is the fixed-point scale of every validated price.
const PriceDecimals uint8 = 8

// PriceQuote is a single observation from one price source.
type PriceQuote struct {
	Source     string
	Price      *big.Int
	Decimals   uint8
	ObservedAt time.Time
	Weight     int
}

// Confidence tags how a validated price was obtained.
type Confidence string

const (
	ConfidenceOracle      Confidence = "oracle"
	ConfidenceFallbackAPI Confidence = "fallback-api"
	ConfidenceHardcoded   Confidence = "hardcoded"
)

// Rank orders confidence levels; higher is better. Unknown levels rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceOracle:
		return 3
	case ConfidenceFallbackAPI:
		return 2
	case ConfidenceHardcoded:
		return 1
	}
	return 0
}

// AtLeast reports whether c is as trustworthy as min.
func (c Confidence) AtLeast(min Confidence) bool {
	return c.Rank() >= min.Rank()
}

// ParseConfidence converts a configuration string to a Confidence.
func ParseConfidence(s string) (Confidence, error) {
	c := Confidence(s)
	if c.Rank() == 0 {
		return "", fmt.Errorf("%w: unknown confidence %q", ErrInvalidInput, s)
	}
	return c, nil
}

// ValidatedPrice is the aggregator's answer for an asset, scaled to PriceDecimals.
type ValidatedPrice struct {
	Asset      string
	Price      *big.Int
	Confidence Confidence
	Sources    []string
	ObservedAt time.Time
}

// Rescale converts value from one decimal scale to another, truncating.
func Rescale(value *big.Int, from, to uint8) *big.Int {
	out := new(big.Int).Set(value)
	switch {
	case from < to:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	}
	return out
}
