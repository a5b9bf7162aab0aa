package loan

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func usd8(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(100_000_000))
}

func TestComputeLoanAmountOneEth(t *testing.T) {
	got, err := ComputeLoanAmount(eth(1), usd8(2000), 7000)
	require.NoError(t, err)
	require.Equal(t, "1400000000", got.String())
	require.Equal(t, "1400.000000", FormatUnits(got, StableDecimals))
}

func TestComputeLoanAmountZeroLTV(t *testing.T) {
	got, err := ComputeLoanAmount(eth(3), usd8(2500), 0)
	require.NoError(t, err)
	require.Zero(t, got.Sign())
}

func TestComputeLoanAmountMonotonic(t *testing.T) {
	price := usd8(1800)
	prev := big.NewInt(-1)
	for _, c := range []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(1e12), eth(1), eth(7), eth(100)} {
		got, err := ComputeLoanAmount(c, price, 7000)
		require.NoError(t, err)
		require.True(t, got.Cmp(prev) >= 0, "collateral %s gave %s < %s", c, got, prev)
		prev = got
	}

	prev = big.NewInt(-1)
	for _, p := range []int64{1, 100, 1999, 2000, 50_000} {
		got, err := ComputeLoanAmount(eth(1), usd8(p), 7000)
		require.NoError(t, err)
		require.True(t, got.Cmp(prev) >= 0)
		prev = got
	}
}

func TestComputeLoanAmountTruncates(t *testing.T) {
	// 1 wei is worth far less than one stablecoin base unit.
	got, err := ComputeLoanAmount(big.NewInt(1), usd8(2000), 7000)
	require.NoError(t, err)
	require.Zero(t, got.Sign())

	// 0.333... ETH at $3 with 100% LTV: exact value 0.999999 truncated.
	c, err := ParseUnits("0.333333333333333333", CollateralDecimals)
	require.NoError(t, err)
	got, err = ComputeLoanAmount(c, usd8(3), 10_000)
	require.NoError(t, err)
	require.Equal(t, "999999", got.String())
}

func TestComputeLoanAmountInvalid(t *testing.T) {
	cases := []struct {
		name       string
		collateral *big.Int
		price      *big.Int
		ltv        int64
	}{
		{"negative collateral", big.NewInt(-1), usd8(2000), 7000},
		{"nil collateral", nil, usd8(2000), 7000},
		{"zero price", eth(1), big.NewInt(0), 7000},
		{"negative price", eth(1), big.NewInt(-5), 7000},
		{"ltv above 100%", eth(1), usd8(2000), 10_001},
		{"negative ltv", eth(1), usd8(2000), -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeLoanAmount(tc.collateral, tc.price, tc.ltv)
			require.True(t, errors.Is(err, domain.ErrInvalidInput), "got %v", err)
		})
	}
}

func TestComputeRepaymentAmount(t *testing.T) {
	got, err := ComputeRepaymentAmount(big.NewInt(1_000_000), 1000)
	require.NoError(t, err)
	require.Equal(t, "1100000", got.String())

	got, err = ComputeRepaymentAmount(big.NewInt(1_400_000_000), 1000)
	require.NoError(t, err)
	require.Equal(t, "1540.000000", FormatUnits(got, StableDecimals))

	got, err = ComputeRepaymentAmount(big.NewInt(7), 1000)
	require.NoError(t, err)
	require.Equal(t, "7", got.String())

	got, err = ComputeRepaymentAmount(big.NewInt(500), 0)
	require.NoError(t, err)
	require.Equal(t, "500", got.String())

	_, err = ComputeRepaymentAmount(big.NewInt(500), -1)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = ComputeRepaymentAmount(big.NewInt(-500), 100)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestShouldLiquidateBoundary(t *testing.T) {
	pos := domain.Position{ID: 1, CreationPrice: usd8(2000)}

	liq, err := ShouldLiquidate(pos, usd8(1400), 7000)
	require.NoError(t, err)
	require.True(t, liq)

	liq, err = ShouldLiquidate(pos, usd8(1401), 7000)
	require.NoError(t, err)
	require.False(t, liq)

	liq, err = ShouldLiquidate(pos, usd8(900), 7000)
	require.NoError(t, err)
	require.True(t, liq)

	// One base unit above the boundary.
	justAbove := new(big.Int).Add(usd8(1400), big.NewInt(1))
	liq, err = ShouldLiquidate(pos, justAbove, 7000)
	require.NoError(t, err)
	require.False(t, liq)
}

func TestShouldLiquidateInvalid(t *testing.T) {
	_, err := ShouldLiquidate(domain.Position{CreationPrice: usd8(2000)}, big.NewInt(0), 7000)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ShouldLiquidate(domain.Position{}, usd8(100), 7000)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = ShouldLiquidate(domain.Position{CreationPrice: usd8(2000)}, usd8(100), 20_000)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestLiquidationPrice(t *testing.T) {
	p, err := LiquidationPrice(domain.Position{CreationPrice: usd8(2000)}, 7000)
	require.NoError(t, err)
	require.Equal(t, usd8(1400).String(), p.String())
}

func TestCollateralValue(t *testing.T) {
	v, err := CollateralValue(eth(2), usd8(2000))
	require.NoError(t, err)
	require.Equal(t, "4000.000000", FormatUnits(v, StableDecimals))
}

func TestParseFormatUnits(t *testing.T) {
	v, err := ParseUnits("1.5", CollateralDecimals)
	require.NoError(t, err)
	require.Equal(t, "1500000000000000000", v.String())

	v, err = ParseUnits("2000", domain.PriceDecimals)
	require.NoError(t, err)
	require.Equal(t, usd8(2000).String(), v.String())

	_, err = ParseUnits("0.0000001", StableDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = ParseUnits("-1", StableDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = ParseUnits("abc", StableDecimals)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	require.Equal(t, "0.000001", FormatUnits(big.NewInt(1), StableDecimals))
	require.Equal(t, "0.000000", FormatUnits(nil, StableDecimals))
}
