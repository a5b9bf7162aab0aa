package redis

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

func TestPriceEncoding(t *testing.T) {
	observed := time.Date(2025, 5, 1, 10, 30, 0, 123, time.UTC)
	in := domain.ValidatedPrice{
		Asset:      domain.AssetETH,
		Price:      big.NewInt(2012_34567890),
		Confidence: domain.ConfidenceOracle,
		Sources:    []string{"chainlink", "coinbase"},
		ObservedAt: observed,
	}

	raw := encodePrice(in)
	vals := make(map[string]string, len(raw))
	for k, v := range raw {
		vals[k] = v.(string)
	}
	out, err := decodePrice(domain.AssetETH, vals)
	require.NoError(t, err)
	require.Equal(t, 0, in.Price.Cmp(out.Price))
	require.Equal(t, in.Confidence, out.Confidence)
	require.Equal(t, in.Sources, out.Sources)
	require.True(t, observed.Equal(out.ObservedAt))
}

func TestDecodePriceRejectsGarbage(t *testing.T) {
	_, err := decodePrice("ETH", map[string]string{"price": "abc", "confidence": "oracle", "ts": "1"})
	require.Error(t, err)

	_, err = decodePrice("ETH", map[string]string{"price": "1", "confidence": "guess", "ts": "1"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	p, err := decodePrice("ETH", map[string]string{"price": "1", "confidence": "hardcoded", "ts": "0"})
	require.NoError(t, err)
	require.Empty(t, p.Sources)
}

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "bullpawn:"}
	require.Equal(t, "bullpawn:lock:keeper:liquidation", c.key("lock", "keeper:liquidation"))
	require.Equal(t, "price:ETH", (&Client{}).key("price", "ETH"))
}

func TestStreamPayload(t *testing.T) {
	b, ok := streamPayload(map[string]any{"payload": "x"})
	require.True(t, ok)
	require.Equal(t, []byte("x"), b)

	_, ok = streamPayload(map[string]any{"other": "x"})
	require.False(t, ok)
}
