package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bullpawn/bullpawn/internal/domain"
)

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]domain.ValidatedPrice
}

func (c *memPriceCache) SetPrice(_ context.Context, p domain.ValidatedPrice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = map[string]domain.ValidatedPrice{}
	}
	c.prices[p.Asset] = p
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, asset string) (domain.ValidatedPrice, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[asset]
	if !ok {
		return domain.ValidatedPrice{}, domain.ErrNotFound
	}
	return p, nil
}

type failingOracle struct{}

func (failingOracle) GetValidatedPrice(context.Context, string) (domain.ValidatedPrice, error) {
	return domain.ValidatedPrice{}, errors.New("all tiers failed")
}

func TestPriceServiceCachesAndPublishes(t *testing.T) {
	cache := &memPriceCache{}
	bus := newCaptureBus()
	svc := NewPriceService(newFakeOracle(2150, domain.ConfidenceOracle), cache, bus, nil, quietLogger())
	ctx := context.Background()

	_, err := svc.LastPrice(ctx, domain.AssetETH)
	require.ErrorIs(t, err, domain.ErrNotFound)

	vp, err := svc.GetValidatedPrice(ctx, domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, int64(2150e8), vp.Price.Int64())

	last, err := svc.LastPrice(ctx, domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, 0, last.Price.Cmp(vp.Price))

	require.Equal(t, 1, bus.count(domain.ChannelPrices))
	var evt map[string]any
	require.NoError(t, json.Unmarshal(bus.messages[domain.ChannelPrices][0], &evt))
	require.Equal(t, "2150.00000000", evt["price"])
	require.Equal(t, "oracle", evt["confidence"])
}

func TestPriceServiceWithoutCache(t *testing.T) {
	svc := NewPriceService(newFakeOracle(2000, domain.ConfidenceHardcoded), nil, nil, nil, quietLogger())

	vp, err := svc.GetValidatedPrice(context.Background(), domain.AssetETH)
	require.NoError(t, err)
	require.Equal(t, domain.ConfidenceHardcoded, vp.Confidence)

	_, err = svc.LastPrice(context.Background(), domain.AssetETH)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPriceServiceReportsFailure(t *testing.T) {
	bus := newCaptureBus()
	svc := NewPriceService(failingOracle{}, &memPriceCache{}, bus, nil, quietLogger())

	_, err := svc.GetValidatedPrice(context.Background(), domain.AssetETH)
	require.Error(t, err)
	require.Equal(t, 0, bus.count(domain.ChannelPrices))
}
