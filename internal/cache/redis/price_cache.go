package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bullpawn/bullpawn/internal/domain"
)

// PriceCache implements domain.PriceCache with one Redis hash per asset at
// "price:{asset}". Entries expire after ttl so a stalled aggregator never
// serves an old price as the last known one forever.
type PriceCache struct {
	rdb *redis.Client
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries indefinitely.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: c.Underlying(), c: c, ttl: ttl}
}

// SetPrice stores p as the latest price for its asset.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.ValidatedPrice) error {
	key := pc.c.key("price", p.Asset)
	_, err := pc.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, encodePrice(p))
		if pc.ttl > 0 {
			pipe.Expire(ctx, key, pc.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", p.Asset, err)
	}
	return nil
}

// GetPrice returns the cached price for asset, or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	vals, err := pc.rdb.HGetAll(ctx, pc.c.key("price", asset)).Result()
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return domain.ValidatedPrice{}, fmt.Errorf("redis: price %s: %w", asset, domain.ErrNotFound)
	}
	p, err := decodePrice(asset, vals)
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("redis: decode price %s: %w", asset, err)
	}
	return p, nil
}

func encodePrice(p domain.ValidatedPrice) map[string]any {
	price := "0"
	if p.Price != nil {
		price = p.Price.String()
	}
	return map[string]any{
		"price":      price,
		"confidence": string(p.Confidence),
		"sources":    strings.Join(p.Sources, ","),
		"ts":         strconv.FormatInt(p.ObservedAt.UnixNano(), 10),
	}
}

func decodePrice(asset string, vals map[string]string) (domain.ValidatedPrice, error) {
	price, ok := new(big.Int).SetString(vals["price"], 10)
	if !ok {
		return domain.ValidatedPrice{}, fmt.Errorf("bad price %q", vals["price"])
	}
	conf, err := domain.ParseConfidence(vals["confidence"])
	if err != nil {
		return domain.ValidatedPrice{}, err
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.ValidatedPrice{}, fmt.Errorf("bad ts %q: %w", vals["ts"], err)
	}
	var sources []string
	if s := vals["sources"]; s != "" {
		sources = strings.Split(s, ",")
	}
	return domain.ValidatedPrice{
		Asset:      asset,
		Price:      price,
		Confidence: conf,
		Sources:    sources,
		ObservedAt: time.Unix(0, ts).UTC(),
	}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
