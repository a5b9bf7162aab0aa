// Package oracle resolves a validated collateral price from several upstream
// feeds. Live sources are queried concurrently and combined by weight; when
// none survive validation a single fallback API is tried, and after that a
// configured floor price is used. Every answer is tagged with the confidence
// of the tier that produced it.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bullpawn/bullpawn/internal/domain"
)

const (
	defaultSourceTimeout = 3 * time.Second
	maxFutureSkew        = 5 * time.Second
	maxTotalWeight       = 100
)

// SourceSpec binds a live source to its aggregation weight and query timeout.
type SourceSpec struct {
	Source  domain.PriceSource
	Weight  int
	Timeout time.Duration
}

// Config configures an Aggregator.
type Config struct {
	Sources         []SourceSpec
	Fallback        domain.PriceSource
	FallbackTimeout time.Duration
	// FloorPrice is the last-resort price with domain.PriceDecimals. Nil
	// disables the hardcoded tier.
	FloorPrice      *big.Int
	Staleness       time.Duration
	MaxDeviationPct int64
	Now             func() time.Time
}

type tier struct {
	name       string
	confidence domain.Confidence
	resolve    func(ctx context.Context, asset string) (domain.ValidatedPrice, error)
}

// Aggregator implements tiered price resolution. It holds no mutable state
// and is safe for concurrent use.
type Aggregator struct {
	cfg    Config
	tiers  []tier
	logger *slog.Logger
}

// NewAggregator validates cfg and builds the tier list.
func NewAggregator(cfg Config, logger *slog.Logger) (*Aggregator, error) {
	total := 0
	for i, s := range cfg.Sources {
		if s.Source == nil {
			return nil, fmt.Errorf("oracle: source %d is nil: %w", i, domain.ErrInvalidInput)
		}
		if s.Weight < 0 || s.Weight > maxTotalWeight {
			return nil, fmt.Errorf("oracle: source %s weight %d outside [0, %d]: %w", s.Source.Name(), s.Weight, maxTotalWeight, domain.ErrInvalidInput)
		}
		total += s.Weight
		if cfg.Sources[i].Timeout <= 0 {
			cfg.Sources[i].Timeout = defaultSourceTimeout
		}
	}
	if total > maxTotalWeight {
		return nil, fmt.Errorf("oracle: source weights sum to %d, max %d: %w", total, maxTotalWeight, domain.ErrInvalidInput)
	}
	if cfg.FloorPrice != nil && cfg.FloorPrice.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: floor price must be positive: %w", domain.ErrInvalidInput)
	}
	if cfg.MaxDeviationPct <= 0 {
		cfg.MaxDeviationPct = 20
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = time.Hour
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = defaultSourceTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	a := &Aggregator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "oracle")),
	}
	a.tiers = []tier{
		{name: "live", confidence: domain.ConfidenceOracle, resolve: a.resolveLive},
		{name: "fallback", confidence: domain.ConfidenceFallbackAPI, resolve: a.resolveFallback},
		{name: "floor", confidence: domain.ConfidenceHardcoded, resolve: a.resolveFloor},
	}
	return a, nil
}

// GetValidatedPrice walks the tiers in order and returns the first answer.
// An error is returned only when no tier produced a price.
func (a *Aggregator) GetValidatedPrice(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	var errs []error
	for _, t := range a.tiers {
		vp, err := t.resolve(ctx, asset)
		if err == nil {
			vp.Asset = asset
			vp.Confidence = t.confidence
			if t.confidence != domain.ConfidenceOracle {
				a.logger.Warn("oracle: degraded price",
					slog.String("asset", asset),
					slog.String("tier", t.name),
					slog.String("price", vp.Price.String()),
				)
			}
			return vp, nil
		}
		if !errors.Is(err, domain.ErrOracleUnavailable) {
			a.logger.Error("oracle: tier failed unexpectedly",
				slog.String("asset", asset),
				slog.String("tier", t.name),
				slog.String("error", err.Error()),
			)
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
	}
	err := errors.Join(errs...)
	a.logger.Error("oracle: no price available", slog.String("asset", asset), slog.String("error", err.Error()))
	return domain.ValidatedPrice{}, fmt.Errorf("oracle: get validated price %s: %w", asset, err)
}

func (a *Aggregator) resolveLive(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	if len(a.cfg.Sources) == 0 {
		return domain.ValidatedPrice{}, domain.ErrOracleUnavailable
	}
	quotes := a.queryAll(ctx, asset)
	survivors := a.filter(quotes)
	if len(survivors) == 0 {
		return domain.ValidatedPrice{}, fmt.Errorf("no live quote survived validation: %w", domain.ErrOracleUnavailable)
	}

	names := make([]string, len(survivors))
	observed := survivors[0].ObservedAt
	for i, q := range survivors {
		names[i] = q.Source
		if q.ObservedAt.Before(observed) {
			observed = q.ObservedAt
		}
	}
	return domain.ValidatedPrice{
		Price:      weightedMean(survivors),
		Sources:    names,
		ObservedAt: observed,
	}, nil
}

// queryAll asks every live source at once and waits for all of them to answer
// or time out. Failed sources are logged and omitted.
func (a *Aggregator) queryAll(ctx context.Context, asset string) []domain.PriceQuote {
	results := make([]*domain.PriceQuote, len(a.cfg.Sources))
	var g errgroup.Group
	for i, ss := range a.cfg.Sources {
		g.Go(func() error {
			q, err := a.query(ctx, ss.Source, asset, ss.Timeout)
			if err != nil {
				level := slog.LevelWarn
				if isPanic(err) {
					level = slog.LevelError
				}
				a.logger.Log(ctx, level, "oracle: source failed",
					slog.String("source", ss.Source.Name()),
					slog.String("error", err.Error()),
				)
				return nil
			}
			q.Weight = ss.Weight
			results[i] = &q
			return nil
		})
	}
	_ = g.Wait()

	quotes := make([]domain.PriceQuote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes
}

// query runs a single source under its own deadline, converting a panic into
// an error so one broken feed cannot take down the aggregator.
func (a *Aggregator) query(ctx context.Context, src domain.PriceSource, asset string, timeout time.Duration) (q domain.PriceQuote, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = panicError{source: src.Name(), value: r}
		}
	}()
	q, err = src.Query(ctx, asset)
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if q.Source == "" {
		q.Source = src.Name()
	}
	if q.Price == nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle: source %s returned no price", src.Name())
	}
	q.Price = domain.Rescale(q.Price, q.Decimals, domain.PriceDecimals)
	q.Decimals = domain.PriceDecimals
	return q, nil
}

// filter drops stale, future-dated and non-positive quotes, then repeatedly
// removes quotes deviating from the median by more than MaxDeviationPct
// until the set is stable.
func (a *Aggregator) filter(quotes []domain.PriceQuote) []domain.PriceQuote {
	now := a.cfg.Now()
	fresh := make([]domain.PriceQuote, 0, len(quotes))
	for _, q := range quotes {
		switch {
		case q.Price.Sign() <= 0:
			a.logger.Warn("oracle: non-positive quote", slog.String("source", q.Source))
		case q.ObservedAt.Before(now.Add(-a.cfg.Staleness)):
			a.logger.Warn("oracle: stale quote",
				slog.String("source", q.Source),
				slog.Duration("age", now.Sub(q.ObservedAt)),
			)
		case q.ObservedAt.After(now.Add(maxFutureSkew)):
			a.logger.Warn("oracle: future-dated quote", slog.String("source", q.Source))
		default:
			fresh = append(fresh, q)
		}
	}

	for len(fresh) > 0 {
		med := median(fresh)
		kept := fresh[:0:0]
		for _, q := range fresh {
			if withinDeviation(q.Price, med, a.cfg.MaxDeviationPct) {
				kept = append(kept, q)
				continue
			}
			a.logger.Warn("oracle: outlier rejected",
				slog.String("source", q.Source),
				slog.String("price", q.Price.String()),
				slog.String("median", med.String()),
			)
		}
		if len(kept) == len(fresh) {
			break
		}
		fresh = kept
	}
	return fresh
}

func (a *Aggregator) resolveFallback(ctx context.Context, asset string) (domain.ValidatedPrice, error) {
	if a.cfg.Fallback == nil {
		return domain.ValidatedPrice{}, domain.ErrOracleUnavailable
	}
	q, err := a.query(ctx, a.cfg.Fallback, asset, a.cfg.FallbackTimeout)
	if err != nil {
		if isPanic(err) {
			return domain.ValidatedPrice{}, err
		}
		a.logger.Warn("oracle: fallback failed",
			slog.String("source", a.cfg.Fallback.Name()),
			slog.String("error", err.Error()),
		)
		return domain.ValidatedPrice{}, fmt.Errorf("%v: %w", err, domain.ErrOracleUnavailable)
	}
	if q.Price.Sign() <= 0 {
		return domain.ValidatedPrice{}, fmt.Errorf("fallback returned non-positive price: %w", domain.ErrOracleUnavailable)
	}
	return domain.ValidatedPrice{
		Price:      q.Price,
		Sources:    []string{q.Source},
		ObservedAt: q.ObservedAt,
	}, nil
}

func (a *Aggregator) resolveFloor(_ context.Context, _ string) (domain.ValidatedPrice, error) {
	if a.cfg.FloorPrice == nil {
		return domain.ValidatedPrice{}, domain.ErrOracleUnavailable
	}
	return domain.ValidatedPrice{
		Price:      new(big.Int).Set(a.cfg.FloorPrice),
		Sources:    []string{"hardcoded"},
		ObservedAt: a.cfg.Now(),
	}, nil
}

type panicError struct {
	source string
	value  any
}

func (e panicError) Error() string {
	return fmt.Sprintf("oracle: source %s panicked: %v", e.source, e.value)
}

func isPanic(err error) bool {
	var p panicError
	return errors.As(err, &p)
}

// median of the quote prices; the mean of the two middle values when even.
func median(quotes []domain.PriceQuote) *big.Int {
	prices := make([]*big.Int, len(quotes))
	for i, q := range quotes {
		prices[i] = q.Price
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Cmp(prices[j]) < 0 })
	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return new(big.Int).Set(prices[mid])
	}
	sum := new(big.Int).Add(prices[mid-1], prices[mid])
	return sum.Quo(sum, big.NewInt(2))
}

// withinDeviation reports |p - ref| * 100 <= pct * ref.
func withinDeviation(p, ref *big.Int, pct int64) bool {
	diff := new(big.Int).Sub(p, ref)
	diff.Abs(diff).Mul(diff, big.NewInt(100))
	limit := new(big.Int).Mul(ref, big.NewInt(pct))
	return diff.Cmp(limit) <= 0
}

// weightedMean returns floor(sum(p*w) / sum(w)), or the plain mean when every
// weight is zero.
func weightedMean(quotes []domain.PriceQuote) *big.Int {
	num := new(big.Int)
	den := new(big.Int)
	for _, q := range quotes {
		w := big.NewInt(int64(q.Weight))
		num.Add(num, new(big.Int).Mul(q.Price, w))
		den.Add(den, w)
	}
	if den.Sign() == 0 {
		num.SetInt64(0)
		for _, q := range quotes {
			num.Add(num, q.Price)
		}
		den.SetInt64(int64(len(quotes)))
	}
	return num.Quo(num, den)
}
